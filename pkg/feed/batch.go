package feed

import (
	"github.com/cyclopcam/bbfeed/pkg/bbtxt"
)

// Batch is one training batch: a planar float image tensor and the matching
// label tensor. A batch is owned exclusively by the producer that fills it
// until it lands on the output queue, and by the consumer from then until
// Release returns it to the pool.
type Batch struct {
	BatchSize int
	Width     int
	Height    int
	MaxBoxes  int
	Images    []float32 // [BatchSize, 3, Height, Width], channel-major
	Labels    []float32 // [BatchSize, MaxBoxes, 5], rows of [label, xmin, ymin, xmax, ymax]
}

func NewBatch(cfg *Config) *Batch {
	return &Batch{
		BatchSize: cfg.BatchSize,
		Width:     cfg.Width,
		Height:    cfg.Height,
		MaxBoxes:  cfg.MaxBoxesPerImage,
		Images:    make([]float32, cfg.BatchSize*3*cfg.Height*cfg.Width),
		Labels:    make([]float32, cfg.BatchSize*cfg.MaxBoxesPerImage*bbtxt.LabelRowSize),
	}
}

// Image returns the planar pixel tensor of batch element i.
func (b *Batch) Image(i int) []float32 {
	n := 3 * b.Height * b.Width
	return b.Images[i*n : (i+1)*n]
}

// LabelRows returns the label block of batch element i.
func (b *Batch) LabelRows(i int) []float32 {
	n := b.MaxBoxes * bbtxt.LabelRowSize
	return b.Labels[i*n : (i+1)*n]
}
