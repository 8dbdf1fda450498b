package feed

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/bbfeed/pkg/augment"
	"github.com/cyclopcam/bbfeed/pkg/bbtxt"
	"github.com/cyclopcam/bbfeed/pkg/perfstats"
)

// Decoder reads an image file into interleaved RGB pixels.
type Decoder interface {
	Decode(path string) (*cimg.Image, error)
}

// FileDecoder decodes image files from disk.
type FileDecoder struct{}

func (FileDecoder) Decode(path string) (*cimg.Image, error) {
	img, err := cimg.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	return img, nil
}

// cursor walks the dataset in order, wrapping at the end. All producers
// share one cursor, so access goes through the lock. The shuffle generator
// lives here too, because reshuffling happens under the same lock as the
// wrap that triggers it.
type cursor struct {
	lock    sync.Mutex
	dataset *bbtxt.Dataset
	pos     int
	shuffle bool
	rng     *rand.Rand
	wraps   int
}

func newCursor(dataset *bbtxt.Dataset, shuffle bool, seed int64) *cursor {
	c := &cursor{
		dataset: dataset,
		shuffle: shuffle,
		rng:     rand.New(rand.NewSource(seed)),
	}
	if shuffle {
		dataset.Shuffle(c.rng)
	}
	return c
}

// next returns the record at the cursor and advances it. Exactly one
// reshuffle occurs per wrap.
func (c *cursor) next() *bbtxt.Record {
	c.lock.Lock()
	defer c.lock.Unlock()
	rec := c.dataset.Records[c.pos]
	c.pos++
	if c.pos >= len(c.dataset.Records) {
		c.pos = 0
		c.wraps++
		if c.shuffle {
			c.dataset.Shuffle(c.rng)
		}
	}
	return rec
}

// assembler fills one batch at a time by walking the shared cursor.
type assembler struct {
	cur     *cursor
	decoder Decoder
	engine  *augment.Engine
}

// fillBatch decodes and augments one image per batch slot. The record's
// label rows are copied into the batch before augmentation, because
// augmentation rewrites the coordinates.
func (a *assembler) fillBatch(rng *rand.Rand, batch *Batch) error {
	for i := 0; i < batch.BatchSize; i++ {
		rec := a.cur.next()
		start := time.Now()
		img, err := a.decoder.Decode(rec.Path)
		if err != nil {
			return fmt.Errorf("feed: decode %v: %w", rec.Path, err)
		}
		perfstats.Update(&perfstats.Stats.DecodeNanosecondsPerImage, time.Since(start).Nanoseconds())
		labels := batch.LabelRows(i)
		rec.CopyLabelRows(labels, batch.MaxBoxes)
		start = time.Now()
		if err := a.engine.Transform(rng, img, labels, batch.Image(i)); err != nil {
			return fmt.Errorf("feed: augment %v: %w", rec.Path, err)
		}
		perfstats.Update(&perfstats.Stats.TransformNanosecondsPerImage, time.Since(start).Nanoseconds())
	}
	return nil
}
