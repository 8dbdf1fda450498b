// Package bbtxt reads BBTXT annotation files.
//
// A BBTXT file is a plain text file with one bounding box per line:
//
//	<filename> <label> <confidence> <xmin> <ymin> <xmax> <ymax>
//
// Lines belonging to the same image are contiguous, so a change of filename
// starts a new image record. An image with no boxes simply does not appear
// in the file.
package bbtxt

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
)

// DefaultMaxBoxesPerImage is the capacity of the fixed-size label block that
// we emit for each image. The label tensor shape depends on this number.
const DefaultMaxBoxesPerImage = 20

// SentinelLabel marks the end of the real boxes inside a fixed-capacity
// label block.
const SentinelLabel = -1

// LabelRowSize is the number of floats per box in a label block:
// [label, xmin, ymin, xmax, ymax]
const LabelRowSize = 5

var (
	ErrMalformedLine = errors.New("bbtxt: malformed line")
	ErrEmptyDataset  = errors.New("bbtxt: no images in annotation file")
)

// Box is a single ground-truth bounding box.
type Box struct {
	Label float32
	XMin  float32
	YMin  float32
	XMax  float32
	YMax  float32
}

func (b Box) Width() float32 {
	return b.XMax - b.XMin
}

func (b Box) Height() float32 {
	return b.YMax - b.YMin
}

// LongSide is the longer of the box's two sides.
func (b Box) LongSide() float32 {
	return math32.Max(b.Width(), b.Height())
}

// Record is one image and its boxes. Boxes holds only real boxes; the
// sentinel terminator is materialized by CopyLabelRows.
type Record struct {
	Path  string
	Boxes []Box
}

// CopyLabelRows writes the fixed-capacity label block for this record into
// dst, which must hold maxBoxes*LabelRowSize floats. Rows beyond the real
// boxes get the sentinel label and zero coordinates.
func (r *Record) CopyLabelRows(dst []float32, maxBoxes int) {
	for i := 0; i < maxBoxes; i++ {
		row := dst[i*LabelRowSize : (i+1)*LabelRowSize]
		if i < len(r.Boxes) {
			b := r.Boxes[i]
			row[0] = b.Label
			row[1] = b.XMin
			row[2] = b.YMin
			row[3] = b.XMax
			row[4] = b.YMax
		} else {
			row[0] = SentinelLabel
			row[1] = 0
			row[2] = 0
			row[3] = 0
			row[4] = 0
		}
	}
}

// Dataset is an ordered sequence of image records, read once at setup.
// The order is mutated only by Shuffle.
type Dataset struct {
	Records  []*Record
	MaxBoxes int
}

// Shuffle permutes the record order in place. The caller supplies the
// generator, so a fixed seed gives a reproducible order.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.Records), func(i, j int) {
		d.Records[i], d.Records[j] = d.Records[j], d.Records[i]
	})
}

// ParseFile reads a BBTXT annotation file into a Dataset.
// Every referenced image file must exist on disk. Images with more than
// maxBoxes boxes keep the first maxBoxes and drop the rest with a warning.
func ParseFile(logger logs.Log, path string, maxBoxes int) (*Dataset, error) {
	if maxBoxes <= 0 {
		maxBoxes = DefaultMaxBoxesPerImage
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bbtxt: open %v: %w", path, err)
	}
	defer f.Close()

	dataset := &Dataset{
		MaxBoxes: maxBoxes,
	}
	var current *Record
	nDropped := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 7 {
			return nil, fmt.Errorf("%w: line %v has %v fields, expected 7", ErrMalformedLine, lineNo, len(fields))
		}
		if current == nil || current.Path != fields[0] {
			if nDropped != 0 {
				logger.Warnf("bbtxt: %v: dropped %v boxes over the %v box limit", current.Path, nDropped, maxBoxes)
				nDropped = 0
			}
			if _, err := os.Stat(fields[0]); err != nil {
				return nil, fmt.Errorf("bbtxt: image %v (line %v): %w", fields[0], lineNo, err)
			}
			current = &Record{Path: fields[0]}
			dataset.Records = append(dataset.Records, current)
		}
		if len(current.Boxes) >= maxBoxes {
			nDropped++
			continue
		}
		box, err := parseBox(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: line %v: %v", ErrMalformedLine, lineNo, err)
		}
		current.Boxes = append(current.Boxes, box)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bbtxt: read %v: %w", path, err)
	}
	if nDropped != 0 {
		logger.Warnf("bbtxt: %v: dropped %v boxes over the %v box limit", current.Path, nDropped, maxBoxes)
	}
	if len(dataset.Records) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrEmptyDataset, path)
	}
	return dataset, nil
}

func parseBox(fields []string) (Box, error) {
	// fields[2] is a confidence value, which is meaningless for ground
	// truth annotations, so we ignore it.
	vals := [5]float32{}
	for i, iField := range []int{1, 3, 4, 5, 6} {
		v, err := strconv.ParseFloat(fields[iField], 32)
		if err != nil {
			return Box{}, fmt.Errorf("field %v (%q) is not a number", iField+1, fields[iField])
		}
		vals[i] = float32(v)
	}
	return Box{
		Label: vals[0],
		XMin:  vals[1],
		YMin:  vals[2],
		XMax:  vals[3],
		YMax:  vals[4],
	}, nil
}
