// Package augment turns a decoded image and its box annotations into a
// fixed-size normalized network input, using a randomized crop that keeps a
// chosen bounding box fully inside the produced image.
package augment

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/bbfeed/pkg/bbtxt"
)

var ErrShape = errors.New("augment: resized image does not match target size")

// Params configure the engine.
type Params struct {
	Width         int  // Network input width
	Height        int  // Network input height
	ReferenceSize int  // Size (pixels, in network input space) that the selected box's longer side gets scaled to
	Mirror        bool // Enable random horizontal flips
}

// Engine applies the crop/rescale/normalize transform.
// An Engine is stateless and safe to share between producer threads, as long
// as each thread brings its own rng.
type Engine struct {
	params Params
}

func NewEngine(params Params) *Engine {
	return &Engine{
		params: params,
	}
}

// cropWindow is the source-image rectangle that gets rescaled to the network
// input size. It may extend beyond the image bounds, in which case the
// out-of-bounds region replicates the nearest edge pixel.
type cropWindow struct {
	x, y, w, h int
}

// Transform writes the augmented image into out as planar channel-major
// floats (3 * Height * Width), and remaps the label rows in place.
// labels is a fixed-capacity block of bbtxt label rows, and img must be
// interleaved RGB.
//
// Remapped boxes can land partially or fully outside the output image. We
// deliberately do not clamp or drop them; the training loss decides what to
// do with out-of-range coordinates.
func (e *Engine) Transform(rng *rand.Rand, img *cimg.Image, labels []float32, out []float32) error {
	width := e.params.Width
	height := e.params.Height

	var resized *cimg.Image
	if labels[0] == bbtxt.SentinelLabel {
		// No boxes in this image, so there is no crop to anchor. Just squash
		// the whole image to the network input size.
		resized = cimg.ResizeNew(img, width, height, nil)
	} else {
		nBoxes := numBoxes(labels)
		crop := e.pickCrop(rng, labels, nBoxes)
		cropped := cropReplicate(img, crop)
		resized = cimg.ResizeNew(cropped, width, height, nil)

		// Remap every box, not just the selected one. Boxes from the same
		// image that fall outside the crop stay in the label block, with
		// out-of-range coordinates.
		scaleX := float32(width) / float32(crop.w)
		scaleY := float32(height) / float32(crop.h)
		for i := 0; i < nBoxes; i++ {
			row := labels[i*bbtxt.LabelRowSize:]
			row[1] = (row[1] - float32(crop.x)) * scaleX
			row[2] = (row[2] - float32(crop.y)) * scaleY
			row[3] = (row[3] - float32(crop.x)) * scaleX
			row[4] = (row[4] - float32(crop.y)) * scaleY
		}
	}

	if resized.Width != width || resized.Height != height {
		return fmt.Errorf("%w: got %vx%v, want %vx%v", ErrShape, resized.Width, resized.Height, width, height)
	}

	if e.params.Mirror && rng.Intn(2) == 1 {
		mirror(resized, labels)
	}

	normalize(resized, out)
	return nil
}

// pickCrop selects a random box and a random crop window that contains it.
// The crop is sized so that after rescaling to the network input, the box's
// longer side measures ReferenceSize pixels.
func (e *Engine) pickCrop(rng *rand.Rand, labels []float32, nBoxes int) cropWindow {
	row := labels[rng.Intn(nBoxes)*bbtxt.LabelRowSize:]
	x := row[1]
	y := row[2]
	w := row[3] - row[1]
	h := row[4] - row[2]
	size := math32.Max(w, h)

	cropW := max(1, int(float64(e.params.Width)/float64(e.params.ReferenceSize)*float64(size)))
	cropH := max(1, int(float64(e.params.Height)/float64(e.params.ReferenceSize)*float64(size)))

	// The origin range keeps the box fully inside the crop. If the crop comes
	// out smaller than the box (tiny ReferenceSize relative to the box), the
	// range inverts, and we clamp it to the box origin. The box then overflows
	// the crop, which the loss must tolerate anyway.
	cropX := randRange(rng, int(x+w)-cropW, int(x))
	cropY := randRange(rng, int(y+h)-cropH, int(y))
	return cropWindow{x: cropX, y: cropY, w: cropW, h: cropH}
}

// randRange returns a uniform int in [lo, hi], clamping lo to hi if the
// range is inverted.
func randRange(rng *rand.Rand, lo, hi int) int {
	if lo >= hi {
		return hi
	}
	return lo + rng.Intn(hi-lo+1)
}

// cropReplicate extracts the crop window from src, replicating the nearest
// edge pixel wherever the window extends beyond the image. Equivalent to
// padding the image with replicated borders and then cropping, without
// allocating the padded image.
func cropReplicate(src *cimg.Image, crop cropWindow) *cimg.Image {
	dst := cimg.NewImage(crop.w, crop.h, cimg.PixelFormatRGB)
	// Destination x range whose source pixels are in bounds
	x1 := min(max(src.Width-crop.x, 0), crop.w)
	x0 := min(max(-crop.x, 0), x1)
	for y := 0; y < crop.h; y++ {
		sy := min(max(crop.y+y, 0), src.Height-1)
		srcRow := src.Pixels[sy*src.Stride : sy*src.Stride+src.Width*3]
		dstRow := dst.Pixels[y*dst.Stride : y*dst.Stride+crop.w*3]
		if x1 > x0 {
			copy(dstRow[x0*3:x1*3], srcRow[(crop.x+x0)*3:(crop.x+x1)*3])
		}
		for x := 0; x < x0; x++ {
			copy(dstRow[x*3:x*3+3], srcRow[0:3])
		}
		for x := x1; x < crop.w; x++ {
			copy(dstRow[x*3:x*3+3], srcRow[(src.Width-1)*3:src.Width*3])
		}
	}
	return dst
}

// mirror flips the image horizontally in place, and remaps the x coordinates
// of all real label rows to match.
func mirror(img *cimg.Image, labels []float32) {
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width/2; x++ {
			a := row[x*3 : x*3+3]
			b := row[(img.Width-1-x)*3 : (img.Width-1-x)*3+3]
			a[0], b[0] = b[0], a[0]
			a[1], b[1] = b[1], a[1]
			a[2], b[2] = b[2], a[2]
		}
	}
	width := float32(img.Width)
	for i := 0; i < numBoxes(labels); i++ {
		row := labels[i*bbtxt.LabelRowSize:]
		row[1], row[3] = width-row[3], width-row[1]
	}
}

// normalize converts interleaved RGB bytes to planar channel-major floats,
// mapping 0..255 onto -1..0.9922 (value 128 maps to exactly 0).
func normalize(img *cimg.Image, out []float32) {
	width := img.Width
	height := img.Height
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride : y*img.Stride+width*3]
		for x := 0; x < width; x++ {
			for c := 0; c < 3; c++ {
				out[(c*height+y)*width+x] = (float32(row[x*3+c]) - 128) / 128
			}
		}
	}
}

// numBoxes counts the real rows in a label block, which ends at the first
// sentinel row.
func numBoxes(labels []float32) int {
	n := len(labels) / bbtxt.LabelRowSize
	for i := 0; i < n; i++ {
		if labels[i*bbtxt.LabelRowSize] == bbtxt.SentinelLabel {
			return i
		}
	}
	return n
}
