package augment

import (
	"math/rand"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/bbfeed/pkg/bbtxt"
	"github.com/stretchr/testify/require"
)

// testImage builds a gradient image so that every pixel is distinguishable.
func testImage(width, height int) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			row[x*3+0] = uint8(x * 7)
			row[x*3+1] = uint8(y * 13)
			row[x*3+2] = uint8((x + y) * 3)
		}
	}
	return img
}

func makeLabels(maxBoxes int, boxes ...bbtxt.Box) []float32 {
	rec := bbtxt.Record{Boxes: boxes}
	rows := make([]float32, maxBoxes*bbtxt.LabelRowSize)
	rec.CopyLabelRows(rows, maxBoxes)
	return rows
}

func TestCropContainsBox(t *testing.T) {
	e := NewEngine(Params{Width: 64, Height: 48, ReferenceSize: 16})
	rng := rand.New(rand.NewSource(1))
	boxes := []bbtxt.Box{
		{Label: 1, XMin: 10, YMin: 20, XMax: 40, YMax: 35},
		{Label: 2, XMin: 100, YMin: 5, XMax: 130, YMax: 60},
		{Label: 3, XMin: 2, YMin: 2, XMax: 6, YMax: 30},
	}
	for trial := 0; trial < 200; trial++ {
		labels := makeLabels(bbtxt.DefaultMaxBoxesPerImage, boxes...)
		crop := e.pickCrop(rng, labels, len(boxes))
		require.GreaterOrEqual(t, crop.w, 1)
		require.GreaterOrEqual(t, crop.h, 1)
		// At least one of the boxes must lie fully inside the crop window
		contained := false
		for _, b := range boxes {
			if float32(crop.x) <= b.XMin && b.XMax <= float32(crop.x+crop.w) &&
				float32(crop.y) <= b.YMin && b.YMax <= float32(crop.y+crop.h) {
				contained = true
			}
		}
		require.True(t, contained, "trial %v: crop %+v contains no box", trial, crop)
	}
}

func TestCropRangeInverted(t *testing.T) {
	// ReferenceSize much larger than the network input makes the crop
	// smaller than the box. The sampling range inverts, and we clamp to the
	// box origin instead of crashing or sampling garbage.
	e := NewEngine(Params{Width: 10, Height: 10, ReferenceSize: 100})
	rng := rand.New(rand.NewSource(1))
	labels := makeLabels(bbtxt.DefaultMaxBoxesPerImage, bbtxt.Box{Label: 1, XMin: 30, YMin: 40, XMax: 70, YMax: 80})
	for trial := 0; trial < 50; trial++ {
		crop := e.pickCrop(rng, labels, 1)
		require.Equal(t, 4, crop.w) // 10/100 * 40
		require.Equal(t, 4, crop.h)
		require.Equal(t, 30, crop.x)
		require.Equal(t, 40, crop.y)
	}
}

func TestTransformShiftOnly(t *testing.T) {
	// A box whose longer side is exactly ReferenceSize * cropScale makes the
	// crop equal to the network input size, so the remap reduces to a pure
	// translation by (-cropX, -cropY).
	e := NewEngine(Params{Width: 200, Height: 200, ReferenceSize: 50})
	img := testImage(120, 90)
	box := bbtxt.Box{Label: 7, XMin: 30, YMin: 20, XMax: 80, YMax: 70} // 50x50 => crop 200x200

	labels := makeLabels(bbtxt.DefaultMaxBoxesPerImage, box)
	out := make([]float32, 3*200*200)
	require.NoError(t, e.Transform(rand.New(rand.NewSource(99)), img, labels, out))

	// Replay the same draws to learn which crop Transform chose
	replay := rand.New(rand.NewSource(99))
	crop := e.pickCrop(replay, makeLabels(bbtxt.DefaultMaxBoxesPerImage, box), 1)
	require.Equal(t, 200, crop.w)
	require.Equal(t, 200, crop.h)

	require.Equal(t, box.XMin-float32(crop.x), labels[1])
	require.Equal(t, box.YMin-float32(crop.y), labels[2])
	require.Equal(t, box.XMax-float32(crop.x), labels[3])
	require.Equal(t, box.YMax-float32(crop.y), labels[4])
}

func TestTransformRemapAllBoxes(t *testing.T) {
	// Every real box gets remapped into crop space, without any clamping,
	// even when it lands outside the output image.
	e := NewEngine(Params{Width: 64, Height: 48, ReferenceSize: 16})
	img := testImage(300, 200)
	boxes := []bbtxt.Box{
		{Label: 1, XMin: 150, YMin: 100, XMax: 180, YMax: 140},
		{Label: 2, XMin: 0, YMin: 0, XMax: 8, YMax: 8},
	}

	labels := makeLabels(bbtxt.DefaultMaxBoxesPerImage, boxes...)
	out := make([]float32, 3*48*64)
	require.NoError(t, e.Transform(rand.New(rand.NewSource(31)), img, labels, out))

	replay := rand.New(rand.NewSource(31))
	crop := e.pickCrop(replay, makeLabels(bbtxt.DefaultMaxBoxesPerImage, boxes...), 2)

	scaleX := float32(64) / float32(crop.w)
	scaleY := float32(48) / float32(crop.h)
	for i, b := range boxes {
		row := labels[i*bbtxt.LabelRowSize:]
		require.Equal(t, b.Label, row[0])
		require.InDelta(t, (b.XMin-float32(crop.x))*scaleX, row[1], 1e-4)
		require.InDelta(t, (b.YMin-float32(crop.y))*scaleY, row[2], 1e-4)
		require.InDelta(t, (b.XMax-float32(crop.x))*scaleX, row[3], 1e-4)
		require.InDelta(t, (b.YMax-float32(crop.y))*scaleY, row[4], 1e-4)
	}
}

func TestTransformNoBoxes(t *testing.T) {
	e := NewEngine(Params{Width: 32, Height: 24, ReferenceSize: 16})
	img := testImage(100, 80)
	labels := makeLabels(bbtxt.DefaultMaxBoxesPerImage)
	out := make([]float32, 3*24*32)
	require.NoError(t, e.Transform(rand.New(rand.NewSource(5)), img, labels, out))

	// Labels stay the untouched sentinel block
	for i := 0; i < bbtxt.DefaultMaxBoxesPerImage; i++ {
		require.EqualValues(t, bbtxt.SentinelLabel, labels[i*bbtxt.LabelRowSize])
	}
	// All output values are inside the normalized range
	for _, v := range out {
		require.GreaterOrEqual(t, v, float32(-1))
		require.LessOrEqual(t, v, float32(255-128)/128)
	}
}

func TestNormalize(t *testing.T) {
	img := cimg.NewImage(2, 2, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = 128
	}
	img.Pixels[0] = 0   // R of (0,0)
	img.Pixels[4] = 255 // G of (1,0)

	out := make([]float32, 3*2*2)
	normalize(img, out)

	// Planar layout: channel plane = 2x2
	require.Equal(t, float32(-1.0), out[0*4+0])      // R(0,0) = 0
	require.Equal(t, float32(0.9921875), out[1*4+1]) // G(1,0) = 255
	require.Equal(t, float32(0.0), out[2*4+3])       // B(1,1) = 128
	require.Equal(t, float32(0.0), out[0*4+1])       // R(1,0) = 128
}

func TestMirror(t *testing.T) {
	img := testImage(10, 4)
	want := testImage(10, 4)
	labels := makeLabels(bbtxt.DefaultMaxBoxesPerImage, bbtxt.Box{Label: 1, XMin: 2, YMin: 1, XMax: 5, YMax: 3})

	mirror(img, labels)

	for y := 0; y < 4; y++ {
		for x := 0; x < 10; x++ {
			for c := 0; c < 3; c++ {
				require.Equal(t, want.Pixels[y*want.Stride+(9-x)*3+c], img.Pixels[y*img.Stride+x*3+c])
			}
		}
	}
	// x' = width - x, with xmin/xmax swapped to keep xmin <= xmax
	require.Equal(t, float32(5), labels[1])
	require.Equal(t, float32(1), labels[2])
	require.Equal(t, float32(8), labels[3])
	require.Equal(t, float32(3), labels[4])
}

func TestCropReplicate(t *testing.T) {
	img := testImage(8, 6)

	// Interior crop is an exact copy
	crop := cropReplicate(img, cropWindow{x: 2, y: 1, w: 4, h: 3})
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			for c := 0; c < 3; c++ {
				require.Equal(t, img.Pixels[(y+1)*img.Stride+(x+2)*3+c], crop.Pixels[y*crop.Stride+x*3+c])
			}
		}
	}

	// Crop extending past every border replicates the edge pixels
	crop = cropReplicate(img, cropWindow{x: -2, y: -2, w: 12, h: 10})
	// Top-left of the crop is the source's (0,0) pixel
	require.Equal(t, img.Pixels[0], crop.Pixels[0])
	require.Equal(t, img.Pixels[1], crop.Pixels[1])
	// Bottom-right of the crop is the source's (7,5) pixel
	srcBR := img.Pixels[5*img.Stride+7*3 : 5*img.Stride+7*3+3]
	dstBR := crop.Pixels[9*crop.Stride+11*3 : 9*crop.Stride+11*3+3]
	require.Equal(t, srcBR[0], dstBR[0])
	require.Equal(t, srcBR[2], dstBR[2])
	// Interior is untouched
	require.Equal(t, img.Pixels[0*img.Stride+0*3], crop.Pixels[2*crop.Stride+2*3])

	// Crop entirely outside the image clamps to the nearest edge
	crop = cropReplicate(img, cropWindow{x: 100, y: 100, w: 2, h: 2})
	srcCorner := img.Pixels[5*img.Stride+7*3 : 5*img.Stride+7*3+3]
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			for c := 0; c < 3; c++ {
				require.Equal(t, srcCorner[c], crop.Pixels[y*crop.Stride+x*3+c])
			}
		}
	}
}
