package pipeline

import (
	"image"
	"image/draw"
	"math"

	"github.com/pkg/errors"
)

// Normalize converts a color frame to a histogram-equalized intensity
// image. The returned image has its origin at (0,0).
func Normalize(frame *Frame) (*image.Gray, error) {
	if frame == nil || frame.Image == nil {
		return nil, errors.Wrap(ErrInvalidFrame, "nil frame")
	}
	b := frame.Image.Bounds()
	if b.Empty() {
		return nil, errors.Wrapf(ErrInvalidFrame, "frame %d has zero area (%dx%d)", frame.Seq, b.Dx(), b.Dy())
	}

	gray := Grayscale(frame.Image)
	EqualizeHist(gray)
	return gray, nil
}

// Grayscale converts img to 8-bit luma (ITU-R 601 weights).
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	// The Y plane of a YCbCr frame already is the luma channel.
	if ycc, ok := img.(*image.YCbCr); ok {
		for y := 0; y < b.Dy(); y++ {
			src := ycc.Y[ycc.YOffset(b.Min.X, b.Min.Y+y):]
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()], src[:b.Dx()])
		}
		return gray
	}

	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// EqualizeHist spreads the intensity histogram of img over the full 0..255
// range, in place.
func EqualizeHist(img *image.Gray) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	total := w * h
	if total == 0 {
		return
	}

	var hist [256]int
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for _, v := range row {
			hist[v]++
		}
	}

	first := 0
	for first < 255 && hist[first] == 0 {
		first++
	}

	var lut [256]uint8
	if hist[first] == total {
		// Uniform image.
		for i := range lut {
			lut[i] = uint8(first)
		}
	} else {
		scale := 255.0 / float64(total-hist[first])
		sum := 0
		for i := first + 1; i < 256; i++ {
			sum += hist[i]
			v := math.Round(float64(sum) * scale)
			if v > 255 {
				v = 255
			}
			lut[i] = uint8(v)
		}
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for i, v := range row {
			row[i] = lut[v]
		}
	}
}
