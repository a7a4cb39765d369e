package ai

import (
	"image"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

// toCHW resizes img to size x size and lays it out as planar float32 RGB
// in [0,1], the layout YOLO exports expect.
func toCHW(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)

	plane := size * size
	data := make([]float32, 3*plane)
	bounds := resized.Bounds()

	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[idx] = float32(r>>8) / 255.0
			data[plane+idx] = float32(g>>8) / 255.0
			data[2*plane+idx] = float32(b>>8) / 255.0
			idx++
		}
	}
	return data
}

// toHWC resizes img to size x size and lays it out interleaved (NHWC) in
// [0,1], the layout of the face-mesh export.
func toHWC(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)

	data := make([]float32, 0, 3*size*size)
	bounds := resized.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data = append(data,
				float32(r>>8)/255.0,
				float32(g>>8)/255.0,
				float32(b>>8)/255.0,
			)
		}
	}
	return data
}

// toSigned rescales [0,1] input in place to [-1,1].
func toSigned(data []float32) {
	for i := range data {
		data[i] = data[i]*2 - 1
	}
}

// letterbox centres img on a black square whose side is the longer edge.
// offset is where the frame origin lands inside the square.
func letterbox(img image.Image) (*image.RGBA, image.Point) {
	b := img.Bounds()
	side := max(b.Dx(), b.Dy())
	offset := image.Pt((side-b.Dx())/2, (side-b.Dy())/2)

	square := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(square, b.Sub(b.Min).Add(offset), img, b.Min, draw.Src)
	return square, offset
}

// cropSquare copies roi out of img. Parts of roi outside the frame stay
// black.
func cropSquare(img image.Image, roi image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, roi.Dx(), roi.Dy()))
	draw.Draw(dst, dst.Bounds(), img, roi.Min, draw.Src)
	return dst
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}
