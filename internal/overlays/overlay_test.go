package overlays

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{90, 90, 90, 255}), image.Point{}, draw.Src)
	return img
}

func countColor(img *image.RGBA, r image.Rectangle, c color.RGBA) int {
	n := 0
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				n++
			}
		}
	}
	return n
}

func TestBandColor(t *testing.T) {
	a := NewAnnotator(proctor.DefaultParams())

	assert.Equal(t, Green, a.BandColor(30))
	assert.Equal(t, Orange, a.BandColor(30.01))
	assert.Equal(t, Orange, a.BandColor(60))
	assert.Equal(t, Red, a.BandColor(60.5))
}

func TestAnnotateDrawsPanel(t *testing.T) {
	src := grayFrame(640, 480)
	a := NewAnnotator(proctor.DefaultParams())

	out := a.Annotate(src, Metrics{Eye: 42, Head: 7.5, Mouth: 2, Probability: 72})
	require.Equal(t, src.Bounds(), out.Bounds())

	assert.Equal(t, White, out.RGBAAt(10, 10), "border corner")
	assert.Equal(t, Black, out.RGBAAt(290, 20), "panel fill")
	assert.Positive(t, countColor(out, panelRect, Red), "probability text uses the high band colour")
	assert.Zero(t, countColor(out, image.Rect(440, 0, 640, 40), Red), "no talking counter")

	// source frame is untouched
	assert.Equal(t, color.RGBA{90, 90, 90, 255}, src.RGBAAt(10, 10))
}

func TestAnnotateTalkingCounter(t *testing.T) {
	a := NewAnnotator(proctor.DefaultParams())
	out := a.Annotate(grayFrame(640, 480), Metrics{Probability: 10, Talking: 3})

	assert.Positive(t, countColor(out, image.Rect(440, 15, 640, 35), Red))
	assert.Positive(t, countColor(out, panelRect, Green))
}
