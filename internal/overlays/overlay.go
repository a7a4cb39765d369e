package overlays

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/kikiluvv/examguard/internal/proctor"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Panel geometry in frame pixels.
var panelRect = image.Rect(10, 10, 300, 130)

// Text colours
var (
	White   = color.RGBA{255, 255, 255, 255}
	Black   = color.RGBA{0, 0, 0, 255}
	Yellow  = color.RGBA{255, 255, 0, 255}
	Green   = color.RGBA{0, 255, 0, 255}
	Magenta = color.RGBA{255, 0, 255, 255}
	Orange  = color.RGBA{255, 165, 0, 255}
	Red     = color.RGBA{255, 0, 0, 255}
)

// Metrics are the values drawn on an analyzed frame.
type Metrics struct {
	Eye         float64
	Head        float64
	Mouth       float64
	Probability float64
	Talking     int
}

// Annotator draws the metrics panel and talking counter.
type Annotator struct {
	params proctor.Params
	face   font.Face
}

// NewAnnotator creates an annotator colouring probabilities by params' bands.
func NewAnnotator(params proctor.Params) *Annotator {
	return &Annotator{params: params, face: basicfont.Face7x13}
}

// BandColor returns the colour of prob's display band.
func (a *Annotator) BandColor(prob float64) color.RGBA {
	switch a.params.BandOf(prob) {
	case proctor.BandHigh:
		return Red
	case proctor.BandElevated:
		return Orange
	default:
		return Green
	}
}

// Annotate returns a copy of frame with the panel drawn on it.
func (a *Annotator) Annotate(frame image.Image, m Metrics) *image.RGBA {
	b := frame.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, frame, b.Min, draw.Src)

	panel := panelRect.Add(b.Min)
	draw.Draw(dst, panel, image.NewUniform(Black), image.Point{}, draw.Src)
	a.border(dst, panel, White)

	a.text(dst, panel.Min.X+10, panel.Min.Y+25, Yellow, fmt.Sprintf("Eye Movement: %.1f", m.Eye))
	a.text(dst, panel.Min.X+10, panel.Min.Y+50, Green, fmt.Sprintf("Head Movement: %.1f", m.Head))
	a.text(dst, panel.Min.X+10, panel.Min.Y+75, Magenta, fmt.Sprintf("Mouth Movement: %.1f", m.Mouth))
	a.text(dst, panel.Min.X+10, panel.Min.Y+100, a.BandColor(m.Probability),
		fmt.Sprintf("Cheating Probability: %.1f%%", m.Probability))

	if m.Talking > 0 {
		a.text(dst, b.Max.X-200, b.Min.Y+30, Red, fmt.Sprintf("Talking Events: %d", m.Talking))
	}
	return dst
}

func (a *Annotator) border(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	u := image.NewUniform(c)
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), u, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
}

func (a *Annotator) text(dst *image.RGBA, x, y int, c color.RGBA, s string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: a.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
