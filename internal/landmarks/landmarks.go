// Package landmarks turns a face-mesh landmark set into the normalized
// behavioural features scored by the proctoring pipeline.
package landmarks

import (
	"image"
	"math"

	"github.com/cockroachdb/errors"
)

// Face-mesh indices used by the extractor (468-point topology).
const (
	NoseTip         = 1
	UpperLipCenter  = 13
	LowerLipCenter  = 14
	LeftEyeOuter    = 33
	LeftEyeInner    = 133
	LeftFaceEdge    = 234
	RightEyeOuter   = 263
	RightEyeInner   = 362
	RightFaceEdge   = 454
	MeshPointCount  = 468
	minFaceWidthPx  = 1.0
	headOffsetScale = 200.0
	eyeScale        = 100.0
	mouthScale      = 100.0
)

var (
	// ErrMissingLandmark is returned when a required mesh index is absent.
	ErrMissingLandmark = errors.New("required landmark missing")
	// ErrDegenerateFace marks frames whose face box is too narrow to normalize against.
	ErrDegenerateFace = errors.New("degenerate face width")
)

// Point is a landmark in image-normalized coordinates.
type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z,omitempty" cbor:"z,omitempty"`
}

// Face is one detected face, indexed by mesh position.
type Face struct {
	Points     []Point
	Confidence float64
}

// At returns the landmark at index i.
func (f Face) At(i int) (Point, bool) {
	if i < 0 || i >= len(f.Points) {
		return Point{}, false
	}
	return f.Points[i], true
}

// Gaze is the coarse horizontal gaze category.
type Gaze string

const (
	GazeCenter Gaze = "CENTER"
	GazeLeft   Gaze = "LEFT"
	GazeRight  Gaze = "RIGHT"
)

// GazeThresholds bound the CENTER band of the combined eye midpoint.
type GazeThresholds struct {
	Left  float64
	Right float64
}

// DefaultGazeThresholds returns the 0.4 / 0.6 split.
func DefaultGazeThresholds() GazeThresholds {
	return GazeThresholds{Left: 0.4, Right: 0.6}
}

// Features are the per-face signals fed to the scorer.
type Features struct {
	EyeDisplacement float64
	HeadOffset      float64
	MouthGap        float64
	Gaze            Gaze
	FaceWidth       float64
}

// Extract computes features for face within a frame of the given pixel size.
// A face narrower than one pixel yields ErrDegenerateFace.
func Extract(face Face, frame image.Point, gaze GazeThresholds) (Features, error) {
	left, okL := face.At(LeftFaceEdge)
	right, okR := face.At(RightFaceEdge)
	if !okL || !okR {
		return Features{}, errors.Wrap(ErrMissingLandmark, "face edges")
	}

	width := math.Abs(right.X - left.X)
	if width == 0 || width*float64(frame.X) < minFaceWidthPx {
		return Features{}, errors.Wrapf(ErrDegenerateFace, "width %.4f over %dpx", width, frame.X)
	}

	eye, err := eyeDisplacement(face, width)
	if err != nil {
		return Features{}, err
	}
	head, err := headOffset(face, width)
	if err != nil {
		return Features{}, err
	}
	mouth, err := mouthGap(face)
	if err != nil {
		return Features{}, err
	}

	return Features{
		EyeDisplacement: eye,
		HeadOffset:      head,
		MouthGap:        mouth,
		Gaze:            GazeDirection(face, gaze),
		FaceWidth:       width,
	}, nil
}

func eyeDisplacement(face Face, width float64) (float64, error) {
	l, okL := face.At(LeftEyeOuter)
	r, okR := face.At(RightEyeOuter)
	if !okL || !okR {
		return 0, errors.Wrap(ErrMissingLandmark, "eye corners")
	}
	return math.Abs(l.X-r.X) / width * eyeScale, nil
}

func headOffset(face Face, width float64) (float64, error) {
	nose, ok := face.At(NoseTip)
	if !ok {
		return 0, errors.Wrap(ErrMissingLandmark, "nose tip")
	}
	return math.Abs(nose.X-0.5) / width * headOffsetScale, nil
}

func mouthGap(face Face) (float64, error) {
	upper, okU := face.At(UpperLipCenter)
	lower, okL := face.At(LowerLipCenter)
	if !okU || !okL {
		return 0, errors.Wrap(ErrMissingLandmark, "lip centers")
	}
	return math.Abs(upper.Y-lower.Y) * mouthScale, nil
}

// GazeDirection classifies the mean of both eyes' corner midpoints.
// Any missing corner falls back to GazeCenter.
func GazeDirection(face Face, t GazeThresholds) Gaze {
	idx := [4]int{LeftEyeOuter, LeftEyeInner, RightEyeInner, RightEyeOuter}
	var xs [4]float64
	for i, n := range idx {
		p, ok := face.At(n)
		if !ok {
			return GazeCenter
		}
		xs[i] = p.X
	}

	leftMid := (xs[0] + xs[1]) / 2
	rightMid := (xs[2] + xs[3]) / 2
	mid := (leftMid + rightMid) / 2

	switch {
	case mid < t.Left:
		return GazeLeft
	case mid > t.Right:
		return GazeRight
	default:
		return GazeCenter
	}
}
