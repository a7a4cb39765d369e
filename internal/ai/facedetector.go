package ai

import (
	"context"
	"image"
	"math"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// FaceBox is a detected face in frame pixels.
type FaceBox struct {
	Box   image.Rectangle
	Score float64
}

// FaceDetector finds face regions in a frame, best first.
type FaceDetector interface {
	DetectFaces(ctx context.Context, img image.Image) ([]FaceBox, error)
	Close() error
}

// FaceDetectorConfig describes a BlazeFace short-range export: 128x128 NHWC
// input in [-1,1], 896x16 box regressors and 896x1 score logits.
type FaceDetectorConfig struct {
	ModelPath       string
	InputSize       int
	InputName       string
	RegressorOutput string
	ScoreOutput     string
	MinScore        float64
	IoUThreshold    float64
}

func DefaultFaceDetectorConfig() FaceDetectorConfig {
	return FaceDetectorConfig{
		InputSize:       128,
		InputName:       "input",
		RegressorOutput: "regressors",
		ScoreOutput:     "classificators",
		MinScore:        0.5,
		IoUThreshold:    0.3,
	}
}

// ONNXFaceDetector runs BlazeFace through onnxruntime.
type ONNXFaceDetector struct {
	logger  zerolog.Logger
	runtime *Runtime
	session *ort.DynamicAdvancedSession
	cfg     FaceDetectorConfig
	anchors []anchor
}

// NewONNXFaceDetector loads the model at cfg.ModelPath.
func NewONNXFaceDetector(logger zerolog.Logger, rt *Runtime, cfg FaceDetectorConfig) (*ONNXFaceDetector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.Wrap(ErrModelUnavailable, "no face detector model configured")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "face detector model %s", cfg.ModelPath)
	}
	if cfg.InputSize <= 0 || cfg.InputSize%16 != 0 {
		return nil, errors.Newf("face detector input size %d is not a multiple of 16", cfg.InputSize)
	}

	if err := rt.Acquire(); err != nil {
		return nil, err
	}

	sess, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.RegressorOutput, cfg.ScoreOutput},
		nil,
	)
	if err != nil {
		_ = rt.Release()
		return nil, errors.Mark(errors.Wrap(err, "create face detector session"), ErrModelUnavailable)
	}

	logger.Info().
		Str("model", cfg.ModelPath).
		Int("input_size", cfg.InputSize).
		Msg("face detector loaded")

	return &ONNXFaceDetector{
		logger:  logger.With().Str("component", "face-detector").Logger(),
		runtime: rt,
		session: sess,
		cfg:     cfg,
		anchors: blazeFaceAnchors(cfg.InputSize),
	}, nil
}

// DetectFaces letterboxes img to a square, runs one pass and returns
// suppressed boxes in frame pixels ordered by score.
func (d *ONNXFaceDetector) DetectFaces(ctx context.Context, img image.Image) ([]FaceBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	square, offset := letterbox(img)
	data := toHWC(square, d.cfg.InputSize)
	toSigned(data)

	size := int64(d.cfg.InputSize)
	input, err := ort.NewTensor(ort.NewShape(1, size, size, 3), data)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer input.Destroy()

	n := int64(len(d.anchors))
	regs, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, 16))
	if err != nil {
		return nil, errors.Wrap(err, "create regressor tensor")
	}
	defer regs.Destroy()

	scores, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, 1))
	if err != nil {
		return nil, errors.Wrap(err, "create score tensor")
	}
	defer scores.Destroy()

	if err := d.session.Run(
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{regs, scores},
	); err != nil {
		return nil, errors.Wrap(err, "face detector inference")
	}

	boxes := decodeBlazeFace(regs.GetData(), scores.GetData(), d.anchors, d.cfg.InputSize, d.cfg.MinScore)
	boxes = suppress(boxes, d.cfg.IoUThreshold)

	side := square.Bounds().Dx()
	faces := make([]FaceBox, 0, len(boxes))
	for _, b := range boxes {
		r := b.toFrame(side, offset).Intersect(img.Bounds())
		if r.Empty() {
			continue
		}
		faces = append(faces, FaceBox{Box: r, Score: b.score})
	}

	d.logger.Trace().Int("faces", len(faces)).Msg("frame scanned")
	return faces, nil
}

// Close releases the session and its runtime reference.
func (d *ONNXFaceDetector) Close() error {
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			return err
		}
		d.session = nil
	}
	return d.runtime.Release()
}

type anchor struct{ x, y float64 }

// blazeFaceAnchors lays out the short-range SSD anchors: two per cell on
// the stride-8 grid, six per cell on the stride-16 grid. Anchor sizes are
// fixed at 1, so only centres are kept.
func blazeFaceAnchors(size int) []anchor {
	var anchors []anchor
	for _, layer := range []struct{ stride, perCell int }{{8, 2}, {16, 6}} {
		grid := size / layer.stride
		for y := 0; y < grid; y++ {
			for x := 0; x < grid; x++ {
				a := anchor{
					x: (float64(x) + 0.5) / float64(grid),
					y: (float64(y) + 0.5) / float64(grid),
				}
				for k := 0; k < layer.perCell; k++ {
					anchors = append(anchors, a)
				}
			}
		}
	}
	return anchors
}

// normBox is a box in letterboxed-square coordinates, [0,1] on both axes.
type normBox struct {
	xmin, ymin, xmax, ymax float64
	score                  float64
}

func (b normBox) area() float64 {
	return math.Max(0, b.xmax-b.xmin) * math.Max(0, b.ymax-b.ymin)
}

func (b normBox) iou(o normBox) float64 {
	inter := normBox{
		xmin: math.Max(b.xmin, o.xmin),
		ymin: math.Max(b.ymin, o.ymin),
		xmax: math.Min(b.xmax, o.xmax),
		ymax: math.Min(b.ymax, o.ymax),
	}.area()
	union := b.area() + o.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// toFrame maps the box from a side x side letterboxed square back to the
// frame the square was built from.
func (b normBox) toFrame(side int, offset image.Point) image.Rectangle {
	s := float64(side)
	return image.Rect(
		int(math.Round(b.xmin*s))-offset.X,
		int(math.Round(b.ymin*s))-offset.Y,
		int(math.Round(b.xmax*s))-offset.X,
		int(math.Round(b.ymax*s))-offset.Y,
	)
}

// decodeBlazeFace turns raw regressors and logits into boxes. Each
// regressor row starts with cx, cy, w, h in input pixels relative to its
// anchor; the keypoints that follow are not used.
func decodeBlazeFace(regs, logits []float32, anchors []anchor, size int, minScore float64) []normBox {
	if len(regs) < 16*len(anchors) || len(logits) < len(anchors) {
		return nil
	}

	s := float64(size)
	var boxes []normBox
	for i, a := range anchors {
		logit := math.Max(-100, math.Min(100, float64(logits[i])))
		score := sigmoid(logit)
		if score < minScore {
			continue
		}
		r := regs[16*i : 16*i+4]
		cx := float64(r[0])/s + a.x
		cy := float64(r[1])/s + a.y
		w := float64(r[2]) / s
		h := float64(r[3]) / s
		boxes = append(boxes, normBox{
			xmin:  cx - w/2,
			ymin:  cy - h/2,
			xmax:  cx + w/2,
			ymax:  cy + h/2,
			score: score,
		})
	}
	return boxes
}

// suppress keeps the best box of every overlapping group, best first.
func suppress(boxes []normBox, iouThreshold float64) []normBox {
	sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].score > boxes[j].score })

	var kept []normBox
	for _, b := range boxes {
		overlaps := false
		for _, k := range kept {
			if b.iou(k) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, b)
		}
	}
	return kept
}
