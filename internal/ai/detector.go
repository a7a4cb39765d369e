package ai

import (
	"context"
	"image"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// Detection is a single labelled box in source-frame pixels.
type Detection struct {
	Class      string
	Confidence float64
	Box        image.Rectangle
}

// ObjectDetector finds objects in a frame.
type ObjectDetector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// ObjectDetectorConfig describes a YOLOv8-style ONNX export.
type ObjectDetectorConfig struct {
	ModelPath     string
	InputSize     int
	InputName     string
	OutputName    string
	Labels        []string
	MinConfidence float64
}

func DefaultObjectDetectorConfig() ObjectDetectorConfig {
	return ObjectDetectorConfig{
		InputSize:     640,
		InputName:     "images",
		OutputName:    "output0",
		Labels:        COCOLabels,
		MinConfidence: 0.25,
	}
}

// ONNXObjectDetector runs a YOLOv8 export through onnxruntime.
type ONNXObjectDetector struct {
	logger  zerolog.Logger
	runtime *Runtime
	session *ort.DynamicAdvancedSession
	cfg     ObjectDetectorConfig
	anchors int
}

// NewONNXObjectDetector loads the model at cfg.ModelPath.
func NewONNXObjectDetector(logger zerolog.Logger, rt *Runtime, cfg ObjectDetectorConfig) (*ONNXObjectDetector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.Wrap(ErrModelUnavailable, "no object detector model configured")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "object detector model %s", cfg.ModelPath)
	}
	if cfg.InputSize <= 0 || cfg.InputSize%32 != 0 {
		return nil, errors.Newf("object detector input size %d is not a multiple of 32", cfg.InputSize)
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = COCOLabels
	}

	if err := rt.Acquire(); err != nil {
		return nil, err
	}

	sess, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		nil,
	)
	if err != nil {
		_ = rt.Release()
		return nil, errors.Mark(errors.Wrap(err, "create object detector session"), ErrModelUnavailable)
	}

	logger.Info().
		Str("model", cfg.ModelPath).
		Int("input_size", cfg.InputSize).
		Int("labels", len(cfg.Labels)).
		Msg("object detector loaded")

	return &ONNXObjectDetector{
		logger:  logger.With().Str("component", "object-detector").Logger(),
		runtime: rt,
		session: sess,
		cfg:     cfg,
		anchors: anchorCount(cfg.InputSize),
	}, nil
}

// anchorCount is the number of predictions of a three-head YOLOv8 export
// (strides 8, 16 and 32).
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := size / stride
		n += side * side
	}
	return n
}

// Detect runs one forward pass. Overlapping boxes are not suppressed.
func (d *ONNXObjectDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := int64(d.cfg.InputSize)
	input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), toCHW(img, d.cfg.InputSize))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer input.Destroy()

	rows := int64(4 + len(d.cfg.Labels))
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, rows, int64(d.anchors)))
	if err != nil {
		return nil, errors.Wrap(err, "create output tensor")
	}
	defer output.Destroy()

	if err := d.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, errors.Wrap(err, "object detector inference")
	}

	b := img.Bounds()
	sx := float64(b.Dx()) / float64(d.cfg.InputSize)
	sy := float64(b.Dy()) / float64(d.cfg.InputSize)
	dets := decodeYOLO(output.GetData(), d.cfg.Labels, d.anchors, d.cfg.MinConfidence, sx, sy)

	d.logger.Trace().Int("detections", len(dets)).Msg("frame scanned")
	return dets, nil
}

// decodeYOLO reads a [4+classes, anchors] row-major prediction block. Each
// column holds cx, cy, w, h followed by per-class scores.
func decodeYOLO(data []float32, labels []string, anchors int, minConf, sx, sy float64) []Detection {
	if len(data) < (4+len(labels))*anchors {
		return nil
	}

	var dets []Detection
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, float32(0)
		for c := range labels {
			if s := data[(4+c)*anchors+a]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || float64(bestScore) < minConf {
			continue
		}

		cx := float64(data[a])
		cy := float64(data[anchors+a])
		w := float64(data[2*anchors+a])
		h := float64(data[3*anchors+a])

		dets = append(dets, Detection{
			Class:      labels[best],
			Confidence: float64(bestScore),
			Box: image.Rect(
				int((cx-w/2)*sx), int((cy-h/2)*sy),
				int((cx+w/2)*sx), int((cy+h/2)*sy),
			),
		})
	}
	return dets
}

// Close releases the session and its runtime reference.
func (d *ONNXObjectDetector) Close() error {
	d.logger.Info().Msg("closing object detector session")
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			return err
		}
		d.session = nil
	}
	return d.runtime.Release()
}
