package ai

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/rs/zerolog"
)

// GateConfig selects which detections count as forbidden.
type GateConfig struct {
	MinConfidence float64
	Prohibited    []string
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinConfidence: 0.5,
		Prohibited:    []string{"cell phone", "book", "laptop", "paper"},
	}
}

// ObjectGate answers whether a frame contains a prohibited object. A gate
// without a detector always answers false.
type ObjectGate struct {
	logger     zerolog.Logger
	detector   ObjectDetector
	minConf    float64
	prohibited []string
}

// NewObjectGate wraps detector, which may be nil.
func NewObjectGate(logger zerolog.Logger, detector ObjectDetector, cfg GateConfig) *ObjectGate {
	prohibited := make([]string, 0, len(cfg.Prohibited))
	for _, p := range cfg.Prohibited {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			prohibited = append(prohibited, p)
		}
	}
	return &ObjectGate{
		logger:     logger.With().Str("component", "object-gate").Logger(),
		detector:   detector,
		minConf:    cfg.MinConfidence,
		prohibited: prohibited,
	}
}

// LoadObjectGate builds a gate over the ONNX detector and falls back to a
// disabled gate when the model cannot be loaded.
func LoadObjectGate(logger zerolog.Logger, rt *Runtime, detCfg ObjectDetectorConfig, gateCfg GateConfig) *ObjectGate {
	det, err := NewONNXObjectDetector(logger, rt, detCfg)
	if err != nil {
		logger.Warn().Err(err).Msg("object detector unavailable, forbidden-object checks disabled")
		return NewObjectGate(logger, nil, gateCfg)
	}
	return NewObjectGate(logger, det, gateCfg)
}

// Available reports whether a detector is attached.
func (g *ObjectGate) Available() bool {
	return g != nil && g.detector != nil
}

// Check runs the detector on img. Detector errors and panics count as no
// object found.
func (g *ObjectGate) Check(ctx context.Context, frame int, img image.Image) (found bool) {
	if !g.Available() {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn().Int("frame", frame).Str("panic", fmt.Sprint(r)).Msg("object detector panicked")
			found = false
		}
	}()

	dets, err := g.detector.Detect(ctx, img)
	if err != nil {
		g.logger.Warn().Err(err).Int("frame", frame).Msg("object detection failed")
		return false
	}

	if d, ok := g.Match(dets); ok {
		g.logger.Debug().
			Int("frame", frame).
			Str("class", d.Class).
			Float64("confidence", d.Confidence).
			Msg("forbidden object")
		return true
	}
	return false
}

// Match returns the first detection above the confidence threshold whose
// class contains a prohibited name.
func (g *ObjectGate) Match(dets []Detection) (Detection, bool) {
	for _, d := range dets {
		if d.Confidence <= g.minConf {
			continue
		}
		class := strings.ToLower(d.Class)
		for _, p := range g.prohibited {
			if strings.Contains(class, p) {
				return d, true
			}
		}
	}
	return Detection{}, false
}

// Close releases the detector.
func (g *ObjectGate) Close() error {
	if !g.Available() {
		return nil
	}
	return g.detector.Close()
}
