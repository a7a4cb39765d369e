package ai

import (
	"context"
	"image"
	"math"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/kikiluvv/examguard/internal/landmarks"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// FaceLandmarker returns face meshes with points normalized to [0,1] of
// the frame.
type FaceLandmarker interface {
	Landmarks(ctx context.Context, img image.Image) ([]landmarks.Face, error)
	Close() error
}

// LandmarkerConfig describes a single-face mesh export (192x192 NHWC input,
// 468x3 landmark output and a face-presence logit). The mesh runs on a
// square crop around each detected face.
type LandmarkerConfig struct {
	ModelPath      string
	InputSize      int
	InputName      string
	LandmarkOutput string
	PresenceOutput string
	MinPresence    float64
	MaxFaces       int
	// ROIScale grows the detector box before cropping so the whole mesh fits.
	ROIScale float64
}

func DefaultLandmarkerConfig() LandmarkerConfig {
	return LandmarkerConfig{
		InputSize:      192,
		InputName:      "input_1",
		LandmarkOutput: "conv2d_21",
		PresenceOutput: "conv2d_31",
		MinPresence:    0.5,
		MaxFaces:       1,
		ROIScale:       1.5,
	}
}

// ONNXLandmarker runs a face-mesh model through onnxruntime.
type ONNXLandmarker struct {
	logger  zerolog.Logger
	runtime *Runtime
	session *ort.DynamicAdvancedSession
	cfg     LandmarkerConfig
	faces   FaceDetector
	mesh    func(ctx context.Context, crop image.Image) ([]landmarks.Face, error)
}

// NewONNXLandmarker loads the model at cfg.ModelPath. faces picks the crop
// regions; with a nil detector the mesh sees the whole frame letterboxed to
// a square. The landmarker owns faces and closes it.
func NewONNXLandmarker(logger zerolog.Logger, rt *Runtime, cfg LandmarkerConfig, faces FaceDetector) (*ONNXLandmarker, error) {
	if cfg.ModelPath == "" {
		return nil, errors.Wrap(ErrModelUnavailable, "no face landmark model configured")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "face landmark model %s", cfg.ModelPath)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 192
	}
	if cfg.MaxFaces <= 0 {
		cfg.MaxFaces = 1
	}
	if cfg.ROIScale <= 0 {
		cfg.ROIScale = 1.5
	}

	if err := rt.Acquire(); err != nil {
		return nil, err
	}

	sess, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.LandmarkOutput, cfg.PresenceOutput},
		nil,
	)
	if err != nil {
		_ = rt.Release()
		return nil, errors.Mark(errors.Wrap(err, "create face landmark session"), ErrModelUnavailable)
	}

	logger.Info().
		Str("model", cfg.ModelPath).
		Int("input_size", cfg.InputSize).
		Int("max_faces", cfg.MaxFaces).
		Bool("face_detector", faces != nil).
		Msg("face landmark model loaded")

	l := &ONNXLandmarker{
		logger:  logger.With().Str("component", "face-landmarker").Logger(),
		runtime: rt,
		session: sess,
		cfg:     cfg,
		faces:   faces,
	}
	l.mesh = l.runMesh
	if faces == nil {
		l.logger.Info().Msg("no face detector, mesh runs on the whole frame")
	}
	return l, nil
}

// Landmarks crops each face region, runs the mesh on it and returns the
// points in frame coordinates, best detection first.
func (l *ONNXLandmarker) Landmarks(ctx context.Context, img image.Image) ([]landmarks.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rois, err := l.regions(ctx, img)
	if err != nil {
		return nil, err
	}

	frame := img.Bounds()
	var out []landmarks.Face
	for _, roi := range rois {
		faces, err := l.mesh(ctx, cropSquare(img, roi))
		if err != nil {
			return nil, err
		}
		for _, f := range faces {
			out = append(out, mapToFrame(f, roi, frame))
		}
	}
	return out, nil
}

// regions returns the square crops to run the mesh on.
func (l *ONNXLandmarker) regions(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	if l.faces == nil {
		return []image.Rectangle{frameROI(img.Bounds())}, nil
	}

	boxes, err := l.faces.DetectFaces(ctx, img)
	if err != nil {
		return nil, errors.Wrap(err, "face detection")
	}
	if len(boxes) > l.cfg.MaxFaces {
		boxes = boxes[:l.cfg.MaxFaces]
	}
	rois := make([]image.Rectangle, 0, len(boxes))
	for _, b := range boxes {
		rois = append(rois, faceROI(b.Box, l.cfg.ROIScale))
	}
	return rois, nil
}

func (l *ONNXLandmarker) runMesh(ctx context.Context, crop image.Image) ([]landmarks.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := int64(l.cfg.InputSize)
	input, err := ort.NewTensor(ort.NewShape(1, size, size, 3), toHWC(crop, l.cfg.InputSize))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer input.Destroy()

	mesh, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, 1, landmarks.MeshPointCount*3))
	if err != nil {
		return nil, errors.Wrap(err, "create landmark tensor")
	}
	defer mesh.Destroy()

	presence, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, 1, 1))
	if err != nil {
		return nil, errors.Wrap(err, "create presence tensor")
	}
	defer presence.Destroy()

	if err := l.session.Run(
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{mesh, presence},
	); err != nil {
		return nil, errors.Wrap(err, "face landmark inference")
	}

	var logit float32
	if p := presence.GetData(); len(p) > 0 {
		logit = p[0]
	}
	return decodeMesh(mesh.GetData(), logit, l.cfg.InputSize, l.cfg.MinPresence), nil
}

// faceROI is the square of side scale*max(w,h) centred on box. It may
// reach past the frame edge.
func faceROI(box image.Rectangle, scale float64) image.Rectangle {
	side := int(math.Round(float64(max(box.Dx(), box.Dy())) * scale))
	cx := box.Min.X + box.Dx()/2
	cy := box.Min.Y + box.Dy()/2
	origin := image.Pt(cx-side/2, cy-side/2)
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(side, side))}
}

// frameROI is the square covering the whole frame, centred on it.
func frameROI(frame image.Rectangle) image.Rectangle {
	side := max(frame.Dx(), frame.Dy())
	origin := image.Pt(
		frame.Min.X-(side-frame.Dx())/2,
		frame.Min.Y-(side-frame.Dy())/2,
	)
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(side, side))}
}

// mapToFrame converts a face normalized to its crop into coordinates
// normalized to the frame. Z shares the X scale.
func mapToFrame(face landmarks.Face, roi, frame image.Rectangle) landmarks.Face {
	fw, fh := float64(frame.Dx()), float64(frame.Dy())
	side := float64(roi.Dx())
	ox := float64(roi.Min.X - frame.Min.X)
	oy := float64(roi.Min.Y - frame.Min.Y)

	points := make([]landmarks.Point, len(face.Points))
	for i, p := range face.Points {
		points[i] = landmarks.Point{
			X: (ox + p.X*side) / fw,
			Y: (oy + p.Y*side) / fh,
			Z: p.Z * side / fw,
		}
	}
	return landmarks.Face{Points: points, Confidence: face.Confidence}
}

// decodeMesh converts model-space coordinates into a normalized face, or
// nothing when the presence score is below minPresence.
func decodeMesh(coords []float32, presenceLogit float32, size int, minPresence float64) []landmarks.Face {
	conf := sigmoid(float64(presenceLogit))
	if conf < minPresence || len(coords) < landmarks.MeshPointCount*3 {
		return nil
	}

	s := float64(size)
	points := make([]landmarks.Point, landmarks.MeshPointCount)
	for i := range points {
		points[i] = landmarks.Point{
			X: float64(coords[3*i]) / s,
			Y: float64(coords[3*i+1]) / s,
			Z: float64(coords[3*i+2]) / s,
		}
	}
	return []landmarks.Face{{Points: points, Confidence: conf}}
}

// Close releases the session, the face detector and the runtime reference.
func (l *ONNXLandmarker) Close() error {
	l.logger.Info().Msg("closing face landmark session")
	if l.faces != nil {
		if err := l.faces.Close(); err != nil {
			return err
		}
		l.faces = nil
	}
	if l.session != nil {
		if err := l.session.Destroy(); err != nil {
			return err
		}
		l.session = nil
	}
	return l.runtime.Release()
}
