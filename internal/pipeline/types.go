package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kikiluvv/examguard/internal/landmarks"
	"github.com/kikiluvv/examguard/internal/proctor"
)

// ErrSourceUnavailable marks a video that could not be opened. The run
// does not start.
var ErrSourceUnavailable = errors.New("video source unavailable")

// SourceInfo describes an opened video.
type SourceInfo struct {
	Name        string
	FPS         float64
	TotalFrames int
	Width       int
	Height      int
}

// Source reads frames sequentially. Next returns io.EOF at end of stream.
type Source interface {
	Info() SourceInfo
	Next() (image.Image, error)
	Close() error
}

// Opener opens a video source by path.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, path string) (Source, error) {
	return f(ctx, path)
}

// Recorder persists accepted observations as they are produced.
type Recorder interface {
	Record(obs proctor.Observation) error
	Close() error
}

// RecorderFactory opens a recorder for a new session.
type RecorderFactory func(sessionID string) (Recorder, error)

// Options holds per-run pacing and policy.
type Options struct {
	FrameSkip  int
	PausePoll  time.Duration
	FrameDelay time.Duration
	Params     proctor.Params
	Gaze       landmarks.GazeThresholds
}

// DefaultOptions analyzes every 4th frame with the default policy.
func DefaultOptions() Options {
	return Options{
		FrameSkip:  4,
		PausePoll:  100 * time.Millisecond,
		FrameDelay: 10 * time.Millisecond,
		Params:     proctor.DefaultParams(),
		Gaze:       landmarks.DefaultGazeThresholds(),
	}
}

// Status is a point-in-time view of the current session.
type Status struct {
	SessionID   string          `json:"session_id"`
	Source      string          `json:"source"`
	FPS         float64         `json:"fps"`
	TotalFrames int             `json:"total_frames"`
	FrameIndex  int             `json:"frame_index"`
	Active      bool            `json:"active"`
	Paused      bool            `json:"paused"`
	Progress    float64         `json:"progress"`
	Probability float64         `json:"probability"`
	Verdict     proctor.Verdict `json:"verdict"`
}
