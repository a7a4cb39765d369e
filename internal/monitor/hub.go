// Package monitor exposes a running analysis over HTTP and websockets.
package monitor

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options tune the hub.
type Options struct {
	// FrameRate caps frame previews per second; zero means unlimited.
	FrameRate float64
	LogLines  int
	Buffer    int
}

func DefaultOptions() Options {
	return Options{FrameRate: 5, LogLines: 200, Buffer: 256}
}

// Hub is a pipeline sink that keeps the latest state for HTTP readers and
// queues notifications for websocket clients. It never blocks the caller;
// messages are dropped when the queue is full.
type Hub struct {
	logger   zerolog.Logger
	limiter  *rate.Limiter
	messages chan any
	maxLines int
	dropped  atomic.Int64

	mu       sync.RWMutex
	frame    []byte
	frameSeq int
	progress float64
	lines    []string
	report   *proctor.Report
}

func NewHub(logger zerolog.Logger, opts Options) *Hub {
	limit := rate.Inf
	if opts.FrameRate > 0 {
		limit = rate.Limit(opts.FrameRate)
	}
	if opts.LogLines <= 0 {
		opts.LogLines = 200
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &Hub{
		logger:   logger.With().Str("component", "monitor").Logger(),
		limiter:  rate.NewLimiter(limit, 1),
		messages: make(chan any, opts.Buffer),
		maxLines: opts.LogLines,
	}
}

// OnFrame stores a JPEG preview of frame, subject to the frame rate cap.
func (h *Hub) OnFrame(frame image.Image) {
	if frame == nil || !h.limiter.Allow() {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 75}); err != nil {
		h.logger.Debug().Err(err).Msg("preview encode failed")
		return
	}

	h.mu.Lock()
	h.frame = buf.Bytes()
	h.frameSeq++
	seq := h.frameSeq
	h.mu.Unlock()

	h.push(map[string]any{"type": "frame", "seq": seq})
}

func (h *Hub) OnProgress(percent float64) {
	h.mu.Lock()
	h.progress = percent
	h.mu.Unlock()

	h.push(map[string]any{"type": "progress", "progress": percent})
}

func (h *Hub) OnEvent(line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	if over := len(h.lines) - h.maxLines; over > 0 {
		h.lines = append([]string(nil), h.lines[over:]...)
	}
	h.mu.Unlock()

	h.push(map[string]any{"type": "event", "line": line})
}

// OnComplete records the final report.
func (h *Hub) OnComplete(report *proctor.Report) {
	h.mu.Lock()
	h.report = report
	h.mu.Unlock()

	h.push(map[string]any{
		"type":             "complete",
		"session_id":       report.SessionID,
		"verdict":          report.Verdict,
		"mean_probability": report.MeanProbability,
		"talking_events":   report.TalkingEvents,
		"events":           len(report.Events),
		"at":               time.Now().UTC(),
	})
}

func (h *Hub) push(msg any) {
	select {
	case h.messages <- msg:
	default:
		h.dropped.Add(1)
	}
}

// Messages is the notification queue consumed by the websocket broadcaster.
func (h *Hub) Messages() <-chan any {
	return h.messages
}

// Frame returns the latest JPEG preview, or nil.
func (h *Hub) Frame() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frame
}

// Snapshot is the hub state served on /status.
type Snapshot struct {
	Progress float64         `json:"progress"`
	Lines    []string        `json:"lines"`
	FrameSeq int             `json:"frame_seq"`
	Verdict  proctor.Verdict `json:"verdict,omitempty"`
	Dropped  int64           `json:"dropped"`
}

func (h *Hub) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Snapshot{
		Progress: h.progress,
		Lines:    append([]string(nil), h.lines...),
		FrameSeq: h.frameSeq,
		Dropped:  h.dropped.Load(),
	}
	if h.report != nil {
		s.Verdict = h.report.Verdict
	}
	return s
}
