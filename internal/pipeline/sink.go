package pipeline

import (
	"image"

	"github.com/kikiluvv/examguard/internal/proctor"
)

// Sink receives notifications from the frame loop. Calls happen on the
// loop goroutine and must return quickly.
type Sink interface {
	OnFrame(frame image.Image)
	OnProgress(percent float64)
	OnEvent(line string)
}

// CompletionSink is implemented by sinks that want the final report.
type CompletionSink interface {
	OnComplete(report *proctor.Report)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnFrame(image.Image) {}
func (NopSink) OnProgress(float64)  {}
func (NopSink) OnEvent(string)      {}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) OnFrame(frame image.Image) {
	for _, s := range m {
		s.OnFrame(frame)
	}
}

func (m MultiSink) OnProgress(percent float64) {
	for _, s := range m {
		s.OnProgress(percent)
	}
}

func (m MultiSink) OnEvent(line string) {
	for _, s := range m {
		s.OnEvent(line)
	}
}

func (m MultiSink) OnComplete(report *proctor.Report) {
	for _, s := range m {
		if cs, ok := s.(CompletionSink); ok {
			cs.OnComplete(report)
		}
	}
}
