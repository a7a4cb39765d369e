package proctor

import (
	"fmt"

	"github.com/kikiluvv/examguard/internal/landmarks"
)

// Event reasons.
const (
	ReasonForbiddenObject = "Forbidden object detected"
	reasonProbabilityFmt  = "Cheating Probability: %.2f%%"
	reasonGazeFmt         = "Looking %s"
)

// Aggregator accumulates accepted observations for one session and
// computes the verdict once the stream ends.
type Aggregator struct {
	params    Params
	streamFPS float64
	series    Series
	events    []Event
	talking   int
	verdict   Verdict
	finalized bool
}

// NewAggregator creates an aggregator for a stream running at streamFPS.
func NewAggregator(params Params, streamFPS float64) *Aggregator {
	return &Aggregator{
		params:    params,
		streamFPS: streamFPS,
		verdict:   VerdictPending,
	}
}

// Add appends o to the series and returns the events it raised. The
// triggers are independent; a single observation may raise several.
func (a *Aggregator) Add(o Observation) []Event {
	a.series.append(o)

	if o.MouthGap > a.params.TalkingGap {
		a.talking++
	}

	var raised []Event
	if o.Probability > a.params.EventThreshold {
		raised = append(raised, a.event(o.Frame, fmt.Sprintf(reasonProbabilityFmt, o.Probability)))
	}
	if o.Gaze != landmarks.GazeCenter && o.Gaze != "" {
		raised = append(raised, a.event(o.Frame, fmt.Sprintf(reasonGazeFmt, o.Gaze)))
	}
	if o.Object {
		raised = append(raised, a.event(o.Frame, ReasonForbiddenObject))
	}

	a.events = append(a.events, raised...)
	return raised
}

func (a *Aggregator) event(frame int, reason string) Event {
	return Event{
		Frame:     frame,
		Timestamp: round2(float64(frame) / a.eventDivisor()),
		Reason:    reason,
	}
}

func (a *Aggregator) eventDivisor() float64 {
	if a.params.EventClock == ClockStream && a.streamFPS > 0 {
		return a.streamFPS
	}
	return a.params.NominalFPS
}

// Finalize computes the verdict. Later calls return the first result.
func (a *Aggregator) Finalize() Verdict {
	if a.finalized {
		return a.verdict
	}
	a.finalized = true

	switch {
	case a.series.Len() == 0:
		a.verdict = VerdictNoData
	case a.talking > a.params.ExcessiveTalking:
		a.verdict = VerdictExcessiveTalking
	case a.series.Mean() > a.params.VerdictThreshold:
		a.verdict = VerdictSuspicious
	default:
		a.verdict = VerdictSelected
	}
	return a.verdict
}

// Verdict returns the verdict, VerdictPending before Finalize.
func (a *Aggregator) Verdict() Verdict { return a.verdict }

// TalkingEvents returns the talking counter.
func (a *Aggregator) TalkingEvents() int { return a.talking }

// Series returns the accumulated series. Callers must not mutate it.
func (a *Aggregator) Series() *Series { return &a.series }

// Events returns the events raised so far.
func (a *Aggregator) Events() []Event { return a.events }
