package proctor

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kikiluvv/examguard/internal/landmarks"
)

// Verdict is the terminal session outcome.
type Verdict string

const (
	VerdictPending          Verdict = "Pending"
	VerdictNoData           Verdict = "No data available"
	VerdictExcessiveTalking Verdict = "Rejected (Excessive Talking)"
	VerdictSuspicious       Verdict = "Rejected (Suspicious Behavior)"
	VerdictSelected         Verdict = "Selected (No Suspicious Behavior)"
)

// Rejected reports whether v is one of the rejection outcomes.
func (v Verdict) Rejected() bool {
	return v == VerdictExcessiveTalking || v == VerdictSuspicious
}

// Band is the display colour band of a probability.
type Band string

const (
	BandLow      Band = "low"
	BandElevated Band = "elevated"
	BandHigh     Band = "high"
)

// BandOf classifies prob against the params' display bands.
func (p Params) BandOf(prob float64) Band {
	switch {
	case prob > p.HighBand:
		return BandHigh
	case prob > p.LowBand:
		return BandElevated
	default:
		return BandLow
	}
}

// Observation is one scored face on one sampled frame.
type Observation struct {
	Frame           int            `json:"frame" cbor:"1,keyasint"`
	Time            float64        `json:"time" cbor:"2,keyasint"`
	EyeDisplacement float64        `json:"eye" cbor:"3,keyasint"`
	HeadOffset      float64        `json:"head" cbor:"4,keyasint"`
	MouthGap        float64        `json:"mouth" cbor:"5,keyasint"`
	Gaze            landmarks.Gaze `json:"gaze" cbor:"6,keyasint"`
	Object          bool           `json:"object" cbor:"7,keyasint"`
	RawScore        float64        `json:"raw_score" cbor:"8,keyasint"`
	Probability     float64        `json:"probability" cbor:"9,keyasint"`
}

// Event is an immutable cheating-event record.
type Event struct {
	Frame     int     `json:"frame"`
	Timestamp float64 `json:"timestamp"`
	Reason    string  `json:"reason"`
}

// String renders the log line, e.g. "Time: 2.4s - Looking LEFT".
func (e Event) String() string {
	return fmt.Sprintf("Time: %ss - %s", strconv.FormatFloat(e.Timestamp, 'f', -1, 64), e.Reason)
}

// Series holds the index-aligned time series of accepted observations.
type Series struct {
	Time        []float64 `json:"time"`
	Eye         []float64 `json:"eye"`
	Head        []float64 `json:"head"`
	Mouth       []float64 `json:"mouth"`
	Probability []float64 `json:"probability"`
}

// Len returns the shared length of every sequence.
func (s *Series) Len() int { return len(s.Time) }

func (s *Series) append(o Observation) {
	s.Time = append(s.Time, o.Time)
	s.Eye = append(s.Eye, o.EyeDisplacement)
	s.Head = append(s.Head, o.HeadOffset)
	s.Mouth = append(s.Mouth, o.MouthGap)
	s.Probability = append(s.Probability, o.Probability)
}

// Mean returns the mean probability, or zero for an empty series.
func (s *Series) Mean() float64 {
	if len(s.Probability) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.Probability {
		sum += v
	}
	return sum / float64(len(s.Probability))
}

// Report is the full outcome of one analysis run.
type Report struct {
	SessionID       string    `json:"session_id"`
	Source          string    `json:"source"`
	FPS             float64   `json:"fps"`
	TotalFrames     int       `json:"total_frames"`
	FramesRead      int       `json:"frames_read"`
	FramesAnalyzed  int       `json:"frames_analyzed"`
	Baseline        *Baseline `json:"baseline,omitempty"`
	Series          Series    `json:"series"`
	Events          []Event   `json:"events"`
	TalkingEvents   int       `json:"talking_events"`
	MeanProbability float64   `json:"mean_probability"`
	Verdict         Verdict   `json:"verdict"`
	Stopped         bool      `json:"stopped"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
