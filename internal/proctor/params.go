package proctor

import (
	"github.com/cockroachdb/errors"
)

// EventClock selects the divisor used to stamp cheating events.
type EventClock string

const (
	// ClockNominal divides the frame index by NominalFPS regardless of the stream rate.
	ClockNominal EventClock = "nominal"
	// ClockStream divides by the stream's real frame rate, matching the series timestamps.
	ClockStream EventClock = "stream"
)

// Params holds the scoring policy knobs.
type Params struct {
	CalibrationFrames int
	SmoothingFactor   float64

	// LowBand and HighBand split the display colour bands.
	LowBand  float64
	HighBand float64

	EventThreshold   float64
	VerdictThreshold float64
	TalkingGap       float64
	ExcessiveTalking int

	NominalFPS float64
	EventClock EventClock
}

// DefaultParams returns the calibrated defaults.
func DefaultParams() Params {
	return Params{
		CalibrationFrames: 9,
		SmoothingFactor:   0.1,
		LowBand:           30,
		HighBand:          60,
		EventThreshold:    60,
		VerdictThreshold:  50,
		TalkingGap:        5,
		ExcessiveTalking:  5,
		NominalFPS:        30,
		EventClock:        ClockNominal,
	}
}

// Validate reports the first out-of-range value.
func (p Params) Validate() error {
	switch {
	case p.CalibrationFrames < 0:
		return errors.Newf("calibration frames must be >= 0, got %d", p.CalibrationFrames)
	case p.SmoothingFactor <= 0 || p.SmoothingFactor > 1:
		return errors.Newf("smoothing factor must be in (0,1], got %v", p.SmoothingFactor)
	case p.LowBand > p.HighBand:
		return errors.Newf("display bands out of order: %v > %v", p.LowBand, p.HighBand)
	case p.NominalFPS <= 0:
		return errors.Newf("nominal fps must be positive, got %v", p.NominalFPS)
	case p.ExcessiveTalking < 0:
		return errors.Newf("excessive talking count must be >= 0, got %d", p.ExcessiveTalking)
	}

	switch p.EventClock {
	case ClockNominal, ClockStream:
	default:
		return errors.Newf("unknown event clock %q", p.EventClock)
	}
	return nil
}
