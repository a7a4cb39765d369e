package proctor

// CalibrationState is the calibrator's one-way state machine.
type CalibrationState int

const (
	Calibrating CalibrationState = iota
	Active
)

func (s CalibrationState) String() string {
	if s == Active {
		return "active"
	}
	return "calibrating"
}

// Baseline is the neutral eye/head reference captured during calibration.
// It is session metadata only and is not subtracted from readings.
type Baseline struct {
	EyeDisplacement float64 `json:"eye_displacement" cbor:"eye"`
	HeadOffset      float64 `json:"head_offset" cbor:"head"`
	Frames          int     `json:"frames" cbor:"frames"`
}

// Calibrator consumes the first N face-bearing frames.
type Calibrator struct {
	required int
	seen     int
	sumEye   float64
	sumHead  float64
	state    CalibrationState
	baseline Baseline
}

// NewCalibrator requires n face-bearing frames before scoring.
func NewCalibrator(n int) *Calibrator {
	return &Calibrator{required: n}
}

// Observe feeds one face-bearing frame. It returns true when the frame was
// consumed for calibration and must not be scored. The frame after the
// n-th consumed one fixes the baseline, flips to Active and is scored.
func (c *Calibrator) Observe(eye, head float64) bool {
	if c.state == Active {
		return false
	}
	if c.seen < c.required {
		c.seen++
		c.sumEye += eye
		c.sumHead += head
		return true
	}

	c.baseline = Baseline{Frames: c.seen}
	if c.seen > 0 {
		c.baseline.EyeDisplacement = c.sumEye / float64(c.seen)
		c.baseline.HeadOffset = c.sumHead / float64(c.seen)
	}
	c.state = Active
	return false
}

// State returns the current state.
func (c *Calibrator) State() CalibrationState { return c.state }

// Consumed returns how many frames went into the baseline so far.
func (c *Calibrator) Consumed() int { return c.seen }

// Baseline returns the fixed baseline and whether it has been set.
func (c *Calibrator) Baseline() (Baseline, bool) {
	return c.baseline, c.state == Active
}
