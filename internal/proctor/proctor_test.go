package proctor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/examguard/internal/landmarks"
)

func TestScorerNormalProfile(t *testing.T) {
	s := NewScorer()

	got := s.Score(Inputs{Eye: 10, Head: 20, Mouth: 50, Talking: true})
	// 0.3*10 + 0.3*20 + 0.2*(0.1*50)
	assert.InDelta(t, 10.0, got, 1e-9)

	got = s.Score(Inputs{Eye: 10, Head: 20, Mouth: 50, Talking: false})
	// silent context raises the mouth multiplier to 0.3
	assert.InDelta(t, 12.0, got, 1e-9)
}

func TestScorerObjectDominates(t *testing.T) {
	s := NewScorer()

	assert.InDelta(t, 90.0, s.Score(Inputs{Object: true, Talking: true}), 1e-9)

	for _, in := range []Inputs{
		{Eye: 1, Head: 1, Mouth: 1, Object: true, Talking: true},
		{Eye: 80, Head: 95, Mouth: 40, Object: true, Talking: true},
		{Eye: 500, Head: 500, Mouth: 500, Object: true},
	} {
		got := s.Score(in)
		assert.GreaterOrEqual(t, got, 90.0)
		assert.LessOrEqual(t, got, MaxScore)
	}
}

func TestScorerClampsToMax(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, MaxScore, s.Score(Inputs{Eye: 1000, Head: 1000, Mouth: 1000, Talking: true}))
	assert.Equal(t, 0.0, s.Score(Inputs{Talking: true}))
}

func TestSmootherFirstStep(t *testing.T) {
	sm := NewSmoother(0.1)
	assert.InDelta(t, 9.0, sm.Update(90), 1e-9)
	assert.InDelta(t, 9.0, sm.Value(), 1e-9)
}

func TestSmootherConvergesMonotonically(t *testing.T) {
	sm := NewSmoother(0.1)

	prev := sm.Value()
	for i := 0; i < 50; i++ {
		v := sm.Update(100)
		require.Greater(t, v, prev, "step %d", i)
		require.LessOrEqual(t, v, 100.0)
		prev = v
	}
	assert.Greater(t, prev, 99.4)
}

func TestSmootherLongRunConvergence(t *testing.T) {
	sm := NewSmoother(0.1)
	var v float64
	for i := 0; i < 80; i++ {
		v = sm.Update(100)
	}
	assert.Greater(t, v, 99.9)
}

func TestCalibratorBoundary(t *testing.T) {
	c := NewCalibrator(9)

	for i := 0; i < 9; i++ {
		require.True(t, c.Observe(float64(i), 2*float64(i)), "frame %d should be consumed", i+1)
	}
	assert.Equal(t, Calibrating, c.State())
	assert.Equal(t, 9, c.Consumed())
	_, ok := c.Baseline()
	assert.False(t, ok)

	assert.False(t, c.Observe(100, 100), "10th frame is scored")
	assert.Equal(t, Active, c.State())

	b, ok := c.Baseline()
	require.True(t, ok)
	assert.InDelta(t, 4.0, b.EyeDisplacement, 1e-9)
	assert.InDelta(t, 8.0, b.HeadOffset, 1e-9)
	assert.Equal(t, 9, b.Frames)

	// baseline is frozen
	c.Observe(1000, 1000)
	b2, _ := c.Baseline()
	assert.Equal(t, b, b2)
	assert.Equal(t, Active, c.State())
}

func TestCalibratorZeroFrames(t *testing.T) {
	c := NewCalibrator(0)
	assert.False(t, c.Observe(3, 4))
	assert.Equal(t, Active, c.State())
}

func obs(frame int, prob, mouth float64) Observation {
	return Observation{
		Frame:       frame,
		Time:        float64(frame) / 25,
		MouthGap:    mouth,
		Gaze:        landmarks.GazeCenter,
		Probability: prob,
	}
}

func TestAggregatorNoData(t *testing.T) {
	a := NewAggregator(DefaultParams(), 25)
	assert.Equal(t, VerdictPending, a.Verdict())
	assert.Equal(t, VerdictNoData, a.Finalize())
}

func TestAggregatorTalkingOverridesLowMean(t *testing.T) {
	a := NewAggregator(DefaultParams(), 25)
	for i := 1; i <= 6; i++ {
		a.Add(obs(i*4, 10, 10))
	}
	assert.Equal(t, 6, a.TalkingEvents())
	assert.InDelta(t, 10.0, a.Series().Mean(), 1e-9)
	assert.Equal(t, VerdictExcessiveTalking, a.Finalize())
}

func TestAggregatorTalkingThresholdIsStrict(t *testing.T) {
	a := NewAggregator(DefaultParams(), 25)
	for i := 1; i <= 5; i++ {
		a.Add(obs(i*4, 10, 10))
	}
	a.Add(obs(24, 10, 5)) // exactly at the gap, not counted
	assert.Equal(t, 5, a.TalkingEvents())
	assert.Equal(t, VerdictSelected, a.Finalize())
}

func TestAggregatorMeanBoundary(t *testing.T) {
	a := NewAggregator(DefaultParams(), 25)
	a.Add(obs(4, 40, 0))
	a.Add(obs(8, 60, 0))
	assert.Equal(t, VerdictSelected, a.Finalize())

	a = NewAggregator(DefaultParams(), 25)
	a.Add(obs(4, 40, 0))
	a.Add(obs(8, 60.5, 0))
	assert.Equal(t, VerdictSuspicious, a.Finalize())
}

func TestAggregatorFinalizeIsTerminal(t *testing.T) {
	a := NewAggregator(DefaultParams(), 25)
	a.Add(obs(4, 10, 0))
	require.Equal(t, VerdictSelected, a.Finalize())

	a.Add(obs(8, 100, 0))
	a.Add(obs(12, 100, 0))
	assert.Equal(t, VerdictSelected, a.Finalize())
}

func TestAggregatorIndependentEvents(t *testing.T) {
	a := NewAggregator(DefaultParams(), 25)

	o := obs(45, 72.3456, 0)
	o.Gaze = landmarks.GazeLeft
	o.Object = true

	events := a.Add(o)
	require.Len(t, events, 3)
	assert.Equal(t, "Cheating Probability: 72.35%", events[0].Reason)
	assert.Equal(t, "Looking LEFT", events[1].Reason)
	assert.Equal(t, ReasonForbiddenObject, events[2].Reason)

	for _, ev := range events {
		assert.Equal(t, 45, ev.Frame)
		assert.InDelta(t, 1.5, ev.Timestamp, 1e-9) // 45 / 30 nominal
	}
	assert.Equal(t, "Time: 1.5s - Looking LEFT", events[1].String())

	assert.Empty(t, a.Add(obs(49, 60, 0)), "threshold is strict")
	assert.Len(t, a.Events(), 3)
}

func TestAggregatorStreamClock(t *testing.T) {
	p := DefaultParams()
	p.EventClock = ClockStream
	a := NewAggregator(p, 25)

	events := a.Add(obs(50, 95, 0))
	require.Len(t, events, 1)
	assert.InDelta(t, 2.0, events[0].Timestamp, 1e-9)
}

func TestAggregatorSeriesAligned(t *testing.T) {
	a := NewAggregator(DefaultParams(), 30)
	for i := 1; i <= 7; i++ {
		o := obs(i*4, float64(i), float64(i))
		o.EyeDisplacement = float64(i)
		o.HeadOffset = float64(i)
		a.Add(o)

		s := a.Series()
		n := s.Len()
		require.Equal(t, i, n)
		for _, seq := range [][]float64{s.Eye, s.Head, s.Mouth, s.Probability} {
			require.Len(t, seq, n)
		}
	}
}

func TestBandOf(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, BandLow, p.BandOf(30))
	assert.Equal(t, BandElevated, p.BandOf(30.01))
	assert.Equal(t, BandElevated, p.BandOf(60))
	assert.Equal(t, BandHigh, p.BandOf(61))
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.SmoothingFactor = 0
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.EventClock = "wallclock"
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.LowBand = 70
	assert.Error(t, p.Validate())
}
