package pipeline

import (
	"context"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kikiluvv/examguard/internal/ai"
	"github.com/kikiluvv/examguard/internal/landmarks"
	"github.com/kikiluvv/examguard/internal/overlays"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource yields n identical frames.
type fakeSource struct {
	n      int
	fps    float64
	read   int
	frame  *image.RGBA
	closed bool
}

func newFakeSource(n int) *fakeSource {
	return &fakeSource{n: n, fps: 30, frame: image.NewRGBA(image.Rect(0, 0, 640, 480))}
}

func (s *fakeSource) Info() SourceInfo {
	return SourceInfo{Name: "synthetic", FPS: s.fps, TotalFrames: s.n, Width: 640, Height: 480}
}

func (s *fakeSource) Next() (image.Image, error) {
	if s.read >= s.n {
		return nil, io.EOF
	}
	s.read++
	return s.frame, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// fakeLandmarker returns whatever faces reports for each call.
type fakeLandmarker struct {
	mu    sync.Mutex
	calls int
	faces func(call int) ([]landmarks.Face, error)
}

func (f *fakeLandmarker) Landmarks(context.Context, image.Image) ([]landmarks.Face, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.faces == nil {
		return nil, nil
	}
	return f.faces(call)
}

func (f *fakeLandmarker) Close() error { return nil }

func (f *fakeLandmarker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDetector struct{ dets []ai.Detection }

func (d *fakeDetector) Detect(context.Context, image.Image) ([]ai.Detection, error) {
	return d.dets, nil
}

func (d *fakeDetector) Close() error { return nil }

// recordingSink captures every notification.
type recordingSink struct {
	mu       sync.Mutex
	frames   []image.Image
	progress []float64
	events   []string
	report   *proctor.Report
	onFrame  func(n int)
}

func (s *recordingSink) OnFrame(frame image.Image) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	n := len(s.frames)
	s.mu.Unlock()
	if s.onFrame != nil {
		s.onFrame(n)
	}
}

func (s *recordingSink) OnProgress(p float64) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}

func (s *recordingSink) OnEvent(line string) {
	s.mu.Lock()
	s.events = append(s.events, line)
	s.mu.Unlock()
}

func (s *recordingSink) OnComplete(r *proctor.Report) {
	s.mu.Lock()
	s.report = r
	s.mu.Unlock()
}

type memRecorder struct {
	obs    []proctor.Observation
	closed bool
}

func (m *memRecorder) Record(o proctor.Observation) error {
	m.obs = append(m.obs, o)
	return nil
}

func (m *memRecorder) Close() error {
	m.closed = true
	return nil
}

// meshFace builds a frontal face: eye displacement 50, head offset 0 and
// the given mouth gap.
func meshFace(mouthGap float64) landmarks.Face {
	pts := make([]landmarks.Point, landmarks.MeshPointCount)
	for i := range pts {
		pts[i] = landmarks.Point{X: 0.5, Y: 0.5}
	}
	pts[landmarks.LeftFaceEdge].X = 0.3
	pts[landmarks.RightFaceEdge].X = 0.7
	pts[landmarks.LeftEyeOuter].X = 0.4
	pts[landmarks.LeftEyeInner].X = 0.45
	pts[landmarks.RightEyeInner].X = 0.55
	pts[landmarks.RightEyeOuter].X = 0.6
	pts[landmarks.UpperLipCenter].Y = 0.5
	pts[landmarks.LowerLipCenter].Y = 0.5 + mouthGap/100
	return landmarks.Face{Points: pts, Confidence: 0.99}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.FrameDelay = 0
	opts.PausePoll = time.Millisecond
	return opts
}

func newTestPipeline(opts Options, lm ai.FaceLandmarker, gate *ai.ObjectGate) *Pipeline {
	return NewWithDeps(zerolog.Nop(), opts, Deps{Landmarker: lm, Gate: gate})
}

func alwaysFace(mouthGap float64) func(int) ([]landmarks.Face, error) {
	return func(int) ([]landmarks.Face, error) {
		return []landmarks.Face{meshFace(mouthGap)}, nil
	}
}

func TestRunWithoutFacesYieldsNoData(t *testing.T) {
	lm := &fakeLandmarker{}
	p := newTestPipeline(testOptions(), lm, nil)
	src := newFakeSource(100)
	sink := &recordingSink{}

	report, err := p.Run(context.Background(), src, sink)
	require.NoError(t, err)

	assert.Equal(t, 100, report.FramesRead)
	assert.Equal(t, 25, report.FramesAnalyzed)
	assert.Equal(t, 25, lm.Calls())
	assert.Zero(t, report.Series.Len())
	assert.Empty(t, report.Events)
	assert.Nil(t, report.Baseline)
	assert.Equal(t, proctor.VerdictNoData, report.Verdict)
	assert.False(t, report.Stopped)
	assert.True(t, src.closed)

	require.Len(t, sink.progress, 25)
	assert.InDelta(t, 4.0, sink.progress[0], 1e-9)
	assert.InDelta(t, 100.0, sink.progress[24], 1e-9)
	assert.Len(t, sink.frames, 25)
	assert.Same(t, report, sink.report)

	st := p.Status()
	assert.False(t, st.Active)
	assert.Equal(t, 100, st.FrameIndex)
	assert.Equal(t, proctor.VerdictNoData, st.Verdict)
}

func TestRunExcessiveTalking(t *testing.T) {
	// 15 analyzed frames: 9 calibrate, 6 are scored with mouth gap 10
	p := newTestPipeline(testOptions(), &fakeLandmarker{faces: alwaysFace(10)}, nil)

	report, err := p.Run(context.Background(), newFakeSource(60), nil)
	require.NoError(t, err)

	assert.Equal(t, 15, report.FramesAnalyzed)
	assert.Equal(t, 6, report.Series.Len())
	assert.Equal(t, 6, report.TalkingEvents)
	assert.Less(t, report.MeanProbability, 50.0)
	assert.Equal(t, proctor.VerdictExcessiveTalking, report.Verdict)

	require.NotNil(t, report.Baseline)
	assert.Equal(t, 9, report.Baseline.Frames)
	assert.InDelta(t, 50.0, report.Baseline.EyeDisplacement, 1e-9)

	// first scored frame is the 10th analyzed one
	assert.InDelta(t, 40.0/30.0, report.Series.Time[0], 1e-9)
}

func TestRunQuietSessionIsSelected(t *testing.T) {
	p := newTestPipeline(testOptions(), &fakeLandmarker{faces: alwaysFace(1)}, nil)

	report, err := p.Run(context.Background(), newFakeSource(80), nil)
	require.NoError(t, err)

	assert.Equal(t, 11, report.Series.Len())
	assert.Zero(t, report.TalkingEvents)
	assert.Equal(t, proctor.VerdictSelected, report.Verdict)
	assert.Equal(t, report.Series.Len(), len(report.Series.Probability))
	assert.Equal(t, report.Series.Len(), len(report.Series.Mouth))
}

func TestAnalyzeSourceUnavailable(t *testing.T) {
	opener := OpenerFunc(func(context.Context, string) (Source, error) {
		return nil, errors.New("no such file")
	})
	lm := &fakeLandmarker{}
	p := NewWithDeps(zerolog.Nop(), testOptions(), Deps{Opener: opener, Landmarker: lm})

	report, err := p.Analyze(context.Background(), "missing.mp4", &recordingSink{})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
	assert.NotEmpty(t, errors.GetAllHints(err))

	assert.Zero(t, lm.Calls())
	assert.Empty(t, p.Status().SessionID)
}

func TestAnalyzeOpensThroughOpener(t *testing.T) {
	src := newFakeSource(8)
	var opened string
	opener := OpenerFunc(func(_ context.Context, path string) (Source, error) {
		opened = path
		return src, nil
	})
	p := NewWithDeps(zerolog.Nop(), testOptions(), Deps{Opener: opener, Landmarker: &fakeLandmarker{}})

	report, err := p.Analyze(context.Background(), "exam.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, "exam.mp4", opened)
	assert.Equal(t, 2, report.FramesAnalyzed)
}

func TestDegenerateFacesAreSkipped(t *testing.T) {
	flat := meshFace(0)
	for i := range flat.Points {
		flat.Points[i].X = 0.5
	}
	lm := &fakeLandmarker{faces: func(int) ([]landmarks.Face, error) {
		return []landmarks.Face{flat}, nil
	}}
	p := newTestPipeline(testOptions(), lm, nil)

	report, err := p.Run(context.Background(), newFakeSource(100), nil)
	require.NoError(t, err)
	assert.Zero(t, report.Series.Len())
	assert.Nil(t, report.Baseline, "degenerate faces do not count toward calibration")
	assert.Equal(t, proctor.VerdictNoData, report.Verdict)
}

func TestLandmarkErrorsDoNotAbort(t *testing.T) {
	lm := &fakeLandmarker{faces: func(call int) ([]landmarks.Face, error) {
		if call%2 == 0 {
			return nil, errors.New("inference failed")
		}
		return []landmarks.Face{meshFace(0)}, nil
	}}
	opts := testOptions()
	opts.Params.CalibrationFrames = 0
	p := newTestPipeline(opts, lm, nil)

	report, err := p.Run(context.Background(), newFakeSource(40), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, report.FramesAnalyzed)
	assert.Equal(t, 5, report.Series.Len())
}

func TestForbiddenObjectDominatesScore(t *testing.T) {
	det := &fakeDetector{dets: []ai.Detection{{Class: "cell phone", Confidence: 0.92}}}
	gate := ai.NewObjectGate(zerolog.Nop(), det, ai.DefaultGateConfig())

	rec := &memRecorder{}
	opts := testOptions()
	opts.Params.CalibrationFrames = 0
	p := NewWithDeps(zerolog.Nop(), opts, Deps{
		Landmarker: &fakeLandmarker{faces: alwaysFace(0)},
		Gate:       gate,
		Recorders:  func(string) (Recorder, error) { return rec, nil },
	})
	sink := &recordingSink{}

	report, err := p.Run(context.Background(), newFakeSource(8), sink)
	require.NoError(t, err)

	require.Len(t, rec.obs, 2)
	assert.True(t, rec.closed)
	for _, o := range rec.obs {
		assert.True(t, o.Object)
		assert.GreaterOrEqual(t, o.RawScore, 90.0)
	}
	assert.InDelta(t, 9.165, rec.obs[0].Probability, 1e-9)

	require.Len(t, report.Events, 2)
	assert.Equal(t, proctor.ReasonForbiddenObject, report.Events[0].Reason)
	assert.Equal(t, "Time: 0.13s - Forbidden object detected", sink.events[0])
}

func TestDisplayedFramesAreAnnotated(t *testing.T) {
	opts := testOptions()
	opts.Params.CalibrationFrames = 1
	p := newTestPipeline(opts, &fakeLandmarker{faces: alwaysFace(0)}, nil)
	sink := &recordingSink{}

	_, err := p.Run(context.Background(), newFakeSource(8), sink)
	require.NoError(t, err)
	require.Len(t, sink.frames, 2)

	// calibration frame is shown unannotated
	calib, ok := sink.frames[0].(*image.RGBA)
	require.True(t, ok)
	assert.NotEqual(t, overlays.White, calib.RGBAAt(10, 10))

	scored, ok := sink.frames[1].(*image.RGBA)
	require.True(t, ok)
	assert.Equal(t, overlays.White, scored.RGBAAt(10, 10))
}

func TestStopEndsRunAndFinalizes(t *testing.T) {
	p := newTestPipeline(testOptions(), &fakeLandmarker{}, nil)
	sink := &recordingSink{}
	sink.onFrame = func(n int) {
		if n == 3 {
			p.Control().Stop()
		}
	}

	report, err := p.Run(context.Background(), newFakeSource(400), sink)
	require.NoError(t, err)

	assert.True(t, report.Stopped)
	assert.True(t, p.Control().Stopped())
	assert.Equal(t, 12, report.FramesRead)
	assert.Equal(t, proctor.VerdictNoData, report.Verdict)
	assert.False(t, p.Status().Active)
}

func TestParentCancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newTestPipeline(testOptions(), &fakeLandmarker{}, nil)
	sink := &recordingSink{onFrame: func(n int) {
		if n == 1 {
			cancel()
		}
	}}

	report, err := p.Run(ctx, newFakeSource(400), sink)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, 4, report.FramesRead)
}

func TestPauseHoldsFramesUntilResume(t *testing.T) {
	p := newTestPipeline(testOptions(), &fakeLandmarker{}, nil)
	src := newFakeSource(40)
	sink := &recordingSink{onFrame: func(n int) {
		if n == 1 {
			p.Control().Pause()
		}
	}}

	done := make(chan *proctor.Report, 1)
	go func() {
		report, _ := p.Run(context.Background(), src, sink)
		done <- report
	}()

	require.Eventually(t, func() bool { return p.Status().Paused }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, p.Status().FrameIndex, "no frames consumed while paused")
	assert.True(t, p.Status().Active)

	p.Control().Resume()

	select {
	case report := <-done:
		assert.Equal(t, 40, report.FramesRead)
		assert.False(t, report.Stopped)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestStopWhilePaused(t *testing.T) {
	p := newTestPipeline(testOptions(), &fakeLandmarker{}, nil)
	sink := &recordingSink{onFrame: func(n int) {
		if n == 1 {
			p.Control().Pause()
		}
	}}

	done := make(chan *proctor.Report, 1)
	go func() {
		report, _ := p.Run(context.Background(), newFakeSource(400), sink)
		done <- report
	}()

	require.Eventually(t, func() bool { return p.Status().Paused }, 2*time.Second, time.Millisecond)
	p.Control().Stop()

	select {
	case report := <-done:
		assert.True(t, report.Stopped)
		assert.Equal(t, 4, report.FramesRead)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not end a paused run")
	}
}

func TestStopDuringOpenEndsRun(t *testing.T) {
	var p *Pipeline
	opener := OpenerFunc(func(context.Context, string) (Source, error) {
		p.Control().Stop()
		return newFakeSource(40), nil
	})
	lm := &fakeLandmarker{faces: alwaysFace(0)}
	p = NewWithDeps(zerolog.Nop(), testOptions(), Deps{Opener: opener, Landmarker: lm})

	report, err := p.Analyze(context.Background(), "exam.mp4", nil)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.True(t, p.Control().Stopped())
	assert.Zero(t, report.FramesRead)
	assert.Zero(t, lm.Calls())
	assert.Equal(t, proctor.VerdictNoData, report.Verdict)

	// The request is consumed by the run it stopped.
	again, err := p.Run(context.Background(), newFakeSource(40), nil)
	require.NoError(t, err)
	assert.False(t, again.Stopped)
	assert.False(t, p.Control().Stopped())
	assert.Equal(t, 40, again.FramesRead)
}

func TestPauseDuringOpenHoldsFirstFrame(t *testing.T) {
	var p *Pipeline
	opener := OpenerFunc(func(context.Context, string) (Source, error) {
		p.Control().Pause()
		return newFakeSource(40), nil
	})
	p = NewWithDeps(zerolog.Nop(), testOptions(), Deps{Opener: opener, Landmarker: &fakeLandmarker{}})

	done := make(chan *proctor.Report, 1)
	go func() {
		report, _ := p.Analyze(context.Background(), "exam.mp4", nil)
		done <- report
	}()

	require.Eventually(t, func() bool { return p.Status().Paused }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, p.Status().FrameIndex)

	p.Control().Resume()

	select {
	case report := <-done:
		require.NotNil(t, report)
		assert.Equal(t, 40, report.FramesRead)
		assert.Equal(t, 10, report.FramesAnalyzed)
		assert.False(t, report.Stopped)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	assert.False(t, p.Control().Paused())
}

func TestRerunStartsFreshSession(t *testing.T) {
	p := newTestPipeline(testOptions(), &fakeLandmarker{faces: alwaysFace(10)}, nil)

	first, err := p.Run(context.Background(), newFakeSource(60), nil)
	require.NoError(t, err)
	second, err := p.Run(context.Background(), newFakeSource(60), nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Series.Len(), second.Series.Len())
	assert.Equal(t, first.TalkingEvents, second.TalkingEvents)
	assert.Equal(t, first.Series.Probability, second.Series.Probability)
}

func TestRecorderFailureIsNotFatal(t *testing.T) {
	opts := testOptions()
	opts.Params.CalibrationFrames = 0
	p := NewWithDeps(zerolog.Nop(), opts, Deps{
		Landmarker: &fakeLandmarker{faces: alwaysFace(0)},
		Recorders: func(string) (Recorder, error) {
			return nil, errors.New("disk full")
		},
	})

	report, err := p.Run(context.Background(), newFakeSource(8), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Series.Len())
}

func TestMultiSinkForwardsCompletion(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multi := MultiSink{a, NopSink{}, b}

	multi.OnEvent("Time: 1s - Looking LEFT")
	multi.OnProgress(50)
	r := &proctor.Report{SessionID: "x"}
	multi.OnComplete(r)

	assert.Equal(t, []string{"Time: 1s - Looking LEFT"}, a.events)
	assert.Equal(t, []float64{50}, b.progress)
	assert.Same(t, r, a.report)
	assert.Same(t, r, b.report)
}
