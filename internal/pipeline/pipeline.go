package pipeline

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/kikiluvv/examguard/internal/ai"
	"github.com/kikiluvv/examguard/internal/config"
	"github.com/kikiluvv/examguard/internal/ffmpeg"
	"github.com/kikiluvv/examguard/internal/journal"
	"github.com/kikiluvv/examguard/internal/landmarks"
	"github.com/kikiluvv/examguard/internal/overlays"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/rs/zerolog"
)

// Pipeline drives the frame-by-frame analysis of one video at a time
type Pipeline struct {
	logger     zerolog.Logger
	opts       Options
	opener     Opener
	gate       *ai.ObjectGate
	landmarker ai.FaceLandmarker
	annotator  *overlays.Annotator
	recorders  RecorderFactory
	control    *Control
	state      session
}

// Deps are the capabilities a pipeline runs on.
type Deps struct {
	Opener     Opener
	Gate       *ai.ObjectGate
	Landmarker ai.FaceLandmarker
	Recorders  RecorderFactory
}

// New builds a pipeline from application config: an ffmpeg-backed source,
// the ONNX face landmarker behind its face detector, and an object gate.
// The detector and the gate degrade when their models are missing.
func New(logger zerolog.Logger, appCfg *config.Config) (*Pipeline, error) {
	ffmpegExec, err := ffmpeg.New(logger, ffmpeg.Options{
		FFmpegPath:  appCfg.FFmpeg.BinaryPath,
		FFprobePath: appCfg.FFmpeg.ProbePath,
		Threads:     appCfg.FFmpeg.Threads,
	})
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "initialize ffmpeg"),
			"install ffmpeg or set ffmpeg.binary_path")
	}

	rt := ai.NewRuntime(logger, appCfg.Models.RuntimeLibrary)

	fdCfg := ai.DefaultFaceDetectorConfig()
	fdCfg.ModelPath = appCfg.Models.FaceDetector
	var faces ai.FaceDetector
	if fd, err := ai.NewONNXFaceDetector(logger, rt, fdCfg); err != nil {
		logger.Warn().Err(err).Msg("face detector unavailable, mesh will run on the whole frame")
	} else {
		faces = fd
	}

	lmCfg := ai.DefaultLandmarkerConfig()
	lmCfg.ModelPath = appCfg.Models.FaceLandmarks
	lmCfg.MaxFaces = appCfg.Models.MaxFaces
	if appCfg.Models.FaceInputSize > 0 {
		lmCfg.InputSize = appCfg.Models.FaceInputSize
	}
	landmarker, err := ai.NewONNXLandmarker(logger, rt, lmCfg, faces)
	if err != nil {
		if faces != nil {
			_ = faces.Close()
		}
		return nil, errors.WithHint(errors.Wrap(err, "load face landmark model"),
			"set models.face_landmarks or EXAMGUARD_FACE_MODEL")
	}

	detCfg := ai.DefaultObjectDetectorConfig()
	detCfg.ModelPath = appCfg.Models.ObjectDetector
	if appCfg.Models.ObjectInputSize > 0 {
		detCfg.InputSize = appCfg.Models.ObjectInputSize
	}
	gate := ai.LoadObjectGate(logger, rt, detCfg, ai.GateConfig{
		MinConfidence: appCfg.Models.ObjectConfidence,
		Prohibited:    appCfg.Models.Prohibited,
	})

	var recorders RecorderFactory
	if appCfg.Journal.Enabled {
		dir := appCfg.JournalDir()
		recorders = func(sessionID string) (Recorder, error) {
			return journal.NewWriter(logger, dir, sessionID)
		}
	}

	return NewWithDeps(logger, OptionsFromConfig(appCfg), Deps{
		Opener:     &ffmpegOpener{exec: ffmpegExec},
		Gate:       gate,
		Landmarker: landmarker,
		Recorders:  recorders,
	}), nil
}

// NewWithDeps builds a pipeline over caller-supplied capabilities.
func NewWithDeps(logger zerolog.Logger, opts Options, deps Deps) *Pipeline {
	if opts.FrameSkip < 1 {
		opts.FrameSkip = 1
	}
	gate := deps.Gate
	if gate == nil {
		gate = ai.NewObjectGate(logger, nil, ai.DefaultGateConfig())
	}
	return &Pipeline{
		logger:     logger.With().Str("component", "pipeline").Logger(),
		opts:       opts,
		opener:     deps.Opener,
		gate:       gate,
		landmarker: deps.Landmarker,
		annotator:  overlays.NewAnnotator(opts.Params),
		recorders:  deps.Recorders,
		control:    NewControl(),
	}
}

// OptionsFromConfig maps the analysis block to run options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FrameSkip:  cfg.Analysis.FrameSkip,
		PausePoll:  cfg.Analysis.PausePoll,
		FrameDelay: cfg.Analysis.FrameDelay,
		Params:     cfg.ScoringParams(),
		Gaze:       cfg.GazeThresholds(),
	}
}

// Control returns the pause/stop handle of this pipeline.
func (p *Pipeline) Control() *Control {
	return p.control
}

// Status returns the current session snapshot.
func (p *Pipeline) Status() Status {
	return p.state.snapshot()
}

// Close releases pipeline resources
func (p *Pipeline) Close() error {
	var errs error
	if err := p.gate.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if p.landmarker != nil {
		if err := p.landmarker.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Analyze opens path and runs the frame loop over it.
func (p *Pipeline) Analyze(ctx context.Context, path string, sink Sink) (*proctor.Report, error) {
	if p.opener == nil {
		return nil, errors.AssertionFailedf("pipeline has no video opener")
	}
	src, err := p.opener.Open(ctx, path)
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "open %s", path), ErrSourceUnavailable)
		return nil, errors.WithHint(err, "check that the file exists and is a readable video")
	}
	return p.Run(ctx, src, sink)
}

// run holds the per-session state of one analysis.
type run struct {
	id         string
	logger     zerolog.Logger
	sink       Sink
	recorder   Recorder
	fps        float64
	calibrator *proctor.Calibrator
	scorer     *proctor.Scorer
	smoother   *proctor.Smoother
	aggregator *proctor.Aggregator
}

// Run drives src to its end or until stopped, then finalizes the verdict.
// Every call starts a fresh session. src is closed on return.
func (p *Pipeline) Run(ctx context.Context, src Source, sink Sink) (*proctor.Report, error) {
	defer src.Close()
	if sink == nil {
		sink = NopSink{}
	}
	if p.landmarker == nil {
		return nil, errors.AssertionFailedf("pipeline has no face landmarker")
	}

	info := src.Info()
	params := p.opts.Params
	r := &run{
		id:         uuid.NewString(),
		sink:       sink,
		fps:        info.FPS,
		calibrator: proctor.NewCalibrator(params.CalibrationFrames),
		scorer:     proctor.NewScorer(),
		smoother:   proctor.NewSmoother(params.SmoothingFactor),
		aggregator: proctor.NewAggregator(params, info.FPS),
	}
	if r.fps <= 0 {
		r.fps = params.NominalFPS
	}
	r.logger = p.logger.With().Str("session", r.id).Logger()

	if p.recorders != nil {
		rec, err := p.recorders(r.id)
		if err != nil {
			r.logger.Warn().Err(err).Msg("observation recorder unavailable")
		} else {
			r.recorder = rec
			defer rec.Close()
		}
	}

	report := &proctor.Report{
		SessionID:   r.id,
		Source:      info.Name,
		FPS:         info.FPS,
		TotalFrames: info.TotalFrames,
		StartedAt:   time.Now().UTC(),
	}

	runCtx, release := p.control.bind(ctx)
	defer release()
	p.state.start(r.id, info)

	r.logger.Info().
		Str("source", info.Name).
		Float64("fps", info.FPS).
		Int("frames", info.TotalFrames).
		Int("frame_skip", p.opts.FrameSkip).
		Bool("object_gate", p.gate.Available()).
		Msg("analysis started")

	frameIndex, analyzed := 0, 0
	for {
		if runCtx.Err() != nil {
			report.Stopped = true
			break
		}
		if p.control.Paused() {
			p.state.setPaused(true)
			sleep(runCtx, p.opts.PausePoll)
			continue
		}
		p.state.setPaused(false)

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.logger.Warn().Err(err).Int("frame", frameIndex).Msg("frame read failed, ending stream")
			break
		}

		frameIndex++
		if frameIndex%p.opts.FrameSkip != 0 {
			continue
		}
		analyzed++

		display := p.analyzeFrame(runCtx, r, frameIndex, frame)

		progress := -1.0
		if info.TotalFrames > 0 {
			progress = float64(frameIndex) / float64(info.TotalFrames) * 100
		}
		p.state.advance(frameIndex, progress)

		sink.OnFrame(display)
		if progress >= 0 {
			sink.OnProgress(progress)
		}

		sleep(runCtx, p.opts.FrameDelay)
	}

	verdict := r.aggregator.Finalize()
	series := r.aggregator.Series()

	report.FramesRead = frameIndex
	report.FramesAnalyzed = analyzed
	report.Series = *series
	report.Events = r.aggregator.Events()
	report.TalkingEvents = r.aggregator.TalkingEvents()
	report.MeanProbability = series.Mean()
	report.Verdict = verdict
	report.FinishedAt = time.Now().UTC()
	if b, ok := r.calibrator.Baseline(); ok {
		report.Baseline = &b
	}

	p.state.finish(verdict)

	r.logger.Info().
		Str("verdict", string(verdict)).
		Int("frames_read", frameIndex).
		Int("frames_analyzed", analyzed).
		Int("observations", series.Len()).
		Int("events", len(report.Events)).
		Int("talking_events", report.TalkingEvents).
		Float64("mean_probability", report.MeanProbability).
		Bool("stopped", report.Stopped).
		Msg("analysis complete")

	if cs, ok := sink.(CompletionSink); ok {
		cs.OnComplete(report)
	}
	return report, nil
}

// analyzeFrame runs the gate and every detected face through calibration
// or scoring. It returns the frame to display.
func (p *Pipeline) analyzeFrame(ctx context.Context, r *run, frameIndex int, frame image.Image) image.Image {
	object := p.gate.Check(ctx, frameIndex, frame)

	faces, err := p.landmarker.Landmarks(ctx, frame)
	if err != nil {
		r.logger.Warn().Err(err).Int("frame", frameIndex).Msg("landmark detection failed")
		return frame
	}

	display := frame
	size := frame.Bounds().Size()
	for _, face := range faces {
		feat, err := landmarks.Extract(face, size, p.opts.Gaze)
		if err != nil {
			r.logger.Debug().Err(err).Int("frame", frameIndex).Msg("face skipped")
			continue
		}

		if r.calibrator.Observe(feat.EyeDisplacement, feat.HeadOffset) {
			r.logger.Debug().
				Int("frame", frameIndex).
				Int("consumed", r.calibrator.Consumed()).
				Msg("calibrating")
			continue
		}

		raw := r.scorer.Score(proctor.Inputs{
			Eye:     feat.EyeDisplacement,
			Head:    feat.HeadOffset,
			Mouth:   feat.MouthGap,
			Talking: true,
			Object:  object,
		})
		prob := r.smoother.Update(raw)

		obs := proctor.Observation{
			Frame:           frameIndex,
			Time:            float64(frameIndex) / r.fps,
			EyeDisplacement: feat.EyeDisplacement,
			HeadOffset:      feat.HeadOffset,
			MouthGap:        feat.MouthGap,
			Gaze:            feat.Gaze,
			Object:          object,
			RawScore:        raw,
			Probability:     prob,
		}

		for _, ev := range r.aggregator.Add(obs) {
			line := ev.String()
			r.logger.Info().Int("frame", ev.Frame).Msg(line)
			r.sink.OnEvent(line)
		}
		if r.recorder != nil {
			if err := r.recorder.Record(obs); err != nil {
				r.logger.Warn().Err(err).Int("frame", frameIndex).Msg("record observation failed")
			}
		}
		p.state.setProbability(prob)

		display = p.annotator.Annotate(display, overlays.Metrics{
			Eye:         feat.EyeDisplacement,
			Head:        feat.HeadOffset,
			Mouth:       feat.MouthGap,
			Probability: prob,
			Talking:     r.aggregator.TalkingEvents(),
		})
	}
	return display
}
