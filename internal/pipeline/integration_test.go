package pipeline

import (
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/kikiluvv/examguard/internal/ffmpeg"
	"github.com/kikiluvv/examguard/internal/journal"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH - install with: brew install ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH - install with: brew install ffmpeg")
	}
}

func TestIntegrationDecodedVideo(t *testing.T) {
	skipIfNoFFmpeg(t)

	path := filepath.Join(t.TempDir(), "exam.mp4")
	cmd := exec.Command("ffmpeg", "-f", "lavfi",
		"-i", "testsrc=size=160x120:rate=25",
		"-frames:v", strconv.Itoa(60),
		"-pix_fmt", "yuv420p", "-y", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not generate test video: %v\n%s", err, out)
	}

	executor, err := ffmpeg.New(zerolog.Nop(), ffmpeg.Options{})
	require.NoError(t, err)

	dir := t.TempDir()
	var journalPath string
	p := NewWithDeps(zerolog.Nop(), testOptions(), Deps{
		Opener:     &ffmpegOpener{exec: executor},
		Landmarker: &fakeLandmarker{faces: alwaysFace(1)},
		Recorders: func(sessionID string) (Recorder, error) {
			w, err := journal.NewWriter(zerolog.Nop(), dir, sessionID)
			if err == nil {
				journalPath = w.Path()
			}
			return w, err
		},
	})
	defer p.Close()

	sink := &recordingSink{}
	report, err := p.Analyze(context.Background(), path, sink)
	require.NoError(t, err)

	assert.Equal(t, 60, report.FramesRead)
	assert.Equal(t, 15, report.FramesAnalyzed)
	assert.InDelta(t, 25, report.FPS, 0.01)
	assert.Len(t, sink.frames, 15)
	assert.Equal(t, 160, sink.frames[0].Bounds().Dx())
	assert.Equal(t, proctor.VerdictSelected, report.Verdict)
	require.NotNil(t, report.Baseline)

	// Calibration consumes the first face-bearing frames.
	scored := 15 - report.Baseline.Frames
	assert.Equal(t, scored, report.Series.Len())

	entries, err := journal.Read(journalPath)
	require.NoError(t, err)
	assert.Len(t, entries, scored)
}
