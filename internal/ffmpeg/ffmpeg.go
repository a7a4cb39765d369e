package ffmpeg

import (
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

// Executor resolves the ffmpeg/ffprobe binaries and runs them for probing
// and frame decoding
type Executor struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
	threads     int
}

// Options configures binary lookup
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Threads     int
}

// New creates a new ffmpeg executor
func New(logger zerolog.Logger, opts Options) (*Executor, error) {
	ffmpegPath, err := lookup(opts.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}

	ffprobePath, err := lookup(opts.FFprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}

	return &Executor{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		threads:     opts.Threads,
	}, nil
}

func lookup(configured, fallback string) (string, error) {
	name := configured
	if name == "" {
		name = fallback
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// decodeArgs builds the rawvideo decode command line
func (e *Executor) decodeArgs(input string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	if e.threads > 0 {
		args = append(args, "-threads", fmt.Sprintf("%d", e.threads))
	}

	return append(args,
		"-i", input,
		// one output frame per decoded frame, even for variable frame rate input
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
}
