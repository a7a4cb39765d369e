package ai

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrModelUnavailable marks missing model artifacts or runtime libraries.
var ErrModelUnavailable = errors.New("model unavailable")

// Runtime owns the onnxruntime environment. Models acquire it on load and
// release it on Close; the environment is torn down with the last release.
type Runtime struct {
	logger  zerolog.Logger
	libPath string

	mu   sync.Mutex
	refs int
}

// NewRuntime creates a runtime that loads the shared library at libPath,
// or the platform default when empty.
func NewRuntime(logger zerolog.Logger, libPath string) *Runtime {
	return &Runtime{
		logger:  logger.With().Str("component", "onnxruntime").Logger(),
		libPath: libPath,
	}
}

// Acquire initializes the environment on first use.
func (r *Runtime) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 && !ort.IsInitialized() {
		if r.libPath != "" {
			ort.SetSharedLibraryPath(r.libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Mark(errors.Wrap(err, "initialize onnxruntime"), ErrModelUnavailable)
		}
		r.logger.Debug().Str("library", r.libPath).Msg("onnxruntime initialized")
	}
	r.refs++
	return nil
}

// Release drops one reference.
func (r *Runtime) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		return nil
	}
	r.refs--
	if r.refs == 0 && ort.IsInitialized() {
		r.logger.Debug().Msg("destroying onnxruntime environment")
		return ort.DestroyEnvironment()
	}
	return nil
}
