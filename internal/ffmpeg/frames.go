package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// FrameReader decodes a video sequentially into RGBA frames through an
// ffmpeg rawvideo pipe
type FrameReader struct {
	info   *VideoInfo
	cmd    *exec.Cmd
	stdout io.ReadCloser
	r      *bufio.Reader
	buf    []byte
	cancel context.CancelFunc
	stderr *tailBuffer

	closeOnce sync.Once
	closeErr  error
}

// OpenFrames probes input and starts decoding it. Cancelling ctx kills the
// decoder; the next read then returns an error.
func (e *Executor) OpenFrames(ctx context.Context, input string) (*FrameReader, error) {
	info, err := e.ProbeVideo(ctx, input)
	if err != nil {
		return nil, err
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(decodeCtx, e.ffmpegPath, e.decodeArgs(input)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	e.logger.Info().
		Str("input", input).
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("fps", info.FPS).
		Int("frames", info.FrameCount).
		Msg("decoding video")

	return &FrameReader{
		info:   info,
		cmd:    cmd,
		stdout: stdout,
		r:      bufio.NewReaderSize(stdout, info.FrameSize()),
		buf:    make([]byte, info.FrameSize()),
		cancel: cancel,
		stderr: stderr,
	}, nil
}

// Info returns the probed metadata
func (f *FrameReader) Info() *VideoInfo {
	return f.info
}

// Next returns the next frame, or io.EOF once the stream is exhausted
func (f *FrameReader) Next() (*image.RGBA, error) {
	if _, err := io.ReadFull(f.r, f.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		if msg := strings.TrimSpace(f.stderr.String()); msg != "" {
			return nil, fmt.Errorf("read frame: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return rgb24ToRGBA(f.buf, f.info.Width, f.info.Height), nil
}

// Close stops the decoder and reaps the process. The exit status of a
// killed decoder is not an error.
func (f *FrameReader) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		_ = f.stdout.Close()
		if err := f.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				f.closeErr = err
			}
		}
	})
	return f.closeErr
}

func rgb24ToRGBA(src []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(src); i, j = i+3, j+4 {
		img.Pix[j] = src[i]
		img.Pix[j+1] = src[i+1]
		img.Pix[j+2] = src[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// tailBuffer keeps the last limit bytes written
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
