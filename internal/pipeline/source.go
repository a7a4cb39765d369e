package pipeline

import (
	"context"
	"image"

	"github.com/kikiluvv/examguard/internal/ffmpeg"
)

type ffmpegOpener struct {
	exec *ffmpeg.Executor
}

func (o *ffmpegOpener) Open(ctx context.Context, path string) (Source, error) {
	reader, err := o.exec.OpenFrames(ctx, path)
	if err != nil {
		return nil, err
	}
	return &ffmpegSource{name: path, reader: reader}, nil
}

// ffmpegSource adapts a decoder pipe to Source.
type ffmpegSource struct {
	name   string
	reader *ffmpeg.FrameReader
}

func (s *ffmpegSource) Info() SourceInfo {
	info := s.reader.Info()
	return SourceInfo{
		Name:        s.name,
		FPS:         info.FPS,
		TotalFrames: info.FrameCount,
		Width:       info.Width,
		Height:      info.Height,
	}
}

func (s *ffmpegSource) Next() (image.Image, error) {
	frame, err := s.reader.Next()
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *ffmpegSource) Close() error {
	return s.reader.Close()
}
