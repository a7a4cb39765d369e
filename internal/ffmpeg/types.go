package ffmpeg

import "time"

// VideoInfo contains metadata about a video file. Width and Height are the
// decoded size, after display rotation is applied.
type VideoInfo struct {
	FilePath   string
	Duration   time.Duration
	Width      int
	Height     int
	Rotation   int
	FPS        float64
	FrameCount int
	Bitrate    int64
	VideoCodec string
	HasAudio   bool
}

// FrameSize returns the byte length of one rgb24 frame
func (v *VideoInfo) FrameSize() int {
	return v.Width * v.Height * 3
}
