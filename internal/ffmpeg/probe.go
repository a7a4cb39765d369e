package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"time"

	"github.com/kikiluvv/examguard/pkg/util"
)

// ProbeVideo extracts metadata from a video file
func (e *Executor) ProbeVideo(ctx context.Context, filePath string) (*VideoInfo, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path is required")
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	}

	cmd := exec.CommandContext(ctx, e.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	info, err := parseProbe(output)
	if err != nil {
		return nil, err
	}
	info.FilePath = filePath

	e.logger.Debug().
		Str("file", filePath).
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("fps", info.FPS).
		Int("frames", info.FrameCount).
		Msg("probed video")

	return info, nil
}

// parseProbe turns ffprobe JSON into VideoInfo. The frame count falls back
// to duration * fps when the container omits nb_frames.
func parseProbe(output []byte) (*VideoInfo, error) {
	var probe probeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &VideoInfo{}

	// Parse duration
	if dur, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(dur * float64(time.Second))
	}

	// Parse bitrate
	if br, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
		info.Bitrate = br
	}

	video := false
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if video {
				continue
			}
			video = true
			info.Width = stream.Width
			info.Height = stream.Height
			info.VideoCodec = stream.CodecName
			info.Rotation = stream.rotation()

			// ffmpeg autorotates on decode, so quarter turns swap the output size
			if info.Rotation%180 != 0 {
				info.Width, info.Height = info.Height, info.Width
			}

			// Prefer avg_frame_rate; r_frame_rate is the container tick rate
			info.FPS = util.ParseFrameRate(stream.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = util.ParseFrameRate(stream.RFrameRate)
			}

			if n, err := strconv.Atoi(stream.NbFrames); err == nil {
				info.FrameCount = n
			}
		case "audio":
			info.HasAudio = true
		}
	}

	if !video || info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("no decodable video stream")
	}

	if info.FrameCount == 0 && info.FPS > 0 {
		info.FrameCount = int(math.Round(info.Duration.Seconds() * info.FPS))
	}

	return info, nil
}

// probeResult matches ffprobe JSON output structure
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
	Tags         struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		SideDataType string  `json:"side_data_type"`
		Rotation     float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// rotation returns the display rotation in degrees, normalized to
// 0, 90, 180 or 270. Display matrix side data wins over the legacy
// rotate tag.
func (s probeStream) rotation() int {
	deg := 0
	found := false
	for _, sd := range s.SideDataList {
		if sd.SideDataType == "Display Matrix" || sd.Rotation != 0 {
			deg = int(math.Round(sd.Rotation))
			found = true
			break
		}
	}
	if !found {
		if r, err := strconv.Atoi(s.Tags.Rotate); err == nil {
			deg = r
		}
	}
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}
