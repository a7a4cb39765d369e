package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kikiluvv/examguard/internal/landmarks"
	"github.com/kikiluvv/examguard/internal/proctor"
	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EXAMGUARD_"

// Config holds all application configuration
type Config struct {
	// Core settings
	WorkDir   string `yaml:"work_dir"`
	LogFormat string `yaml:"log_format"`

	FFmpeg   FFmpegConfig   `yaml:"ffmpeg"`
	Models   ModelsConfig   `yaml:"models"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Store    StoreConfig    `yaml:"store"`
	Journal  JournalConfig  `yaml:"journal"`
}

type FFmpegConfig struct {
	BinaryPath string `yaml:"binary_path"`
	ProbePath  string `yaml:"probe_path"`
	Threads    int    `yaml:"threads"`
}

type ModelsConfig struct {
	RuntimeLibrary   string   `yaml:"runtime_library"`
	FaceDetector     string   `yaml:"face_detector"`
	FaceLandmarks    string   `yaml:"face_landmarks"`
	MaxFaces         int      `yaml:"max_faces"`
	FaceInputSize    int      `yaml:"face_input_size"`
	ObjectDetector   string   `yaml:"object_detector"`
	ObjectInputSize  int      `yaml:"object_input_size"`
	ObjectConfidence float64  `yaml:"object_confidence"`
	Prohibited       []string `yaml:"prohibited"`
}

// AnalysisConfig exposes the scoring policy and loop pacing.
type AnalysisConfig struct {
	FrameSkip         int           `yaml:"frame_skip"`
	CalibrationFrames int           `yaml:"calibration_frames"`
	SmoothingFactor   float64       `yaml:"smoothing_factor"`
	DisplayBands      []float64     `yaml:"display_bands"`
	EventThreshold    float64       `yaml:"event_threshold"`
	VerdictThreshold  float64       `yaml:"verdict_threshold"`
	TalkingGap        float64       `yaml:"talking_gap"`
	ExcessiveTalking  int           `yaml:"excessive_talking"`
	NominalFPS        float64       `yaml:"nominal_fps"`
	EventClock        string        `yaml:"event_clock"`
	GazeLeft          float64       `yaml:"gaze_left"`
	GazeRight         float64       `yaml:"gaze_right"`
	PausePoll         time.Duration `yaml:"pause_poll"`
	FrameDelay        time.Duration `yaml:"frame_delay"`
}

type MonitorConfig struct {
	Addr      string  `yaml:"addr"`
	FrameRate float64 `yaml:"frame_rate"`
	LogLines  int     `yaml:"log_lines"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Load reads configuration from file or returns defaults. A .env file in
// the working directory and EXAMGUARD_* variables are applied on top.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse %s", path)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(err, "check the analysis block of your config file")
	}
	return cfg, nil
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	a := c.Analysis
	if a.FrameSkip < 1 {
		return errors.Newf("frame_skip must be >= 1, got %d", a.FrameSkip)
	}
	if len(a.DisplayBands) != 2 {
		return errors.Newf("display_bands needs exactly two values, got %d", len(a.DisplayBands))
	}
	if a.GazeLeft >= a.GazeRight {
		return errors.Newf("gaze_left (%v) must be below gaze_right (%v)", a.GazeLeft, a.GazeRight)
	}
	if a.PausePoll <= 0 {
		return errors.Newf("pause_poll must be positive, got %v", a.PausePoll)
	}
	if a.FrameDelay < 0 {
		return errors.Newf("frame_delay must not be negative, got %v", a.FrameDelay)
	}
	if err := c.ScoringParams().Validate(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "sqlite3", "pgx":
	default:
		return errors.Newf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Models.MaxFaces < 1 {
		return errors.Newf("max_faces must be >= 1, got %d", c.Models.MaxFaces)
	}
	if c.Monitor.FrameRate < 0 {
		return errors.Newf("monitor frame_rate must not be negative, got %v", c.Monitor.FrameRate)
	}
	return nil
}

// ScoringParams converts the analysis block to scoring policy.
func (c *Config) ScoringParams() proctor.Params {
	a := c.Analysis
	p := proctor.Params{
		CalibrationFrames: a.CalibrationFrames,
		SmoothingFactor:   a.SmoothingFactor,
		EventThreshold:    a.EventThreshold,
		VerdictThreshold:  a.VerdictThreshold,
		TalkingGap:        a.TalkingGap,
		ExcessiveTalking:  a.ExcessiveTalking,
		NominalFPS:        a.NominalFPS,
		EventClock:        proctor.EventClock(a.EventClock),
	}
	if len(a.DisplayBands) == 2 {
		p.LowBand, p.HighBand = a.DisplayBands[0], a.DisplayBands[1]
	}
	return p
}

// GazeThresholds returns the configured gaze split points.
func (c *Config) GazeThresholds() landmarks.GazeThresholds {
	return landmarks.GazeThresholds{Left: c.Analysis.GazeLeft, Right: c.Analysis.GazeRight}
}

// JournalDir resolves the journal directory against the work dir.
func (c *Config) JournalDir() string {
	if c.Journal.Dir != "" {
		return c.Journal.Dir
	}
	return filepath.Join(c.WorkDir, "journal")
}

func defaultConfig() *Config {
	p := proctor.DefaultParams()
	g := landmarks.DefaultGazeThresholds()

	return &Config{
		WorkDir:   "./work",
		LogFormat: "console",
		FFmpeg: FFmpegConfig{
			BinaryPath: "ffmpeg",
			ProbePath:  "ffprobe",
			Threads:    0,
		},
		Models: ModelsConfig{
			FaceDetector:     "./models/face_detection_short_range.onnx",
			FaceLandmarks:    "./models/face_landmark.onnx",
			MaxFaces:         1,
			FaceInputSize:    192,
			ObjectDetector:   "./models/yolov8n.onnx",
			ObjectInputSize:  640,
			ObjectConfidence: 0.5,
			Prohibited:       []string{"cell phone", "book", "laptop", "paper"},
		},
		Analysis: AnalysisConfig{
			FrameSkip:         4,
			CalibrationFrames: p.CalibrationFrames,
			SmoothingFactor:   p.SmoothingFactor,
			DisplayBands:      []float64{p.LowBand, p.HighBand},
			EventThreshold:    p.EventThreshold,
			VerdictThreshold:  p.VerdictThreshold,
			TalkingGap:        p.TalkingGap,
			ExcessiveTalking:  p.ExcessiveTalking,
			NominalFPS:        p.NominalFPS,
			EventClock:        string(p.EventClock),
			GazeLeft:          g.Left,
			GazeRight:         g.Right,
			PausePoll:         100 * time.Millisecond,
			FrameDelay:        10 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Addr:      "127.0.0.1:8765",
			FrameRate: 5,
			LogLines:  200,
		},
		Store: StoreConfig{
			Enabled: true,
			Driver:  "sqlite3",
			DSN:     "./work/examguard.db",
		},
	}
}

// Default returns a fresh default configuration.
func Default() *Config {
	return defaultConfig()
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"WORK_DIR":      &c.WorkDir,
		"LOG_FORMAT":    &c.LogFormat,
		"FFMPEG_PATH":   &c.FFmpeg.BinaryPath,
		"FFPROBE_PATH":  &c.FFmpeg.ProbePath,
		"ONNX_LIBRARY":  &c.Models.RuntimeLibrary,
		"FACE_MODEL":    &c.Models.FaceLandmarks,
		"FACE_DETECTOR": &c.Models.FaceDetector,
		"OBJECT_MODEL":  &c.Models.ObjectDetector,
		"MONITOR_ADDR":  &c.Monitor.Addr,
		"STORE_DRIVER":  &c.Store.Driver,
		"STORE_DSN":     &c.Store.DSN,
		"JOURNAL_DIR":   &c.Journal.Dir,
		"EVENT_CLOCK":   &c.Analysis.EventClock,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"STORE_ENABLED":   &c.Store.Enabled,
		"JOURNAL_ENABLED": &c.Journal.Enabled,
	}
	for key, dst := range bools {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, key)
		}
		*dst = b
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{
		"./config.yaml",
		"./config.yml",
		filepath.Join(os.Getenv("HOME"), ".examguard", "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
