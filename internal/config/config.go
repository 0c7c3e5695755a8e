package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix namespaces every environment variable, e.g. ROLLCALL_STORE.
const Prefix = "ROLLCALL"

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	// Persistence
	StorePath     string `envconfig:"STORE" default:"data/face_embeddings.bin"`
	AttendanceLog string `envconfig:"ATTENDANCE_LOG" default:"data/attendance.txt"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`

	// Matching
	Threshold float32       `envconfig:"THRESHOLD" default:"0.6"`
	Cooldown  time.Duration `envconfig:"COOLDOWN" default:"0s"`
	QueueSize int           `envconfig:"QUEUE_SIZE" default:"1"`

	// Capture
	Camera      string `envconfig:"CAMERA" default:"/dev/video0"`
	Capture     string `envconfig:"CAPTURE" default:"ffmpeg"`
	FrameWidth  int    `envconfig:"FRAME_WIDTH" default:"640"`
	FrameHeight int    `envconfig:"FRAME_HEIGHT" default:"480"`
	FPS         int    `envconfig:"FPS" default:"5"`

	// Detection
	CascadePath string `envconfig:"CASCADE" default:"/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml"`
	MinFaceSize int    `envconfig:"MIN_FACE" default:"60"`

	// Embedding
	Extractor     string `envconfig:"EXTRACTOR" default:"onnx"`
	ModelPath     string `envconfig:"MODEL" default:"models/facenet.onnx"`
	ONNXLibrary   string `envconfig:"ONNX_LIBRARY"`
	ModelInput    string `envconfig:"MODEL_INPUT" default:"input"`
	ModelOutput   string `envconfig:"MODEL_OUTPUT" default:"embeddings"`
	EmbeddingDim  int    `envconfig:"EMBEDDING_DIM" default:"128"`
	WorkerCommand string `envconfig:"WORKER_CMD" default:"python3 -u python/embed_worker.py"`
}

// Load reads envFile (or ./.env when envFile is empty and the file exists),
// then the ROLLCALL_* environment, and validates the result.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string

	switch c.Environment {
	case "development", "production":
	default:
		problems = append(problems, fmt.Sprintf("ENV must be development or production, got %q", c.Environment))
	}
	if c.StorePath == "" {
		problems = append(problems, "STORE must not be empty")
	}
	if c.AttendanceLog == "" {
		problems = append(problems, "ATTENDANCE_LOG must not be empty")
	}
	if !(c.Threshold > 0) {
		problems = append(problems, fmt.Sprintf("THRESHOLD must be positive, got %v", c.Threshold))
	}
	if c.Cooldown < 0 {
		problems = append(problems, fmt.Sprintf("COOLDOWN must not be negative, got %v", c.Cooldown))
	}
	if c.QueueSize < 1 || c.QueueSize > 2 {
		problems = append(problems, fmt.Sprintf("QUEUE_SIZE must be 1 or 2, got %d", c.QueueSize))
	}
	switch c.Capture {
	case "ffmpeg", "v4l2":
	default:
		problems = append(problems, fmt.Sprintf("CAPTURE must be ffmpeg or v4l2, got %q", c.Capture))
	}
	switch c.Extractor {
	case "onnx", "worker":
	default:
		problems = append(problems, fmt.Sprintf("EXTRACTOR must be onnx or worker, got %q", c.Extractor))
	}
	if c.EmbeddingDim <= 0 {
		problems = append(problems, fmt.Sprintf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim))
	}
	if c.Extractor == "worker" && len(c.WorkerArgs()) == 0 {
		problems = append(problems, "WORKER_CMD must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WorkerArgs splits WorkerCommand on whitespace.
func (c *Config) WorkerArgs() []string {
	return strings.Fields(c.WorkerCommand)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
