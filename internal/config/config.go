// Package config loads process configuration. The server reads environment
// variables only; the capture CLI reads an optional YAML file whose values
// environment variables override.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/storage"
	"github.com/example/facepay/internal/uploadclient"
)

// Server is the configuration of the HTTP server binary.
type Server struct {
	Addr            string
	DatabaseDSN     string
	RedisAddr       string
	CacheNamespace  string
	JWTSecret       string
	JWTAudience     string
	LogLevel        string
	ShutdownTimeout time.Duration
	Storage         storage.Config
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (Server, error) {
	cfg := Server{
		Addr:           ":" + getEnv("PORT", "8080"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=facepay port=5432 sslmode=disable"),
		RedisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		CacheNamespace: os.Getenv("REDIS_NAMESPACE"),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:    os.Getenv("JWT_AUDIENCE"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Storage: storage.Config{
			Endpoint:  getEnv("S3_ENDPOINT", "minio:9000"),
			AccessKey: os.Getenv("ACCESS_KEY"),
			SecretKey: os.Getenv("SECRET_KEY"),
			Bucket:    getEnv("S3_BUCKET", "facepay"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},
	}

	var err error
	if cfg.Storage.Secure, err = parseBool("S3_SECURE", false); err != nil {
		return Server{}, err
	}
	if cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// CLI is the configuration of the facecapture command.
type CLI struct {
	Server       string                    `yaml:"server"`
	Token        string                    `yaml:"token"`
	Camera       Camera                    `yaml:"camera"`
	Detector     Detector                  `yaml:"detector"`
	Capture      Capture                   `yaml:"capture"`
	Stream       Stream                    `yaml:"stream"`
	Registration uploadclient.Registration `yaml:"registration"`
}

// Camera selects the frame source. Dir wins over Device when both are set.
type Camera struct {
	Device string `yaml:"device"`
	Dir    string `yaml:"dir"`
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

// Detector selects the face detection backend: "grpc" or "dlib".
type Detector struct {
	Backend   string `yaml:"backend"`
	Addr      string `yaml:"addr"`
	ModelsDir string `yaml:"models_dir"`
}

// Capture tunes the capture session.
type Capture struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	Debounce         time.Duration `yaml:"debounce"`
	Cooldown         time.Duration `yaml:"cooldown"`
	Quality          int           `yaml:"quality"`
	Mirror           bool          `yaml:"mirror"`
	MirrorConvention string        `yaml:"mirror_convention"`
	PreviewDir       string        `yaml:"preview_dir"`
}

// Stream tunes the live frame stream.
type Stream struct {
	URL      string        `yaml:"url"`
	UserID   string        `yaml:"user_id"`
	Interval time.Duration `yaml:"interval"`
	Quality  int           `yaml:"quality"`
}

// DefaultCLI returns the configuration used when no file is given.
func DefaultCLI() CLI {
	return CLI{
		Server:   "http://localhost:8080",
		Camera:   Camera{Device: "/dev/video0", Width: 640, Height: 480},
		Detector: Detector{Backend: "grpc", Addr: "localhost:50051", ModelsDir: "models"},
		Capture: Capture{
			TickInterval:     time.Second / 30,
			Debounce:         800 * time.Millisecond,
			Cooldown:         600 * time.Millisecond,
			Quality:          90,
			Mirror:           true,
			MirrorConvention: "mirrored",
		},
		Stream: Stream{
			URL:      "ws://localhost:8080/stream",
			Interval: 200 * time.Millisecond,
			Quality:  75,
		},
	}
}

// LoadCLI builds the CLI configuration from defaults, the YAML file at path
// (skipped when path is empty) and FACEPAY_* environment variables, in that
// order of precedence.
func LoadCLI(path string) (CLI, error) {
	cfg := DefaultCLI()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return CLI{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return CLI{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Server = getEnv("FACEPAY_SERVER", cfg.Server)
	cfg.Token = getEnv("FACEPAY_TOKEN", cfg.Token)
	cfg.Camera.Device = getEnv("FACEPAY_CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Camera.Dir = getEnv("FACEPAY_CAMERA_DIR", cfg.Camera.Dir)
	cfg.Detector.Backend = getEnv("FACEPAY_DETECTOR", cfg.Detector.Backend)
	cfg.Detector.Addr = getEnv("FACEPAY_DETECTOR_ADDR", cfg.Detector.Addr)
	cfg.Detector.ModelsDir = getEnv("FACEPAY_MODELS_DIR", cfg.Detector.ModelsDir)
	cfg.Stream.URL = getEnv("FACEPAY_STREAM_URL", cfg.Stream.URL)

	if err := cfg.Validate(); err != nil {
		return CLI{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a session.
func (c CLI) Validate() error {
	if c.Server == "" {
		return errors.New("server is required")
	}
	switch c.Detector.Backend {
	case "grpc", "dlib":
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	if _, err := pose.ParseConvention(c.Capture.MirrorConvention); err != nil {
		return err
	}
	if c.Capture.Quality < 1 || c.Capture.Quality > 100 {
		return fmt.Errorf("capture quality %d out of range", c.Capture.Quality)
	}
	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return fmt.Errorf("stream quality %d out of range", c.Stream.Quality)
	}
	if c.Capture.TickInterval <= 0 || c.Stream.Interval <= 0 {
		return errors.New("intervals must be positive")
	}
	return nil
}

// Convention returns the parsed mirror convention. Validate guarantees it
// parses.
func (c Capture) Convention() pose.Convention {
	conv, _ := pose.ParseConvention(c.MirrorConvention)
	return conv
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
