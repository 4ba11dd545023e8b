package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/facepay/internal/pose"
)

func TestLoadServerDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "JWT_SECRET", "S3_SECURE", "SHUTDOWN_TIMEOUT", "S3_BUCKET"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.JWTSecret != "dev-secret" || cfg.Storage.Bucket != "facepay" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Storage.Secure || cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("S3_SECURE", "true")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("S3_PUBLIC_URL", "https://cdn.example.com")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9090" || !cfg.Storage.Secure || cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.PublicURL != "https://cdn.example.com" {
		t.Fatalf("unexpected public url %q", cfg.Storage.PublicURL)
	}

	t.Setenv("S3_SECURE", "maybe")
	if _, err := LoadServer(); err == nil || !strings.Contains(err.Error(), "S3_SECURE") {
		t.Fatalf("expected S3_SECURE parse error, got %v", err)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facecapture.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCLIFileAndEnvPrecedence(t *testing.T) {
	t.Setenv("FACEPAY_SERVER", "")
	t.Setenv("FACEPAY_DETECTOR_ADDR", "detector:6000")

	path := writeConfig(t, `
server: https://pay.example.com
detector:
  addr: from-file:50051
capture:
  debounce: 500ms
  mirror: false
  mirror_convention: raw
registration:
  name: Ada
  account_number: "0123456789"
`)

	cfg, err := LoadCLI(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server != "https://pay.example.com" {
		t.Fatalf("file value not applied: %q", cfg.Server)
	}
	if cfg.Detector.Addr != "detector:6000" {
		t.Fatalf("env should override file, got %q", cfg.Detector.Addr)
	}
	if cfg.Detector.Backend != "grpc" || cfg.Capture.Cooldown != 600*time.Millisecond {
		t.Fatalf("defaults lost for unset keys: %+v", cfg)
	}
	if cfg.Capture.Debounce != 500*time.Millisecond || cfg.Capture.Mirror {
		t.Fatalf("capture section not applied: %+v", cfg.Capture)
	}
	if cfg.Capture.Convention() != pose.RawView {
		t.Fatalf("expected raw convention")
	}
	if cfg.Registration.Name != "Ada" || cfg.Registration.AccountNumber != "0123456789" {
		t.Fatalf("registration not decoded: %+v", cfg.Registration)
	}
}

func TestLoadCLIRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"backend":    "detector:\n  backend: opencv\n",
		"convention": "capture:\n  mirror_convention: sideways\n",
		"quality":    "stream:\n  quality: 0\n",
		"yaml":       "server: [",
	}
	for name, body := range cases {
		if _, err := LoadCLI(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := LoadCLI(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadCLIWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("FACEPAY_SERVER", "")
	cfg, err := LoadCLI("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.Quality != 90 || !cfg.Capture.Mirror || cfg.Stream.Interval != 200*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
