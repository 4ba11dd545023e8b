package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/camera"
	"github.com/example/facepay/internal/config"
	"github.com/example/facepay/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

var (
	cfg    config.CLI
	logger *zap.Logger

	configPath string
	verbose    bool
	overrides  flagOverrides
)

// flagOverrides holds values given on the command line. They are applied on
// top of the loaded configuration only when the flag was set.
type flagOverrides struct {
	server       string
	token        string
	cameraDir    string
	device       string
	detector     string
	detectorAddr string
	modelsDir    string
	convention   string
	noMirror     bool
}

var rootCmd = &cobra.Command{
	Use:           "facecapture",
	Short:         "Pose-guided face capture and live verification streaming",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadCLI(configPath)
		if err != nil {
			return err
		}
		cfg = applyOverrides(loaded, overrides, cmd.Flags().Changed)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}

		logger, err = logging.NewCLILogger(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	flags.StringVar(&overrides.server, "server", "", "facepay server base URL")
	flags.StringVar(&overrides.token, "token", "", "Bearer token for the stream")
	flags.StringVar(&overrides.cameraDir, "camera-dir", "", "Replay frames from a directory instead of a device")
	flags.StringVar(&overrides.device, "device", "", "V4L2 device path")
	flags.StringVar(&overrides.detector, "detector", "", "Face detector backend (grpc or dlib)")
	flags.StringVar(&overrides.detectorAddr, "detector-addr", "", "Address of the gRPC detector sidecar")
	flags.StringVar(&overrides.modelsDir, "models-dir", "", "Directory holding the dlib models")
	flags.StringVar(&overrides.convention, "convention", "", "LEFT/RIGHT convention: mirrored or raw")
	flags.BoolVar(&overrides.noMirror, "no-mirror", false, "Store frames as the camera sees them")
}

func applyOverrides(c config.CLI, o flagOverrides, changed func(string) bool) config.CLI {
	if changed("server") {
		c.Server = o.server
	}
	if changed("token") {
		c.Token = o.token
	}
	if changed("camera-dir") {
		c.Camera.Dir = o.cameraDir
	}
	if changed("device") {
		c.Camera.Device = o.device
		c.Camera.Dir = ""
	}
	if changed("detector") {
		c.Detector.Backend = o.detector
	}
	if changed("detector-addr") {
		c.Detector.Addr = o.detectorAddr
	}
	if changed("models-dir") {
		c.Detector.ModelsDir = o.modelsDir
	}
	if changed("convention") {
		c.Capture.MirrorConvention = o.convention
	}
	if changed("no-mirror") {
		c.Capture.Mirror = !o.noMirror
	}
	return c
}

func cameraSource(c config.Camera, log *zap.Logger) camera.Source {
	if c.Dir != "" {
		return camera.DirSource{Dir: c.Dir}
	}
	return camera.V4L2Source{Device: c.Device, Width: c.Width, Height: c.Height, Logger: log}
}
