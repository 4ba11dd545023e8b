package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/camera"
	"github.com/example/facepay/internal/capture"
	"github.com/example/facepay/internal/detector"
	"github.com/example/facepay/internal/framecapture"
	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/session"
	"github.com/example/facepay/internal/uploadclient"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture the six face poses and register them",
	Long: `Guides the user through FRONT, LEFT, RIGHT, UP, DOWN and SMILE_TILT,
capturing each pose automatically once it has been held. While running,
type a command and press enter:

  c | continue        capture the current pose now (must be aligned)
  r | retake <POSE>   discard a captured pose and capture it again
  retry               resubmit the batch after a failed upload
  q | quit            abort the session`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
}

type commandKind int

const (
	cmdContinue commandKind = iota
	cmdRetake
	cmdRetry
	cmdQuit
)

type userCommand struct {
	kind commandKind
	pose pose.Pose
}

func parseCommand(line string) (userCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return userCommand{}, errors.New("empty command")
	}
	switch strings.ToLower(fields[0]) {
	case "c", "continue":
		return userCommand{kind: cmdContinue}, nil
	case "retry":
		return userCommand{kind: cmdRetry}, nil
	case "q", "quit", "exit":
		return userCommand{kind: cmdQuit}, nil
	case "r", "retake":
		if len(fields) < 2 {
			return userCommand{}, errors.New("retake needs a pose")
		}
		p, err := pose.Parse(strings.Join(fields[1:], " "))
		if err != nil {
			return userCommand{}, err
		}
		return userCommand{kind: cmdRetake, pose: p}, nil
	}
	return userCommand{}, fmt.Errorf("unknown command %q", fields[0])
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	loader, err := detectorLoader(cfg.Detector, logger)
	if err != nil {
		return err
	}

	ctrl := session.New(
		cameraSource(cfg.Camera, logger),
		loader,
		framecapture.Capturer{Quality: cfg.Capture.Quality, Mirror: cfg.Capture.Mirror},
		uploadclient.New(cfg.Server, logger),
		nil,
		logger,
		session.Options{
			TickInterval: cfg.Capture.TickInterval,
			Machine:      capture.Options{Debounce: cfg.Capture.Debounce, Cooldown: cfg.Capture.Cooldown},
			PreviewDir:   cfg.Capture.PreviewDir,
			Convention:   cfg.Capture.Convention(),
			Registration: cfg.Registration,
		},
	)

	bar := progressbar.NewOptions(pose.Count,
		progressbar.OptionSetDescription(pose.Front.Prompt()),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	go renderStatus(ctx, ctrl.Events(), bar)

	retries := make(chan struct{}, 1)
	go dispatch(ctx, ctrl, readLines(os.Stdin), retries, cancel)

	result, err := ctrl.Run(ctx)
	for err != nil && uploadFailed(err) {
		fmt.Fprintf(os.Stderr, "\nupload failed: %v\ntype 'retry' to resubmit or 'quit' to abort\n", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retries:
			result, err = ctrl.Resubmit(ctx)
		}
	}
	if err != nil {
		return describeCaptureError(err)
	}

	_ = bar.Finish()
	printResult(os.Stdout, result)
	return nil
}

func renderStatus(ctx context.Context, events <-chan session.Status, bar *progressbar.ProgressBar) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-events:
			_ = bar.Set(s.Captured)
			bar.Describe(describeStatus(s))
		}
	}
}

func describeStatus(s session.Status) string {
	if s.State == capture.StateComplete {
		return "All poses captured, uploading"
	}
	hint := "no face"
	switch {
	case s.Aligned:
		hint = "hold still"
	case s.FaceFound:
		hint = "adjust"
	}
	return fmt.Sprintf("%s [%s]", s.Target.Prompt(), hint)
}

func dispatch(ctx context.Context, ctrl *session.Controller, lines <-chan string, retries chan<- struct{}, cancel context.CancelFunc) {
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		uc, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		switch uc.kind {
		case cmdQuit:
			cancel()
			return
		case cmdRetry:
			select {
			case retries <- struct{}{}:
			default:
			}
		case cmdContinue:
			err = ctrl.Continue(ctx)
		case cmdRetake:
			err = ctrl.Retake(ctx, uc.pose)
		}
		if err != nil {
			logger.Debug("command rejected", zap.Error(err))
			fmt.Fprintln(os.Stderr, commandMessage(err))
		}
	}
}

func commandMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrNotAligned):
		return "not aligned yet, follow the prompt before continuing"
	case errors.Is(err, capture.ErrCaptureInFlight):
		return "a capture is already in progress"
	case errors.Is(err, session.ErrNotRunning):
		return "no capture session is running"
	}
	return err.Error()
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- scanner.Text()
		}
	}()
	return out
}

func uploadFailed(err error) bool {
	var (
		uploadErr  *uploadclient.UploadError
		incomplete *uploadclient.IncompleteUploadError
		regErr     *uploadclient.RegistrationError
	)
	return errors.As(err, &uploadErr) || errors.As(err, &incomplete) || errors.As(err, &regErr)
}

func describeCaptureError(err error) error {
	switch {
	case errors.Is(err, camera.ErrUnavailable):
		return fmt.Errorf("camera unavailable, check the device or use --camera-dir: %w", err)
	case errors.Is(err, detector.ErrModelLoad):
		return fmt.Errorf("face detection model could not be loaded: %w", err)
	case errors.Is(err, context.Canceled):
		return errors.New("capture aborted")
	}
	return err
}

func printResult(w io.Writer, result *uploadclient.Result) {
	fmt.Fprintf(w, "registered user %s (%s)\n", result.User.ID, result.User.Email)
	for _, p := range pose.Sequence {
		fmt.Fprintf(w, "  %-10s %s\n", p, result.URLs[p])
	}
	fmt.Fprintf(w, "token: %s\n", result.Token)
}
