package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/ingest"
	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/streamclient"
)

var streamOpts struct {
	duration time.Duration
	userID   string
	interval time.Duration
	quality  int
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream live frames to the server for verification",
	RunE:  runStream,
}

func init() {
	streamCmd.Flags().DurationVarP(&streamOpts.duration, "duration", "d", 10*time.Second, "How long to stream; 0 streams until interrupted")
	streamCmd.Flags().StringVar(&streamOpts.userID, "user-id", "", "User id sent with each frame (defaults to the token subject)")
	streamCmd.Flags().DurationVar(&streamOpts.interval, "interval", 0, "Time between frames (default from config)")
	streamCmd.Flags().IntVar(&streamOpts.quality, "quality", 0, "JPEG quality 1-100 (default from config)")
	rootCmd.AddCommand(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if streamOpts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamOpts.duration)
		defer cancel()
	}

	opts := streamclient.Options{
		URL:      cfg.Stream.URL,
		Token:    cfg.Token,
		UserID:   cfg.Stream.UserID,
		Interval: cfg.Stream.Interval,
		Quality:  cfg.Stream.Quality,
		Mirror:   cfg.Capture.Mirror,
	}
	if cmd.Flags().Changed("user-id") {
		opts.UserID = streamOpts.userID
	}
	if streamOpts.interval > 0 {
		opts.Interval = streamOpts.interval
	}
	if streamOpts.quality > 0 {
		opts.Quality = streamOpts.quality
	}

	cam, err := cameraSource(cfg.Camera, logger).Open(ctx)
	if err != nil {
		return describeCaptureError(err)
	}
	defer cam.Close()

	client := streamclient.New(cam, nil, logger, opts)
	if err := client.Dial(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Streaming frames"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowBytes(true),
	)

	var saved, failed int
	defer func() {
		_ = bar.Finish()
		fmt.Fprintf(os.Stdout, "\nframes saved: %d, failed: %d, dropped: %d\n", saved, failed, client.Dropped())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			_, err := client.Status()
			if errors.Is(err, streamclient.ErrStreamDisconnected) {
				return fmt.Errorf("stream closed by server, reconnect with a new session: %w", err)
			}
			return err
		case ack := <-client.Acks():
			switch ack.Type {
			case ingest.TypeFrameSaved:
				saved++
				_ = bar.Add(ack.Bytes)
			case ingest.TypeSaveError:
				failed++
				logging.WithOperation(logger, "facecapture.stream", ack.ID).Warn("frame not saved", zap.String("message", ack.Message))
			}
		}
	}
}
