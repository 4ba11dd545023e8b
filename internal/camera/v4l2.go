//go:build linux

package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// pixFmtMJPEG is the V4L2 fourcc 'MJPG'.
const pixFmtMJPEG webcam.PixelFormat = 0x47504A4D

// Open implements Source.
func (s V4L2Source) Open(ctx context.Context) (Stream, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cam, err := webcam.Open(s.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, s.Device, err)
	}

	formats := cam.GetSupportedFormats()
	if _, ok := formats[pixFmtMJPEG]; !ok {
		cam.Close()
		return nil, fmt.Errorf("%w: %s does not support MJPEG", ErrUnavailable, s.Device)
	}
	width, height := s.Width, s.Height
	if width == 0 || height == 0 {
		width, height = 640, 480
	}
	_, w, h, err := cam.SetImageFormat(pixFmtMJPEG, width, height)
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: set format: %v", ErrUnavailable, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: start streaming: %v", ErrUnavailable, err)
	}
	logger.Info("camera streaming", zap.String("device", s.Device), zap.Uint32("width", w), zap.Uint32("height", h))
	return &v4l2Stream{cam: cam}, nil
}

type v4l2Stream struct {
	mu     sync.Mutex
	cam    *webcam.Webcam
	closed bool
}

// frameTimeoutSeconds bounds a single WaitForFrame call.
const frameTimeoutSeconds = 2

func (v *v4l2Stream) Frame(ctx context.Context) (image.Image, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := v.cam.WaitForFrame(frameTimeoutSeconds)
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("wait for frame: %w", err)
		}
		raw, err := v.cam.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		// The driver reuses its buffer; decode before the next read.
		img, err := imaging.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame: %w", err)
		}
		return img, nil
	}
}

func (v *v4l2Stream) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	_ = v.cam.StopStreaming()
	return v.cam.Close()
}
