// Package camera acquires frames from a capture device.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the device cannot be opened, typically
// because permission was denied or nothing is plugged in.
var ErrUnavailable = errors.New("camera unavailable")

// ErrClosed is returned by Frame after Close.
var ErrClosed = errors.New("camera stream closed")

// Source opens a camera stream.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields the most recent frame from an open camera.
type Stream interface {
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// V4L2Source opens a V4L2 device that can deliver MJPEG frames. Outside
// Linux, Open always fails with ErrUnavailable.
type V4L2Source struct {
	Device string
	Width  uint32
	Height uint32
	Logger *zap.Logger
}

// DirSource replays the JPEG/PNG files of a directory in name order,
// looping forever. It stands in for a device when recording demos or
// running on machines without V4L2.
type DirSource struct {
	Dir string
}

// Open implements Source.
func (s DirSource) Open(ctx context.Context) (Stream, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(s.Dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", ErrUnavailable, s.Dir)
	}
	sort.Strings(paths)
	return &dirStream{paths: paths}, nil
}

type dirStream struct {
	mu     sync.Mutex
	paths  []string
	next   int
	closed bool
}

func (d *dirStream) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	path := d.paths[d.next]
	d.next = (d.next + 1) % len(d.paths)
	d.mu.Unlock()

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", path, err)
	}
	return img, nil
}

func (d *dirStream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
