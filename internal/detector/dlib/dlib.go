//go:build dlib

// Package dlib runs face detection on-device with dlib through go-face.
// Build with -tags dlib; it needs the dlib and libjpeg development headers
// and the go-face model files.
package dlib

import (
	"context"
	"image"
	"sync"

	goface "github.com/Kagami/go-face"

	"github.com/example/facepay/internal/detector"
	"github.com/example/facepay/internal/face"
)

// Loader returns a detector.Loader that reads the models from modelsDir.
func Loader(modelsDir string) detector.Loader {
	return func(ctx context.Context) (detector.Model, error) {
		type result struct {
			rec *goface.Recognizer
			err error
		}
		done := make(chan result, 1)
		go func() {
			rec, err := goface.NewRecognizer(modelsDir)
			done <- result{rec, err}
		}()
		select {
		case <-ctx.Done():
			go func() {
				if r := <-done; r.rec != nil {
					r.rec.Close()
				}
			}()
			return nil, detector.LoadError(ctx.Err())
		case r := <-done:
			if r.err != nil {
				return nil, detector.LoadError(r.err)
			}
			return &model{rec: r.rec}, nil
		}
	}
}

type model struct {
	mu  sync.Mutex
	rec *goface.Recognizer
}

func (m *model) Detect(ctx context.Context, frame image.Image) (*face.Observation, error) {
	payload, err := detector.EncodeFrame(frame)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	faces, err := m.rec.Recognize(payload)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	candidates := make([]face.Observation, 0, len(faces))
	for _, f := range faces {
		candidates = append(candidates, observation(f.Rectangle, f.Shapes))
	}
	return detector.Largest(candidates), nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Close()
	return nil
}

// observation reorders dlib landmarks into [eye, eye, nose, ...] so the
// nose lands on face.NoseIndex.
func observation(r image.Rectangle, shapes []image.Point) face.Observation {
	obs := face.Observation{
		Box: face.Box{
			Min: face.Point{X: float64(r.Min.X), Y: float64(r.Min.Y)},
			Max: face.Point{X: float64(r.Max.X), Y: float64(r.Max.Y)},
		},
	}
	switch len(shapes) {
	case 5:
		obs.Keypoints = []face.Point{mid(shapes[0], shapes[1]), mid(shapes[2], shapes[3]), pt(shapes[4])}
	case 68:
		obs.Keypoints = []face.Point{mid(shapes[36], shapes[39]), mid(shapes[42], shapes[45]), pt(shapes[30])}
	}
	return obs
}

func pt(p image.Point) face.Point { return face.Point{X: float64(p.X), Y: float64(p.Y)} }

func mid(a, b image.Point) face.Point {
	return face.Point{X: float64(a.X+b.X) / 2, Y: float64(a.Y+b.Y) / 2}
}
