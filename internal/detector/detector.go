// Package detector is the boundary to the pretrained face-detection model.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/example/facepay/internal/face"
)

// ErrModelLoad means the model could not be made ready; capture cannot
// proceed without it.
var ErrModelLoad = errors.New("face model failed to load")

// Detector finds at most one face in a frame. A nil observation with a nil
// error means no face.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) (*face.Observation, error)
}

// Model is a loaded detector holding resources.
type Model interface {
	Detector
	Close() error
}

// Loader makes a model ready. Implementations wrap failures in ErrModelLoad.
type Loader func(ctx context.Context) (Model, error)

// LoadError wraps err in ErrModelLoad.
func LoadError(err error) error {
	return fmt.Errorf("%w: %v", ErrModelLoad, err)
}

// EncodeFrame turns a frame into the JPEG bytes the model backends expect.
// The frame is not mirrored: detection runs on raw camera pixels.
func EncodeFrame(frame image.Image) ([]byte, error) {
	if frame == nil {
		return nil, errors.New("nil frame")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Largest picks the observation with the biggest box, the face closest to
// the camera.
func Largest(candidates []face.Observation) *face.Observation {
	var best *face.Observation
	bestArea := -1.0
	for i := range candidates {
		c := &candidates[i]
		area := c.Box.Width() * c.Box.Height()
		if area > bestArea {
			best, bestArea = c, area
		}
	}
	return best
}

// MirrorFrames wraps a detector so observations are reported in mirrored
// coordinates, matching a mirrored preview and the mirrored stored stills.
func MirrorFrames(d Detector) Detector {
	return mirrored{d}
}

type mirrored struct{ Detector }

func (m mirrored) Detect(ctx context.Context, frame image.Image) (*face.Observation, error) {
	obs, err := m.Detector.Detect(ctx, frame)
	if err != nil || obs == nil {
		return obs, err
	}
	return obs.MirrorX(float64(frame.Bounds().Dx())), nil
}
