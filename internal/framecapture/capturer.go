// Package framecapture turns a camera frame into an encoded still.
package framecapture

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ErrEncoding is returned when a frame cannot be turned into a still.
var ErrEncoding = errors.New("capture encoding failed")

// DefaultQuality matches a 0.9 canvas quality.
const DefaultQuality = 90

// ContentType of every still produced by a Capturer.
const ContentType = "image/jpeg"

// Still is an encoded frame.
type Still struct {
	Data   []byte
	Width  int
	Height int
}

// Capturer renders frames into JPEG stills. Mirror flips the frame
// horizontally before encoding so the stored image matches the mirrored
// preview the user sees.
type Capturer struct {
	Quality int
	Mirror  bool
}

// New returns a mirroring capturer with the given JPEG quality (1-100).
func New(quality int) Capturer {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return Capturer{Quality: quality, Mirror: true}
}

// Capture encodes img at its native resolution.
func (c Capturer) Capture(img image.Image) (Still, error) {
	if img == nil {
		return Still{}, fmt.Errorf("%w: no frame", ErrEncoding)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return Still{}, fmt.Errorf("%w: empty frame", ErrEncoding)
	}

	src := img
	if c.Mirror {
		src = imaging.FlipH(img)
	}

	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return Still{}, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return Still{Data: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}
