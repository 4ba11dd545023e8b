package pose

import (
	"fmt"
	"math"
	"strings"

	"github.com/example/facepay/internal/face"
)

// Default thresholds, as fractions of the face box.
const (
	DefaultHorizontalThreshold = 0.12
	DefaultVerticalThreshold   = 0.10
	DefaultTiltThreshold       = 0.05
)

// Convention fixes which horizontal nose offset counts as LEFT.
type Convention int

const (
	// MirroredView: the observation is in the coordinates of a mirrored
	// preview, so LEFT is a nose offset towards smaller x.
	MirroredView Convention = iota
	// RawView: the observation is in raw camera coordinates, so LEFT is a
	// nose offset towards larger x.
	RawView
)

// ParseConvention reads "mirrored" or "raw".
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mirrored", "mirror":
		return MirroredView, nil
	case "raw":
		return RawView, nil
	}
	return MirroredView, fmt.Errorf("unknown mirror convention %q", s)
}

func (c Convention) String() string {
	if c == RawView {
		return "raw"
	}
	return "mirrored"
}

// Evaluator scores a face observation against a target pose. The zero value
// is not useful; use NewEvaluator.
type Evaluator struct {
	Horizontal float64
	Vertical   float64
	Tilt       float64
	Convention Convention
}

// NewEvaluator returns an evaluator with the default thresholds.
func NewEvaluator(c Convention) Evaluator {
	return Evaluator{
		Horizontal: DefaultHorizontalThreshold,
		Vertical:   DefaultVerticalThreshold,
		Tilt:       DefaultTiltThreshold,
		Convention: c,
	}
}

// Offsets returns the nose offset from the box centre normalised by the box
// size. ok is false when the observation cannot be scored.
func Offsets(obs *face.Observation) (dx, dy float64, ok bool) {
	if obs == nil || len(obs.Keypoints) < 3 {
		return 0, 0, false
	}
	w, h := obs.Box.Width(), obs.Box.Height()
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	nose, _ := obs.Nose()
	c := obs.Box.Center()
	return (nose.X - c.X) / w, (nose.Y - c.Y) / h, true
}

// Evaluate reports whether obs is aligned with p. It fails closed.
func (e Evaluator) Evaluate(obs *face.Observation, p Pose) bool {
	dx, dy, ok := Offsets(obs)
	if !ok {
		return false
	}

	left := dx < -e.Horizontal
	right := dx > e.Horizontal
	if e.Convention == RawView {
		left, right = right, left
	}

	switch p {
	case Front:
		return math.Abs(dx) < e.Horizontal && math.Abs(dy) < e.Vertical
	case Left:
		return left
	case Right:
		return right
	case Up:
		return dy < -e.Vertical
	case Down:
		return dy > e.Vertical
	case SmileTilt:
		return math.Abs(dx) > e.Tilt || math.Abs(dy) > e.Tilt
	}
	return false
}
