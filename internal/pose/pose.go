// Package pose defines the six capture poses and decides whether a detected
// face is oriented for a given pose.
package pose

import (
	"fmt"
	"strings"
)

// Pose is one of the prescribed head orientations.
type Pose string

const (
	Front     Pose = "FRONT"
	Left      Pose = "LEFT"
	Right     Pose = "RIGHT"
	Up        Pose = "UP"
	Down      Pose = "DOWN"
	SmileTilt Pose = "SMILE_TILT"
)

// Sequence is the capture order.
var Sequence = [...]Pose{Front, Left, Right, Up, Down, SmileTilt}

// Count is the number of poses in a complete capture.
const Count = len(Sequence)

// Index returns the position of p in Sequence, or -1.
func Index(p Pose) int {
	for i, s := range Sequence {
		if s == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known pose.
func (p Pose) Valid() bool { return Index(p) >= 0 }

// String implements fmt.Stringer.
func (p Pose) String() string { return string(p) }

// Prompt is the instruction shown to the user for the pose.
func (p Pose) Prompt() string {
	switch p {
	case Front:
		return "Look straight at the camera."
	case Left:
		return "Turn your face LEFT."
	case Right:
		return "Turn your face RIGHT."
	case Up:
		return "Tilt your face UP."
	case Down:
		return "Tilt your face DOWN."
	case SmileTilt:
		return "Smile and tilt your head slightly."
	}
	return ""
}

// Parse accepts a pose label in any case, with spaces or dashes in place of
// underscores ("smile tilt", "Smile-Tilt").
func Parse(s string) (Pose, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	p := Pose(normalized)
	if !p.Valid() {
		return "", fmt.Errorf("unknown pose %q", s)
	}
	return p, nil
}
