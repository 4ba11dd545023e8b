// Package face holds the per-frame geometry produced by a face detector.
package face

// NoseIndex is the keypoint slot that carries the nose tip.
const NoseIndex = 2

// Point is a position in frame-pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis aligned bounding box, Min is top-left and Max bottom-right.
type Box struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// Width of the box.
func (b Box) Width() float64 { return b.Max.X - b.Min.X }

// Height of the box.
func (b Box) Height() float64 { return b.Max.Y - b.Min.Y }

// Center of the box.
func (b Box) Center() Point {
	return Point{X: b.Min.X + b.Width()/2, Y: b.Min.Y + b.Height()/2}
}

// Observation is the detector output for a single frame. A nil *Observation
// means no face was found.
type Observation struct {
	Box       Box     `json:"box"`
	Keypoints []Point `json:"keypoints"`
}

// Nose returns the nose keypoint when the observation carries enough landmarks.
func (o *Observation) Nose() (Point, bool) {
	if o == nil || len(o.Keypoints) <= NoseIndex {
		return Point{}, false
	}
	return o.Keypoints[NoseIndex], true
}

// MirrorX reflects the observation across the vertical centre line of a
// frame of the given width, which is what a horizontal flip of the frame
// does to the geometry. The box corners are swapped so Min stays top-left.
func (o *Observation) MirrorX(frameWidth float64) *Observation {
	if o == nil {
		return nil
	}
	out := &Observation{
		Box: Box{
			Min: Point{X: frameWidth - o.Box.Max.X, Y: o.Box.Min.Y},
			Max: Point{X: frameWidth - o.Box.Min.X, Y: o.Box.Max.Y},
		},
		Keypoints: make([]Point, len(o.Keypoints)),
	}
	for i, kp := range o.Keypoints {
		out.Keypoints[i] = Point{X: frameWidth - kp.X, Y: kp.Y}
	}
	return out
}
