package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/facepay/internal/pose"
)

// ErrNotCaptured is returned when a pose has no image in the arena.
var ErrNotCaptured = errors.New("pose not captured")

// CapturedImage is an encoded still plus the local preview file it was
// written to. The preview path stays valid until the arena releases it.
type CapturedImage struct {
	Pose       pose.Pose
	Data       []byte
	Width      int
	Height     int
	Handle     string
	CapturedAt time.Time
}

// Arena exclusively owns captured images keyed by pose. Each image has a
// preview file on disk that is removed on release or hand-off.
type Arena struct {
	dir string

	mu     sync.Mutex
	images map[pose.Pose]*CapturedImage
	order  []pose.Pose
}

// NewArena stores previews under dir, or the system temp dir when empty.
func NewArena(dir string) *Arena {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Arena{dir: dir, images: make(map[pose.Pose]*CapturedImage)}
}

// Put stores data for p and writes its preview. An existing entry for p is
// released first.
func (a *Arena) Put(p pose.Pose, data []byte, width, height int, at time.Time) (*CapturedImage, error) {
	handle := filepath.Join(a.dir, fmt.Sprintf("facepay-%s-%s.jpg", p, uuid.NewString()))
	if err := os.WriteFile(handle, data, 0o600); err != nil {
		return nil, fmt.Errorf("write preview for %s: %w", p, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.images[p]; ok {
		a.releaseLocked(p)
	}
	img := &CapturedImage{Pose: p, Data: data, Width: width, Height: height, Handle: handle, CapturedAt: at}
	a.images[p] = img
	a.order = append(a.order, p)
	return img, nil
}

// Has reports whether p has been captured.
func (a *Arena) Has(p pose.Pose) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.images[p]
	return ok
}

// Get returns the image for p.
func (a *Arena) Get(p pose.Pose) (*CapturedImage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	img, ok := a.images[p]
	return img, ok
}

// Len is the number of captured poses.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.images)
}

// Poses lists captured poses in completion order.
func (a *Arena) Poses() []pose.Pose {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]pose.Pose, len(a.order))
	copy(out, a.order)
	return out
}

// Release drops p and removes its preview.
func (a *Arena) Release(p pose.Pose) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.images[p]; !ok {
		return fmt.Errorf("%w: %s", ErrNotCaptured, p)
	}
	a.releaseLocked(p)
	return nil
}

// Take transfers every image out of the arena in completion order and
// removes the previews. The arena is empty afterwards.
func (a *Arena) Take() []CapturedImage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CapturedImage, 0, len(a.order))
	for _, p := range a.order {
		img := a.images[p]
		_ = os.Remove(img.Handle)
		taken := *img
		taken.Handle = ""
		out = append(out, taken)
	}
	a.images = make(map[pose.Pose]*CapturedImage)
	a.order = nil
	return out
}

// ReleaseAll removes every preview without handing the images off.
func (a *Arena) ReleaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range append([]pose.Pose(nil), a.order...) {
		a.releaseLocked(p)
	}
}

func (a *Arena) releaseLocked(p pose.Pose) {
	img := a.images[p]
	_ = os.Remove(img.Handle)
	delete(a.images, p)
	for i, q := range a.order {
		if q == p {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}
