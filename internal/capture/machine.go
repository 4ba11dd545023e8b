// Package capture implements the pose-guided capture state machine.
//
// The machine is driven by its caller: every detection tick reports the
// current alignment verdict with the tick time, and the machine answers with
// the action to take. Debounce and cooldown are deadlines kept on the
// machine, so it never starts goroutines or timers of its own. A Machine is
// not safe for concurrent use; one loop goroutine owns it.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/facepay/internal/framecapture"
	"github.com/example/facepay/internal/pose"
)

const (
	DefaultDebounce = 800 * time.Millisecond
	DefaultCooldown = 600 * time.Millisecond
)

var (
	// ErrNotAligned is surfaced to the user when a manual continue is
	// requested while the face does not match the target pose.
	ErrNotAligned = errors.New("align your face properly to continue")
	// ErrCaptureInFlight means the capture guard is held.
	ErrCaptureInFlight = errors.New("a capture is already in progress")
	// ErrComplete is returned for actions that need an unfinished session.
	ErrComplete = errors.New("capture session already complete")
	// ErrNotComplete is returned by HandOff before all poses are captured.
	ErrNotComplete = errors.New("capture session not complete")
	// ErrAlreadyHandedOff is returned when the images were already handed off.
	ErrAlreadyHandedOff = errors.New("captured images already handed off")
)

// State of the machine.
type State int

const (
	StateIdle State = iota
	StateAligned
	StateCapturing
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAligned:
		return "aligned"
	case StateCapturing:
		return "capturing"
	case StateComplete:
		return "complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Action tells the caller what to do after a transition.
type Action struct {
	Capture bool
	Pose    pose.Pose
}

// Options tunes the timing of the machine.
type Options struct {
	Debounce time.Duration
	Cooldown time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{Debounce: DefaultDebounce, Cooldown: DefaultCooldown}
}

// Status is a read-only snapshot of the machine.
type Status struct {
	State    State
	Index    int
	Target   pose.Pose
	Aligned  bool
	Captured []pose.Pose
}

// Machine tracks pose progression, the debounce deadline, the capture guard
// and the captured images.
type Machine struct {
	opts  Options
	arena *Arena

	state        State
	index        int
	aligned      bool
	alignedSince time.Time

	inFlight      bool
	inFlightPose  pose.Pose
	cooldownUntil time.Time

	handedOff bool
}

// NewMachine returns a machine at the first pose. Zero option fields take
// the defaults.
func NewMachine(arena *Arena, opts Options) *Machine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if arena == nil {
		arena = NewArena("")
	}
	return &Machine{opts: opts, arena: arena}
}

// Target is the pose being captured, empty once complete.
func (m *Machine) Target() pose.Pose {
	if m.state == StateComplete {
		return ""
	}
	return pose.Sequence[m.index]
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Arena exposes the captured images for preview.
func (m *Machine) Arena() *Arena { return m.arena }

// Status returns a snapshot for display.
func (m *Machine) Status() Status {
	return Status{
		State:    m.state,
		Index:    m.index,
		Target:   m.Target(),
		Aligned:  m.aligned,
		Captured: m.arena.Poses(),
	}
}

// Observe feeds the verdict for the current target at time now.
func (m *Machine) Observe(now time.Time, aligned bool) Action {
	m.aligned = aligned
	switch m.state {
	case StateComplete, StateCapturing:
		return Action{}
	}

	if !aligned || m.arena.Has(m.Target()) {
		m.toIdle()
		return Action{}
	}

	if m.state == StateIdle {
		m.state = StateAligned
		m.alignedSince = now
	}
	if now.Sub(m.alignedSince) < m.opts.Debounce {
		return Action{}
	}
	action, _ := m.begin(now)
	return action
}

// Continue is the manual override for the debounce. It succeeds only when
// the last verdict for the current target was aligned and no capture is in
// flight or cooling down. The verdict is cleared whenever the target moves.
func (m *Machine) Continue(now time.Time) (Action, error) {
	switch {
	case m.handedOff:
		return Action{}, ErrAlreadyHandedOff
	case m.state == StateComplete:
		return Action{}, ErrComplete
	case !m.aligned:
		return Action{}, ErrNotAligned
	case m.arena.Has(m.Target()):
		return Action{}, nil
	}
	return m.begin(now)
}

func (m *Machine) begin(now time.Time) (Action, error) {
	if m.inFlight || now.Before(m.cooldownUntil) {
		return Action{}, ErrCaptureInFlight
	}
	target := m.Target()
	m.inFlight = true
	m.inFlightPose = target
	m.state = StateCapturing
	return Action{Capture: true, Pose: target}, nil
}

// CaptureSucceeded records the still for the in-flight pose. It returns true
// when every pose has been captured.
func (m *Machine) CaptureSucceeded(now time.Time, still framecapture.Still) (bool, error) {
	if !m.inFlight {
		return false, errors.New("no capture in flight")
	}
	p := m.inFlightPose
	m.inFlight = false
	m.inFlightPose = ""
	m.cooldownUntil = now.Add(m.opts.Cooldown)

	if m.handedOff {
		return false, ErrAlreadyHandedOff
	}
	if _, err := m.arena.Put(p, still.Data, still.Width, still.Height, now); err != nil {
		m.toIdle()
		return false, err
	}

	m.aligned = false
	next, ok := m.nextUncaptured()
	if !ok {
		m.state = StateComplete
		m.alignedSince = time.Time{}
		return true, nil
	}
	m.index = next
	m.toIdle()
	return false, nil
}

// CaptureFailed releases the guard and re-arms the current pose.
func (m *Machine) CaptureFailed(now time.Time) {
	m.inFlight = false
	m.inFlightPose = ""
	if m.state != StateComplete {
		m.toIdle()
	}
}

// Retake drops the image for p and moves progression back to p.
func (m *Machine) Retake(p pose.Pose) error {
	if m.handedOff {
		return ErrAlreadyHandedOff
	}
	idx := pose.Index(p)
	if idx < 0 {
		return fmt.Errorf("unknown pose %q", p)
	}
	if err := m.arena.Release(p); err != nil {
		return err
	}
	m.index = idx
	m.state = StateIdle
	m.aligned = false
	m.alignedSince = time.Time{}
	if m.inFlight {
		m.state = StateCapturing
	}
	return nil
}

// HandOff transfers every captured image to the caller, exactly once.
func (m *Machine) HandOff() ([]CapturedImage, error) {
	if m.handedOff {
		return nil, ErrAlreadyHandedOff
	}
	if m.state != StateComplete {
		return nil, ErrNotComplete
	}
	m.handedOff = true
	return m.arena.Take(), nil
}

// Close releases every preview that was not handed off.
func (m *Machine) Close() {
	if !m.handedOff {
		m.arena.ReleaseAll()
	}
}

func (m *Machine) toIdle() {
	if m.inFlight {
		m.state = StateCapturing
		return
	}
	m.state = StateIdle
	m.alignedSince = time.Time{}
}

// nextUncaptured scans forward from the current index, wrapping around.
// Without retakes this is simply index+1.
func (m *Machine) nextUncaptured() (int, bool) {
	for i := 0; i < pose.Count; i++ {
		idx := (m.index + i) % pose.Count
		if !m.arena.Has(pose.Sequence[idx]) {
			return idx, true
		}
	}
	return 0, false
}
