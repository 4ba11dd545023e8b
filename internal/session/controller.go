// Package session runs one guided face-capture session end to end: it
// acquires the camera and the model, drives detection on a ticker, feeds the
// capture machine and hands the finished batch to the uploader.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/facepay/internal/camera"
	"github.com/example/facepay/internal/capture"
	"github.com/example/facepay/internal/detector"
	"github.com/example/facepay/internal/framecapture"
	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/uploadclient"
)

// DefaultTickInterval approximates a display refresh.
const DefaultTickInterval = time.Second / 30

// ErrNotRunning is returned by commands issued while no session loop runs.
var ErrNotRunning = errors.New("capture session is not running")

// ErrNoPendingBatch is returned by Resubmit when there is nothing to resend.
var ErrNoPendingBatch = errors.New("no handed-off batch awaiting resubmission")

// Uploader receives the completed batch.
type Uploader interface {
	Submit(ctx context.Context, b uploadclient.Batch) (*uploadclient.Result, error)
}

// Status is published after every tick and transition.
type Status struct {
	State     capture.State
	Target    pose.Pose
	FaceFound bool
	Aligned   bool
	Captured  int
	Err       error
}

// Options configures a Controller. Zero values take defaults.
type Options struct {
	TickInterval time.Duration
	Machine      capture.Options
	PreviewDir   string
	Convention   pose.Convention
	Registration uploadclient.Registration
	Events       int
}

// Controller owns a capture session. Run must be called at most once at a
// time; Continue and Retake are safe to call from other goroutines while it
// runs.
type Controller struct {
	source    camera.Source
	loader    detector.Loader
	capturer  framecapture.Capturer
	evaluator pose.Evaluator
	uploader  Uploader
	clock     clockwork.Clock
	logger    *zap.Logger
	opts      Options

	commands chan command
	events   chan Status

	mu      sync.Mutex
	running chan struct{}
	pending *uploadclient.Batch
}

type commandKind int

const (
	cmdContinue commandKind = iota
	cmdRetake
)

type command struct {
	kind  commandKind
	pose  pose.Pose
	reply chan error
}

type captureResult struct {
	pose  pose.Pose
	still framecapture.Still
	err   error
}

// New wires a controller. A nil clock uses the real clock.
func New(source camera.Source, loader detector.Loader, capturer framecapture.Capturer, uploader Uploader, clock clockwork.Clock, logger *zap.Logger, opts Options) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Events <= 0 {
		opts.Events = 16
	}
	return &Controller{
		source:    source,
		loader:    loader,
		capturer:  capturer,
		evaluator: pose.NewEvaluator(opts.Convention),
		uploader:  uploader,
		clock:     clock,
		logger:    logger.Named("capture_session"),
		opts:      opts,
		commands:  make(chan command),
		events:    make(chan Status, opts.Events),
	}
}

// Events streams status updates. Updates are dropped when the reader lags.
func (c *Controller) Events() <-chan Status { return c.events }

// Continue asks for an immediate capture of the current pose. It returns
// capture.ErrNotAligned when the face does not match the target.
func (c *Controller) Continue(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdContinue})
}

// Retake discards the image for p and makes p the target again.
func (c *Controller) Retake(ctx context.Context, p pose.Pose) error {
	return c.send(ctx, command{kind: cmdRetake, pose: p})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running == nil {
		return ErrNotRunning
	}

	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-running:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run acquires resources, guides the user through every pose and submits
// the result. It returns when the upload finishes, startup fails or ctx is
// cancelled; previews that were not handed off are released on return.
func (c *Controller) Run(ctx context.Context) (*uploadclient.Result, error) {
	running := make(chan struct{})
	c.mu.Lock()
	if c.running != nil {
		c.mu.Unlock()
		return nil, errors.New("capture session already running")
	}
	c.running = running
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = nil
		c.mu.Unlock()
		close(running)
	}()

	stream, model, err := c.acquire(ctx)
	if err != nil {
		c.publish(Status{Err: err})
		return nil, err
	}
	defer stream.Close()
	defer model.Close()

	var det detector.Detector = model
	if c.capturer.Mirror {
		det = detector.MirrorFrames(model)
	}

	machine := capture.NewMachine(capture.NewArena(c.opts.PreviewDir), c.opts.Machine)
	defer machine.Close()

	l := &loop{
		c:       c,
		stream:  stream,
		det:     det,
		machine: machine,
		results: make(chan captureResult, 1),
	}
	return l.run(ctx)
}

// acquire opens the camera and loads the model concurrently.
func (c *Controller) acquire(ctx context.Context) (camera.Stream, detector.Model, error) {
	var (
		stream camera.Stream
		model  detector.Model
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := c.source.Open(gctx)
		if err != nil {
			return logging.NewOperationError("session.open_camera", "", err)
		}
		stream = s
		return nil
	})
	g.Go(func() error {
		m, err := c.loader(gctx)
		if err != nil {
			return logging.NewOperationError("session.load_model", "", err)
		}
		model = m
		return nil
	})
	if err := g.Wait(); err != nil {
		if stream != nil {
			_ = stream.Close()
		}
		if model != nil {
			_ = model.Close()
		}
		c.logger.Error("session startup failed", zap.Error(err))
		return nil, nil, err
	}
	return stream, model, nil
}

func (c *Controller) publish(s Status) {
	select {
	case c.events <- s:
	default:
	}
}

// Resubmit sends the last handed-off batch again after a failed upload.
func (c *Controller) Resubmit(ctx context.Context) (*uploadclient.Result, error) {
	c.mu.Lock()
	batch := c.pending
	c.mu.Unlock()
	if batch == nil {
		return nil, ErrNoPendingBatch
	}
	result, err := c.uploader.Submit(ctx, *batch)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	return result, nil
}

// loop is the state owned by the session goroutine.
type loop struct {
	c       *Controller
	stream  camera.Stream
	det     detector.Detector
	machine *capture.Machine
	results chan captureResult

	frame     image.Image
	faceFound bool
}

func (l *loop) run(ctx context.Context) (*uploadclient.Result, error) {
	ticker := l.c.clock.NewTicker(l.c.opts.TickInterval)
	defer ticker.Stop()
	l.c.publish(l.status(nil))

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case cmd := <-l.c.commands:
			cmd.reply <- l.handle(cmd)

		case res := <-l.results:
			complete := l.finishCapture(res)
			if complete {
				return l.handOff(ctx)
			}

		case <-ticker.Chan():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err := l.tick(ctx); err != nil {
				return nil, err
			}
		}
	}
}

func (l *loop) tick(ctx context.Context) error {
	frame, err := l.stream.Frame(ctx)
	if err != nil {
		if errors.Is(err, camera.ErrClosed) {
			return err
		}
		l.c.logger.Debug("frame unavailable", zap.Error(err))
		l.c.publish(l.status(err))
		return nil
	}
	l.frame = frame

	obs, err := l.det.Detect(ctx, frame)
	if err != nil {
		l.c.logger.Debug("detection failed", zap.Error(err))
		obs = nil
	}
	l.faceFound = obs != nil

	target := l.machine.Target()
	aligned := l.c.evaluator.Evaluate(obs, target)
	if action := l.machine.Observe(l.c.clock.Now(), aligned); action.Capture {
		l.startCapture(action.Pose, frame)
	}
	l.c.publish(l.status(nil))
	return nil
}

func (l *loop) handle(cmd command) error {
	switch cmd.kind {
	case cmdContinue:
		action, err := l.machine.Continue(l.c.clock.Now())
		if err != nil {
			return err
		}
		if action.Capture {
			l.startCapture(action.Pose, l.frame)
		}
		return nil
	case cmdRetake:
		if err := l.machine.Retake(cmd.pose); err != nil {
			return err
		}
		l.c.logger.Info("pose retake requested", zap.String("pose", cmd.pose.String()))
		l.c.publish(l.status(nil))
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

// startCapture encodes the frame off the loop goroutine. The machine holds
// the capture guard until the result comes back through l.results.
func (l *loop) startCapture(p pose.Pose, frame image.Image) {
	capturer := l.c.capturer
	go func() {
		still, err := capturer.Capture(frame)
		l.results <- captureResult{pose: p, still: still, err: err}
	}()
}

func (l *loop) finishCapture(res captureResult) bool {
	now := l.c.clock.Now()
	if res.err != nil {
		l.c.logger.Warn("capture failed", zap.String("pose", res.pose.String()), zap.Error(res.err))
		l.machine.CaptureFailed(now)
		l.c.publish(l.status(res.err))
		return false
	}
	complete, err := l.machine.CaptureSucceeded(now, res.still)
	if err != nil {
		l.c.logger.Warn("storing capture failed", zap.String("pose", res.pose.String()), zap.Error(err))
		l.c.publish(l.status(err))
		return false
	}
	l.c.logger.Info("pose captured", zap.String("pose", res.pose.String()), zap.Int("bytes", len(res.still.Data)))
	l.c.publish(l.status(nil))
	return complete
}

func (l *loop) handOff(ctx context.Context) (*uploadclient.Result, error) {
	images, err := l.machine.HandOff()
	if err != nil {
		return nil, err
	}
	batch := uploadclient.Batch{Registration: l.c.opts.Registration}
	for _, img := range orderBySequence(images) {
		batch.Images = append(batch.Images, uploadclient.Image{Pose: img.Pose, Data: img.Data})
	}

	result, err := l.c.uploader.Submit(ctx, batch)
	if err != nil {
		l.c.mu.Lock()
		l.c.pending = &batch
		l.c.mu.Unlock()
		l.c.publish(l.status(err))
		return nil, err
	}
	return result, nil
}

func (l *loop) status(err error) Status {
	s := l.machine.Status()
	return Status{
		State:     s.State,
		Target:    s.Target,
		FaceFound: l.faceFound,
		Aligned:   s.Aligned,
		Captured:  len(s.Captured),
		Err:       err,
	}
}

func orderBySequence(images []capture.CapturedImage) []capture.CapturedImage {
	out := make([]capture.CapturedImage, 0, len(images))
	for _, p := range pose.Sequence {
		for _, img := range images {
			if img.Pose == p {
				out = append(out, img)
			}
		}
	}
	return out
}
