package session

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/camera"
	"github.com/example/facepay/internal/capture"
	"github.com/example/facepay/internal/detector"
	"github.com/example/facepay/internal/face"
	"github.com/example/facepay/internal/framecapture"
	"github.com/example/facepay/internal/pose"
	"github.com/example/facepay/internal/uploadclient"
)

type stubStream struct {
	closed int32
}

func (s *stubStream) Frame(ctx context.Context) (image.Image, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, camera.ErrClosed
	}
	return image.NewNRGBA(image.Rect(0, 0, 64, 48)), nil
}

func (s *stubStream) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return nil
}

type stubSource struct {
	stream *stubStream
	err    error
}

func (s stubSource) Open(ctx context.Context) (camera.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

// followingDetector reports a face held in whatever pose the test sets.
type followingDetector struct {
	mu     sync.Mutex
	want   pose.Pose
	closed bool
}

func (d *followingDetector) set(p pose.Pose) {
	d.mu.Lock()
	d.want = p
	d.mu.Unlock()
}

func (d *followingDetector) Detect(ctx context.Context, frame image.Image) (*face.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.want == "" {
		return nil, nil
	}
	dx, dy := offsetsFor(d.want)
	return &face.Observation{
		Box:       face.Box{Max: face.Point{X: 100, Y: 100}},
		Keypoints: []face.Point{{X: 35, Y: 40}, {X: 65, Y: 40}, {X: 50 + dx*100, Y: 50 + dy*100}},
	}, nil
}

func (d *followingDetector) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func offsetsFor(p pose.Pose) (float64, float64) {
	switch p {
	case pose.Left:
		return -0.2, 0
	case pose.Right:
		return 0.2, 0
	case pose.Up:
		return 0, -0.2
	case pose.Down:
		return 0, 0.2
	case pose.SmileTilt:
		return 0.08, 0
	}
	return 0, 0
}

type recordingUploader struct {
	mu      sync.Mutex
	calls   int
	batches []uploadclient.Batch
	err     error
}

func (u *recordingUploader) Submit(ctx context.Context, b uploadclient.Batch) (*uploadclient.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.batches = append(u.batches, b)
	if u.err != nil {
		return nil, u.err
	}
	return &uploadclient.Result{Token: "tok"}, nil
}

type harness struct {
	ctrl     *Controller
	clock    clockwork.FakeClock
	stream   *stubStream
	det      *followingDetector
	uploader *recordingUploader
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		stream:   &stubStream{},
		det:      &followingDetector{},
		uploader: &recordingUploader{},
		dir:      t.TempDir(),
	}
	loader := func(ctx context.Context) (detector.Model, error) { return h.det, nil }
	capturer := framecapture.Capturer{Quality: 90}
	h.ctrl = New(stubSource{stream: h.stream}, loader, capturer, h.uploader, h.clock, zap.NewNop(), Options{
		PreviewDir:   h.dir,
		Registration: uploadclient.Registration{Email: "ada@example.com"},
		Events:       64,
	})
	return h
}

type runResult struct {
	result *uploadclient.Result
	err    error
}

func (h *harness) start(ctx context.Context) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		res, err := h.ctrl.Run(ctx)
		done <- runResult{res, err}
	}()
	return done
}

// follow plays a user who always holds the prompted pose, advancing the
// clock one tick at a time until the session ends.
func (h *harness) follow(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	for i := 0; i < 5000; i++ {
		for drained := false; !drained; {
			select {
			case ev := <-h.ctrl.Events():
				if ev.Target != "" {
					h.det.set(ev.Target)
				}
			default:
				drained = true
			}
		}
		select {
		case res := <-done:
			return res
		default:
		}
		h.clock.Advance(DefaultTickInterval)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session did not finish")
	return runResult{}
}

func TestRunCapturesAllPosesAndUploadsOnce(t *testing.T) {
	h := newHarness(t)
	res := h.follow(t, h.start(context.Background()))
	if res.err != nil {
		t.Fatalf("run failed: %v", res.err)
	}
	if res.result == nil || res.result.Token != "tok" {
		t.Fatalf("unexpected result %+v", res.result)
	}
	if h.uploader.calls != 1 {
		t.Fatalf("expected exactly one upload, got %d", h.uploader.calls)
	}
	batch := h.uploader.batches[0]
	if len(batch.Images) != pose.Count {
		t.Fatalf("expected %d images, got %d", pose.Count, len(batch.Images))
	}
	for i, img := range batch.Images {
		if img.Pose != pose.Sequence[i] || len(img.Data) == 0 {
			t.Fatalf("image %d: unexpected %s with %d bytes", i, img.Pose, len(img.Data))
		}
	}
	if batch.Registration.Email != "ada@example.com" {
		t.Fatalf("registration not carried: %+v", batch.Registration)
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatalf("read preview dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected previews to be released, found %d", len(entries))
	}
	if atomic.LoadInt32(&h.stream.closed) != 1 || !h.det.closed {
		t.Fatal("expected camera and model to be closed")
	}
}

func TestRunUploadFailureKeepsBatchForResubmit(t *testing.T) {
	h := newHarness(t)
	h.uploader.err = errors.New("backend down")
	res := h.follow(t, h.start(context.Background()))
	if res.err == nil {
		t.Fatal("expected upload error")
	}

	h.uploader.mu.Lock()
	h.uploader.err = nil
	h.uploader.mu.Unlock()
	result, err := h.ctrl.Resubmit(context.Background())
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if result.Token != "tok" || h.uploader.calls != 2 {
		t.Fatalf("unexpected resubmit outcome %+v after %d calls", result, h.uploader.calls)
	}
	if len(h.uploader.batches[1].Images) != pose.Count {
		t.Fatal("resubmitted batch lost images")
	}
	if _, err := h.ctrl.Resubmit(context.Background()); !errors.Is(err, ErrNoPendingBatch) {
		t.Fatalf("expected ErrNoPendingBatch, got %v", err)
	}
}

func TestRunCameraUnavailable(t *testing.T) {
	det := &followingDetector{}
	loader := func(ctx context.Context) (detector.Model, error) { return det, nil }
	ctrl := New(stubSource{err: camera.ErrUnavailable}, loader, framecapture.New(0), &recordingUploader{}, clockwork.NewFakeClock(), zap.NewNop(), Options{})
	_, err := ctrl.Run(context.Background())
	if !errors.Is(err, camera.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRunModelLoadFailure(t *testing.T) {
	stream := &stubStream{}
	loader := func(ctx context.Context) (detector.Model, error) {
		return nil, detector.LoadError(errors.New("missing weights"))
	}
	ctrl := New(stubSource{stream: stream}, loader, framecapture.New(0), &recordingUploader{}, clockwork.NewFakeClock(), zap.NewNop(), Options{})
	_, err := ctrl.Run(context.Background())
	if !errors.Is(err, detector.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
}

func TestContinueRequiresAlignment(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx)

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cmdCancel()
	err := h.ctrl.Continue(cmdCtx)
	for errors.Is(err, ErrNotRunning) && cmdCtx.Err() == nil {
		time.Sleep(time.Millisecond)
		err = h.ctrl.Continue(cmdCtx)
	}
	if !errors.Is(err, capture.ErrNotAligned) {
		t.Fatalf("expected ErrNotAligned, got %v", err)
	}
	if err := h.ctrl.Retake(cmdCtx, pose.Left); !errors.Is(err, capture.ErrNotCaptured) {
		t.Fatalf("expected ErrNotCaptured, got %v", err)
	}

	cancel()
	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
	if h.uploader.calls != 0 {
		t.Fatal("cancelled session must not upload")
	}
}

func TestRetakeThenContinueNeedsFreshVerdict(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx)

	// Follow the prompts until FRONT is stored and LEFT is held.
	leftAligned := false
	for i := 0; i < 5000 && !leftAligned; i++ {
		for drained := false; !drained; {
			select {
			case ev := <-h.ctrl.Events():
				if ev.Target != "" {
					h.det.set(ev.Target)
				}
				if ev.Captured == 1 && ev.Target == pose.Left && ev.Aligned {
					leftAligned = true
				}
			default:
				drained = true
			}
		}
		if !leftAligned {
			h.clock.Advance(DefaultTickInterval)
			time.Sleep(time.Millisecond)
		}
	}
	if !leftAligned {
		t.Fatal("LEFT never aligned")
	}

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cmdCancel()
	if err := h.ctrl.Retake(cmdCtx, pose.Front); err != nil {
		t.Fatalf("retake failed: %v", err)
	}
	// The face is still turned LEFT, so FRONT must not be captured.
	if err := h.ctrl.Continue(cmdCtx); !errors.Is(err, capture.ErrNotAligned) {
		t.Fatalf("expected ErrNotAligned after retake, got %v", err)
	}

	res := h.follow(t, done)
	if res.err != nil {
		t.Fatalf("session failed: %v", res.err)
	}
	if h.uploader.calls != 1 || len(h.uploader.batches[0].Images) != pose.Count {
		t.Fatalf("expected one upload of %d images, got %d calls", pose.Count, h.uploader.calls)
	}
	if h.uploader.batches[0].Images[0].Pose != pose.Front {
		t.Fatalf("expected FRONT first, got %s", h.uploader.batches[0].Images[0].Pose)
	}
}

func TestCommandsWithoutRunningSession(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Continue(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
