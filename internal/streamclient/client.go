// Package streamclient sends live camera frames to the ingest server during
// payment verification.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/framecapture"
	"github.com/example/facepay/internal/ingest"
	"github.com/example/facepay/internal/logging"
)

const (
	DefaultInterval = 200 * time.Millisecond
	DefaultQuality  = 75
	writeWait       = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Start before Dial succeeds.
	ErrNotConnected = errors.New("stream not connected")
	// ErrStreamDisconnected is reported once the connection drops. The
	// client does not reconnect; callers Dial again if they want to resume.
	ErrStreamDisconnected = errors.New("stream disconnected")
)

// State of the connection.
type State int

const (
	Disconnected State = iota
	Connected
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FrameSource yields the latest camera frame.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	URL      string
	Token    string
	UserID   string
	Interval time.Duration
	Quality  int
	Mirror   bool
}

type outgoing struct {
	meta    ingest.FrameMeta
	payload []byte
}

// Client is one verification stream.
type Client struct {
	frames   FrameSource
	capturer framecapture.Capturer
	clock    clockwork.Clock
	logger   *zap.Logger
	opts     Options
	dialer   *websocket.Dialer

	acks    chan ingest.Ack
	dropped atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	err     error
	outbox  chan outgoing
	done    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
}

// New returns a client that reads frames from frames.
func New(frames FrameSource, clock clockwork.Clock, logger *zap.Logger, opts Options) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	return &Client{
		frames:   frames,
		capturer: framecapture.Capturer{Quality: opts.Quality, Mirror: opts.Mirror},
		clock:    clock,
		logger:   logger.Named("stream_client"),
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		acks:     make(chan ingest.Ack, 32),
	}
}

// Acks delivers server acknowledgements. Acks are dropped when the reader
// lags behind.
func (c *Client) Acks() <-chan ingest.Ack { return c.acks }

// Status returns the connection state and, once disconnected, the reason.
func (c *Client) Status() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

// Dropped counts frames skipped because the previous one was still being
// written.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Dial opens the stream and announces the session with an init message.
func (c *Client) Dial(ctx context.Context) error {
	target, err := url.Parse(c.opts.URL)
	if err != nil {
		return logging.NewOperationError("streamclient.dial", c.opts.URL, err)
	}
	if c.opts.Token != "" {
		q := target.Query()
		q.Set("token", c.opts.Token)
		target.RawQuery = q.Encode()
	}

	conn, resp, err := c.dialer.DialContext(ctx, target.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return logging.NewOperationError("streamclient.dial", c.opts.URL, err)
	}

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		conn.Close()
		return errors.New("stream already connected")
	}
	c.conn = conn
	c.state = Connected
	c.err = nil
	c.outbox = make(chan outgoing, 1)
	c.done = make(chan struct{})
	done, outbox := c.done, c.outbox
	c.mu.Unlock()

	if err := conn.WriteJSON(ingest.FrameMeta{Type: ingest.TypeInit, UserID: c.opts.UserID}); err != nil {
		c.disconnect(conn, err)
		return logging.NewOperationError("streamclient.init", c.opts.URL, err)
	}

	go c.readLoop(conn)
	go c.writeLoop(conn, outbox, done)
	c.logger.Info("stream connected", zap.String("url", c.opts.URL))
	return nil
}

// Start begins sending frames at the configured cadence.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Disconnected:
		if c.err != nil {
			return c.err
		}
		return ErrNotConnected
	case Streaming:
		return nil
	}
	cadenceCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.state = Streaming
	go c.cadence(cadenceCtx, c.outbox, c.done, c.stopped)
	return nil
}

// Stop halts the cadence. The connection stays open.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel = nil
	if c.state == Streaming {
		c.state = Connected
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
}

// Close stops streaming and closes the connection.
func (c *Client) Close() error {
	c.Stop()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.disconnect(conn, nil)
	return nil
}

func (c *Client) cadence(ctx context.Context, outbox chan<- outgoing, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := c.clock.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.Chan():
			msg, err := c.nextFrame(ctx)
			if err != nil {
				c.logger.Debug("skipping frame", zap.Error(err))
				continue
			}
			select {
			case outbox <- msg:
			default:
				c.logger.Warn("writer busy, dropping frame", zap.Int64("dropped", c.dropped.Add(1)))
			}
		}
	}
}

func (c *Client) nextFrame(ctx context.Context) (outgoing, error) {
	frame, err := c.frames.Frame(ctx)
	if err != nil {
		return outgoing{}, err
	}
	still, err := c.capturer.Capture(frame)
	if err != nil {
		return outgoing{}, err
	}
	return outgoing{
		meta: ingest.FrameMeta{
			Type:   ingest.TypeFrameMeta,
			TS:     c.clock.Now().UnixMilli(),
			UserID: c.opts.UserID,
			Width:  still.Width,
			Height: still.Height,
		},
		payload: still.Data,
	}, nil
}

// writeLoop is the only goroutine writing data messages, so metadata and
// its binary frame are never interleaved with another frame.
func (c *Client) writeLoop(conn *websocket.Conn, outbox <-chan outgoing, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg.meta); err != nil {
				c.disconnect(conn, err)
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, msg.payload); err != nil {
				c.disconnect(conn, err)
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var ack ingest.Ack
		if err := conn.ReadJSON(&ack); err != nil {
			c.disconnect(conn, err)
			return
		}
		if ack.Type == ingest.TypeSaveError {
			c.logger.Warn("server failed to save frame", zap.String("message", ack.Message))
		}
		select {
		case c.acks <- ack:
		default:
		}
	}
}

// disconnect tears down conn once. A nil cause is a local close.
func (c *Client) disconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	if cause != nil {
		c.err = fmt.Errorf("%w: %v", ErrStreamDisconnected, cause)
	}
	close(c.done)
	c.mu.Unlock()

	conn.Close()
	if cause != nil {
		c.logger.Warn("stream disconnected", zap.Error(cause))
	} else {
		c.logger.Info("stream closed")
	}
}
