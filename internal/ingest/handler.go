package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/auth"
)

// MaxMessageSize bounds a single websocket message.
const MaxMessageSize = 8 << 20

// SavedFrame is what a Sink reports for a persisted envelope.
type SavedFrame struct {
	ID    string
	URL   string
	Bytes int
	TS    int64
}

// Sink persists paired frames.
type Sink interface {
	Save(ctx context.Context, env Envelope) (SavedFrame, error)
}

// Handler upgrades GET /stream to a websocket and ingests frames.
type Handler struct {
	sink     Sink
	logger   *zap.Logger
	secret   string
	audience string
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHandler returns a handler persisting through sink. secret and audience
// validate the optional bearer token.
func NewHandler(sink Sink, logger *zap.Logger, secret, audience string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sink:     sink,
		logger:   logger.Named("frame_ingest"),
		secret:   secret,
		audience: audience,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
}

// Serve is the gin handler for the stream endpoint.
func (h *Handler) Serve(c *gin.Context) {
	subject := auth.OptionalSubject(c.Request, h.secret, h.audience)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxMessageSize)

	logger := h.logger.With(zap.String("remote", c.Request.RemoteAddr))
	if subject != "" {
		logger = logger.With(zap.String("user_id", subject))
	}
	logger.Info("stream connected")

	ctx := c.Request.Context()
	var pairer Pairer
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("stream read failed", zap.Error(err))
			} else {
				logger.Info("stream closed")
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			kind, err := pairer.Text(data)
			if err != nil {
				logger.Warn("dropping unparseable metadata", zap.Error(err), zap.Int("bytes", len(data)))
				continue
			}
			if kind != TypeFrameMeta {
				logger.Debug("control message", zap.String("type", kind))
			}

		case websocket.BinaryMessage:
			env := pairer.Binary(data, h.now())
			if env.Meta.UserID == "" {
				env.Meta.UserID = subject
			}
			ack := h.save(ctx, logger, env)
			if err := conn.WriteJSON(ack); err != nil {
				logger.Warn("ack write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handler) save(ctx context.Context, logger *zap.Logger, env Envelope) Ack {
	saved, err := h.sink.Save(ctx, env)
	if err != nil {
		logger.Error("frame save failed", zap.Error(err), zap.Int("bytes", len(env.Payload)))
		return Ack{Type: TypeSaveError, Message: "failed to save frame"}
	}
	return Ack{Type: TypeFrameSaved, ID: saved.ID, URL: saved.URL, Bytes: saved.Bytes, TS: saved.TS}
}
