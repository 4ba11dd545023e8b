package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/auth"
)

func TestPairerMetaThenBinaryThenOrphan(t *testing.T) {
	var p Pairer
	kind, err := p.Text([]byte(`{"type":"frame-meta","ts":1000,"width":640,"height":480}`))
	if err != nil || kind != TypeFrameMeta {
		t.Fatalf("unexpected text result %q %v", kind, err)
	}
	if !p.Pending() {
		t.Fatal("expected pending metadata")
	}

	payload := bytes.Repeat([]byte{0xAB}, 1234)
	env := p.Binary(payload, time.Unix(5, 0))
	if env.Meta.TS != 1000 || env.Meta.Width != 640 || env.Meta.Height != 480 || len(env.Payload) != 1234 {
		t.Fatalf("unexpected envelope %+v (len %d)", env.Meta, len(env.Payload))
	}
	if p.Pending() {
		t.Fatal("slot should be cleared after pairing")
	}

	orphan := p.Binary([]byte{1, 2, 3}, time.Unix(6, 0))
	if orphan.Meta != (FrameMeta{}) || len(orphan.Payload) != 3 {
		t.Fatalf("expected empty metadata for orphan frame, got %+v", orphan.Meta)
	}
}

func TestPairerLatestMetaWins(t *testing.T) {
	var p Pairer
	if _, err := p.Text([]byte(`{"type":"frame-meta","ts":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Text([]byte(`{"type":"frame-meta","ts":2}`)); err != nil {
		t.Fatal(err)
	}
	if env := p.Binary([]byte{1}, time.Now()); env.Meta.TS != 2 {
		t.Fatalf("expected the latest metadata, got ts=%d", env.Meta.TS)
	}
}

func TestPairerRejectsMalformedAndKeepsSlot(t *testing.T) {
	var p Pairer
	if _, err := p.Text([]byte(`{"type":"frame-meta","ts":7}`)); err != nil {
		t.Fatal(err)
	}
	for _, raw := range []string{"not json", `{"ts":3}`, `[1,2]`} {
		if _, err := p.Text([]byte(raw)); !errors.Is(err, ErrInvalidMeta) {
			t.Fatalf("%q: expected ErrInvalidMeta, got %v", raw, err)
		}
	}
	kind, err := p.Text([]byte(`{"type":"init","userId":"u"}`))
	if err != nil || kind != TypeInit {
		t.Fatalf("expected init control message, got %q %v", kind, err)
	}
	if env := p.Binary([]byte{1}, time.Now()); env.Meta.TS != 7 {
		t.Fatalf("malformed or control text must not clear the slot, got %+v", env.Meta)
	}
}

type memorySink struct {
	mu    sync.Mutex
	saved []Envelope
	fail  bool
}

func (s *memorySink) Save(ctx context.Context, env Envelope) (SavedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return SavedFrame{}, errors.New("bucket offline")
	}
	s.saved = append(s.saved, env)
	return SavedFrame{ID: "f-1", URL: "https://cdn.example.com/f-1.jpg", Bytes: len(env.Payload), TS: env.Meta.TS}, nil
}

func dialStream(t *testing.T, sink Sink, query string) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stream", NewHandler(sink, zap.NewNop(), "secret", "").Serve)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAck(t *testing.T, conn *websocket.Conn) Ack {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack Ack
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return ack
}

func TestHandlerPersistsAndAcknowledges(t *testing.T) {
	sink := &memorySink{}
	token, err := auth.IssueToken("secret", "", "user-42", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn := dialStream(t, sink, "?token="+token)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"frame-meta","ts":1000,"width":640,"height":480}`)); err != nil {
		t.Fatal(err)
	}
	frame := bytes.Repeat([]byte{0xFF}, 512)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}
	ack := readAck(t, conn)
	if ack.Type != TypeFrameSaved || ack.Bytes != 512 || ack.TS != 1000 || ack.URL == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if ack := readAck(t, conn); ack.Type != TypeFrameSaved || ack.Bytes != 3 {
		t.Fatalf("unexpected orphan ack %+v", ack)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.saved) != 2 {
		t.Fatalf("expected 2 saved envelopes, got %d", len(sink.saved))
	}
	first, second := sink.saved[0], sink.saved[1]
	if first.Meta.Width != 640 || first.Meta.Height != 480 || first.Meta.UserID != "user-42" {
		t.Fatalf("unexpected first meta %+v", first.Meta)
	}
	if second.Meta.TS != 0 || second.Meta.Type != "" || second.Meta.UserID != "user-42" {
		t.Fatalf("orphan should carry only the token subject, got %+v", second.Meta)
	}
}

func TestHandlerReportsSaveError(t *testing.T) {
	conn := dialStream(t, &memorySink{fail: true}, "")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{9}); err != nil {
		t.Fatal(err)
	}
	ack := readAck(t, conn)
	if ack.Type != TypeSaveError || ack.Message == "" {
		t.Fatalf("expected save-error ack, got %+v", ack)
	}
}
