// Package ingest receives the live verification stream: JSON frame metadata
// followed by one binary JPEG per frame.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types on the stream.
const (
	TypeFrameMeta  = "frame-meta"
	TypeInit       = "init"
	TypeFrameSaved = "frame-saved"
	TypeSaveError  = "save-error"
)

// ErrInvalidMeta is returned for text messages that are not JSON objects
// with a type.
var ErrInvalidMeta = errors.New("invalid frame metadata")

// FrameMeta describes the binary frame that follows it. All fields are
// optional; an orphan frame carries the zero value.
type FrameMeta struct {
	Type   string `json:"type,omitempty"`
	TS     int64  `json:"ts,omitempty"`
	UserID string `json:"userId,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Envelope is one paired frame.
type Envelope struct {
	Meta       FrameMeta
	Payload    []byte
	ReceivedAt time.Time
}

// Ack is sent back after every binary frame.
type Ack struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	URL     string `json:"url,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	Message string `json:"message,omitempty"`
}

// Pairer holds the per-connection pending metadata slot. It is owned by the
// connection's read goroutine and not safe for concurrent use.
type Pairer struct {
	pending *FrameMeta
}

// Text handles a text message. A frame-meta message replaces the pending
// slot; any other well-formed message is a control message and its type is
// returned. Malformed text leaves the slot untouched.
func (p *Pairer) Text(data []byte) (string, error) {
	var meta FrameMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	if meta.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidMeta)
	}
	if meta.Type == TypeFrameMeta {
		p.pending = &meta
	}
	return meta.Type, nil
}

// Binary pairs payload with the pending metadata, or with an empty record
// when none is pending, and clears the slot.
func (p *Pairer) Binary(payload []byte, at time.Time) Envelope {
	env := Envelope{Payload: payload, ReceivedAt: at}
	if p.pending != nil {
		env.Meta = *p.pending
		p.pending = nil
	}
	return env
}

// Pending reports whether metadata is waiting for its frame.
func (p *Pairer) Pending() bool { return p.pending != nil }
