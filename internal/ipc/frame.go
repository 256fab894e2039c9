// Package ipc implements the local command/status bus: length-prefixed JSON
// frames over a unix domain socket, plus a relay channel for supervised
// children that opt in to inter-process messaging.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrame bounds a single message; anything larger is a protocol error.
const maxFrame = 1 << 20

// Message is the wire unit: 4-byte big-endian length, then UTF-8 JSON.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command types accepted by the core.
const (
	TypeStart     = "start"
	TypeStop      = "stop"
	TypeRestart   = "restart"
	TypeBlock     = "block"
	TypeUnblock   = "unblock"
	TypeStatus    = "status"
	TypeTerminate = "terminate"

	// relay opt-in and delivery
	TypeSubscribe = "subscribe"
	TypeSend      = "send"
	TypeDeliver   = "deliver"

	// replies
	TypeOK    = "ok"
	TypeError = "error"
)

// Error is a per-connection failure; the connection is closed and the core
// keeps running.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "ipc: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return &Error{Err: err}
	}
	if len(body) > maxFrame {
		return &Error{Err: fmt.Errorf("frame too large: %d bytes", len(body))}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return &Error{Err: err}
	}
	if _, err := w.Write(body); err != nil {
		return &Error{Err: err}
	}
	return nil
}

// ReadMessage reads one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return Message{}, &Error{Err: fmt.Errorf("frame too large: %d bytes", n)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, &Error{Err: err}
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, &Error{Err: err}
	}
	return m, nil
}

// OK builds a success reply.
func OK() Message { return Message{Type: TypeOK} }

// Errorf builds an error reply carrying a human-readable reason.
func Errorf(format string, args ...any) Message {
	body, _ := json.Marshal(fmt.Sprintf(format, args...))
	return Message{Type: TypeError, Payload: body}
}
