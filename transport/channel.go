// Package transport provides the duplex message channels lithium endpoints run on.
//
// A Channel moves whole messages: one Send is one Recv on the other side.
// Three implementations are provided:
//
//   - WebSocket: a gorilla/websocket connection (the usual deployment)
//   - Stream:    any net.Conn, framed with the lithium frame protocol
//   - Pipe:      an in-memory pair for tests and in-process peers
//
// Recv blocks until a message arrives. Once it returns an error the channel is
// finished; errors wrapping ErrClosed mean an orderly or locally requested
// close, anything else is a transport failure that also ends the channel.
package transport

import (
	"errors"
	"fmt"
)

// Close codes, shared with the WebSocket close codes.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// ErrClosed is wrapped by every error returned after a channel has closed.
var ErrClosed = errors.New("transport: channel closed")

// Channel is a duplex, message-oriented connection.
// Send may be called from many goroutines; Recv from one.
type Channel interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// CloseError describes how a channel closed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: channel closed (code %d)", e.Code)
	}
	return fmt.Sprintf("transport: channel closed (code %d): %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	return ErrClosed
}

// IsClosed reports whether err marks an orderly close rather than a failure.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
