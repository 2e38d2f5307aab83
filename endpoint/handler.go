package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lithium/codec"
)

var (
	// ErrReservedCommand is returned when implementing or invoking "return", "error" or "id".
	ErrReservedCommand = errors.New("endpoint: command name is reserved")
)

// Handler serves one command. param is the raw JSON argument (nil when the
// caller sent none); c is the connection the call arrived on. The result is
// JSON encoded into the "return" reply; an error becomes the "error" reply.
type Handler func(ctx context.Context, param json.RawMessage, c *Conn) (any, error)

// Handle adapts a typed function to a Handler. An absent param leaves P at its zero value.
func Handle[P, R any](fn func(ctx context.Context, param P, c *Conn) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage, c *Conn) (any, error) {
		var p P
		if err := codec.DecodeParam(raw, &p); err != nil {
			return nil, fmt.Errorf("decode param: %w", err)
		}
		return fn(ctx, p, c)
	}
}

// FaultValue makes a handler fail with an arbitrary JSON value as the error
// payload, instead of the conventional {"error": message}.
type FaultValue struct {
	Value any
}

func (f *FaultValue) Error() string {
	return fmt.Sprintf("fault value: %v", f.Value)
}

// RemoteError is how a call fails when the peer answers with "error".
type RemoteError struct {
	Command string          // Command that was invoked
	Payload json.RawMessage // The error reply's param, untouched
	text    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Command, e.text)
}

// Text is the human-readable part of Payload.
func (e *RemoteError) Text() string {
	return e.text
}

// Decode unmarshals Payload into v, for peers that fail with structured values.
func (e *RemoteError) Decode(v any) error {
	return codec.DecodeParam(e.Payload, v)
}
