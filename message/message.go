// Package message defines the envelope exchanged between two lithium endpoints.
//
// Envelope is the only unit on the wire. Calls and replies share the same
// shape: a reply carries the id of the call it answers and one of the
// reserved commands "return" or "error". The reserved "id" command is the
// handshake by which an accepting server tells a fresh connection its identity.
package message

import (
	"encoding/json"
	"time"

	gjson "github.com/goccy/go-json"
)

// Reserved command names. Only Classify compares against them.
const (
	CommandReturn = "return"
	CommandError  = "error"
	CommandID     = "id"

	// CommandInvokeSibling is the relay command every server implements.
	// It is an ordinary command on the wire, not a reserved one.
	CommandInvokeSibling = "invokeSibling"
)

// Kind classifies an envelope by its command.
type Kind uint8

const (
	KindCall   Kind = iota // Any non-reserved command, dispatched to a handler
	KindReturn             // Successful reply
	KindError              // Failed reply
	KindID                 // Identity handshake
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindError:
		return "error"
	case KindID:
		return "id"
	}
	return "unknown"
}

// Classify maps a command name to its Kind.
func Classify(command string) Kind {
	switch command {
	case CommandReturn:
		return KindReturn
	case CommandError:
		return KindError
	case CommandID:
		return KindID
	}
	return KindCall
}

// IsReserved reports whether command can never be implemented by a handler.
func IsReserved(command string) bool {
	return Classify(command) != KindCall
}

// Envelope carries a single call or reply.
//
//   - On call:  Command names the operation, Param holds its JSON-encoded input.
//   - On reply: Command is "return" or "error", ID echoes the call's ID.
type Envelope struct {
	ID         string          `json:"id"`
	Timestamp  int64           `json:"timestamp"` // Unix milliseconds, informational only
	Command    string          `json:"command"`
	Param      json.RawMessage `json:"param,omitempty"`
	PeerToPeer bool            `json:"peerToPeer"`
}

// Kind returns the classification of e's command.
func (e *Envelope) Kind() Kind {
	return Classify(e.Command)
}

// Now returns the current time in envelope timestamp units.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Reply builds the reply envelope for call. Replies echo the call's id and timestamp.
func Reply(call *Envelope, kind Kind, param json.RawMessage) *Envelope {
	command := CommandReturn
	if kind == KindError {
		command = CommandError
	}
	return &Envelope{
		ID:        call.ID,
		Timestamp: call.Timestamp,
		Command:   command,
		Param:     param,
	}
}

// SiblingCall is the param of the invokeSibling relay command.
type SiblingCall struct {
	Param   json.RawMessage `json:"param,omitempty"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
}

// Fault is the conventional error payload: {"error": "message"}.
type Fault struct {
	Error string `json:"error"`
}

// ErrorReply builds an "error" reply to call carrying {"error": text}.
func ErrorReply(call *Envelope, text string) *Envelope {
	param, _ := gjson.Marshal(Fault{Error: text})
	return Reply(call, KindError, param)
}

// FaultText renders an error reply's param for humans: the "error" field of a
// conventional fault, the value of a JSON string, otherwise the raw JSON.
func (e *Envelope) FaultText() string {
	if len(e.Param) == 0 {
		return ""
	}
	var f Fault
	if err := gjson.Unmarshal(e.Param, &f); err == nil && f.Error != "" {
		return f.Error
	}
	var s string
	if err := gjson.Unmarshal(e.Param, &s); err == nil {
		return s
	}
	return string(e.Param)
}
