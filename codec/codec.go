// Package codec serializes envelopes for the wire.
//
// Both endpoints of a connection must use the same codec. JSON is the
// default and interoperates with any WebSocket peer; the binary codec is a
// compact length-prefixed layout for Go-to-Go links.
package codec

import (
	"encoding/json"
	"errors"

	"lithium/message"

	gjson "github.com/goccy/go-json"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// ErrMalformed reports a payload that could not be decoded into an envelope.
var ErrMalformed = errors.New("codec: malformed envelope")

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}

	return &JSONCodec{}
}

// ParseType maps a config name ("json", "binary") to a CodecType.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return CodecTypeJSON, errors.New("codec: unknown codec " + name)
}

func (t CodecType) String() string {
	if t == CodecTypeBinary {
		return "binary"
	}
	return "json"
}

// EncodeParam turns a command argument or result into the envelope param.
// nil stays absent; json.RawMessage is passed through untouched.
func EncodeParam(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return gjson.Marshal(v)
}

// DecodeParam decodes an envelope param into v. An absent param leaves v untouched.
func DecodeParam(param json.RawMessage, v any) error {
	if len(param) == 0 || v == nil {
		return nil
	}
	return gjson.Unmarshal(param, v)
}
