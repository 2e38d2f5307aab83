package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	gjson "github.com/goccy/go-json"
)

// ErrNonConforming reports a payload that does not have the envelope shape.
var ErrNonConforming = errors.New("message: payload does not conform to envelope")

type jsonType uint8

const (
	jsonString jsonType = iota
	jsonNumber
	jsonBool
)

var requiredFields = []struct {
	name string
	typ  jsonType
}{
	{"id", jsonString},
	{"timestamp", jsonNumber},
	{"command", jsonString},
	{"peerToPeer", jsonBool},
}

// Conforms checks that data is a JSON object with a string id and command,
// a numeric timestamp and a boolean peerToPeer. param is optional and may hold
// any JSON value. It runs before any field of the payload is trusted.
func Conforms(data []byte) error {
	var fields map[string]json.RawMessage
	if err := gjson.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrNonConforming, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: not an object", ErrNonConforming)
	}
	for _, f := range requiredFields {
		raw, ok := fields[f.name]
		if !ok {
			return fmt.Errorf("%w: missing %q", ErrNonConforming, f.name)
		}
		if !hasType(raw, f.typ) {
			return fmt.Errorf("%w: field %q has wrong type", ErrNonConforming, f.name)
		}
	}
	return nil
}

func hasType(raw json.RawMessage, typ jsonType) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch typ {
	case jsonString:
		return raw[0] == '"'
	case jsonNumber:
		return raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')
	case jsonBool:
		return bytes.Equal(raw, []byte("true")) || bytes.Equal(raw, []byte("false"))
	}
	return false
}
