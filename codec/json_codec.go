package codec

import (
	"fmt"

	"lithium/message"

	gjson "github.com/goccy/go-json"
)

// JSONCodec writes envelopes as UTF-8 JSON objects.
// Decode only accepts payloads that pass message.Conforms.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	return gjson.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte, env *message.Envelope) error {
	if err := message.Conforms(data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := gjson.Unmarshal(data, env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
