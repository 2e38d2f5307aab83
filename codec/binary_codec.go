package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"lithium/message"
)

// BinaryCodec layout:
//
//	idLen(2) id | timestamp(8) | cmdLen(2) command | flags(1) | paramLen(4) param
//
// flags bit 0 is peerToPeer. param stays JSON encoded.
type BinaryCodec struct{}

const flagPeerToPeer byte = 1 << 0

func (c *BinaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	if len(env.ID) > math.MaxUint16 || len(env.Command) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: id or command too long")
	}
	if uint64(len(env.Param)) > math.MaxUint32 {
		return nil, errors.New("BinaryCodec: param too long")
	}
	total := 2 + len(env.ID) + 8 + 2 + len(env.Command) + 1 + 4 + len(env.Param)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(env.ID)))
	offset += 2
	offset += copy(buf[offset:], env.ID)

	binary.BigEndian.PutUint64(buf[offset:], uint64(env.Timestamp))
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(env.Command)))
	offset += 2
	offset += copy(buf[offset:], env.Command)

	if env.PeerToPeer {
		buf[offset] = flagPeerToPeer
	}
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(env.Param)))
	offset += 4
	copy(buf[offset:], env.Param)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, env *message.Envelope) error {
	r := binaryReader{data: data}

	id := r.next(int(r.uint16()))
	ts := r.uint64()
	command := r.next(int(r.uint16()))
	flags := r.byte()
	param := r.next(int(r.uint32()))
	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, r.err)
	}
	if r.off != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-r.off)
	}

	env.ID = string(id)
	env.Timestamp = int64(ts)
	env.Command = string(command)
	env.PeerToPeer = flags&flagPeerToPeer != 0
	env.Param = nil
	if len(param) > 0 {
		env.Param = append([]byte(nil), param...)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binaryReader records the first short read and turns later reads into no-ops.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binaryReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binaryReader) uint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
