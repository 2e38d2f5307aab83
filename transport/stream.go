package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"lithium/protocol"
)

// Stream carries envelopes over a byte stream using the lithium frame protocol.
//
// Frames from different goroutines must not interleave (frame A's header
// followed by frame B's body corrupts the stream), so every write holds sending.
type Stream struct {
	conn      net.Conn
	codecType byte
	sending   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream wraps conn. codecType is recorded in each frame header.
// A positive heartbeat interval starts a heartbeat loop.
func NewStream(conn net.Conn, codecType byte, heartbeat time.Duration) *Stream {
	s := &Stream{
		conn:      conn,
		codecType: codecType,
		done:      make(chan struct{}),
	}
	if heartbeat > 0 {
		go s.heartbeatLoop(heartbeat)
	}
	return s
}

func (s *Stream) Send(data []byte) error {
	return s.write(protocol.MsgTypeEnvelope, data)
}

// Recv returns the next envelope frame. Heartbeat frames are skipped.
func (s *Stream) Recv() ([]byte, error) {
	for {
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			return nil, s.translate(err)
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeClose:
			return nil, &CloseError{Code: CloseNormal, Reason: string(body)}
		}
		return body, nil
	}
}

// Close sends a close frame and closes the connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.write(protocol.MsgTypeClose, nil)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer's network address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) write(msgType protocol.MsgType, body []byte) error {
	s.sending.Lock()
	defer s.sending.Unlock()

	select {
	case <-s.done:
		return &CloseError{Code: CloseNormal, Reason: "closed locally"}
	default:
	}
	header := &protocol.Header{
		CodecType: s.codecType,
		MsgType:   msgType,
	}
	if err := protocol.Encode(s.conn, header, body); err != nil {
		return s.translate(err)
	}
	return nil
}

// heartbeatLoop keeps idle connections from being reaped by middleboxes.
// Heartbeat frames have no body, so they're very lightweight.
func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(protocol.MsgTypeHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) translate(err error) error {
	select {
	case <-s.done:
		return &CloseError{Code: CloseNormal, Reason: "closed locally"}
	default:
	}
	if errors.Is(err, io.EOF) {
		return &CloseError{Code: CloseAbnormal, Reason: "connection closed without close frame"}
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return &CloseError{Code: CloseNormal}
	}
	return err
}
