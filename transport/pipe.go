package transport

import "sync"

const pipeBuffer = 128

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	done  chan struct{}
	once  *sync.Once
	state *pipeState
}

type pipeState struct {
	mu     sync.Mutex
	reason string
}

// Pipe returns two connected in-memory channels. Closing either end closes both.
// Each direction buffers a fixed number of messages; Send blocks when it is full.
func Pipe() (Channel, Channel) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	state := &pipeState{}

	a := &pipeEnd{in: ba, out: ab, done: done, once: once, state: state}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once, state: state}
	return a, b
}

func (p *pipeEnd) Send(data []byte) error {
	select {
	case <-p.done:
		return p.closeErr()
	default:
	}
	msg := append([]byte(nil), data...)
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return p.closeErr()
	}
}

// Recv delivers queued messages before reporting the close.
func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, p.closeErr()
	}
}

func (p *pipeEnd) Close() error {
	p.CloseWithReason("")
	return nil
}

// CloseWithReason closes both ends; Recv on either reports reason.
func (p *pipeEnd) CloseWithReason(reason string) {
	p.once.Do(func() {
		p.state.mu.Lock()
		p.state.reason = reason
		p.state.mu.Unlock()
		close(p.done)
	})
}

func (p *pipeEnd) closeErr() error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return &CloseError{Code: CloseNormal, Reason: p.state.reason}
}
