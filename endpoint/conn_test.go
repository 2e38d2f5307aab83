package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lithium/codec"
	"lithium/message"
	"lithium/middleware"
	"lithium/transport"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newPair(t *testing.T, aOpts []Option, bOpts []Option) (*Conn, *Conn) {
	t.Helper()
	ca, cb := transport.Pipe()
	a := New(ca, aOpts...)
	b := New(cb, bOpts...)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var square = Handle(func(ctx context.Context, n int, c *Conn) (int, error) {
	return n * n, nil
})

func TestInvokeReturnsHandlerResult(t *testing.T) {
	a, b := newPair(t, nil, nil)
	if err := b.Implement("square", square); err != nil {
		t.Fatal(err)
	}

	var got int
	if err := a.Call(testContext(t), "square", 7, &got); err != nil {
		t.Fatal(err)
	}
	if got != 49 {
		t.Fatalf("expect 49, got %d", got)
	}
	if a.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", a.Pending())
	}
}

// 并发发 50 个请求，回复乱序到达也要对上号
func TestConcurrentCallsAreCorrelated(t *testing.T) {
	a, b := newPair(t, nil, nil)
	b.Implement("slowSquare", Handle(func(ctx context.Context, n int, c *Conn) (int, error) {
		time.Sleep(time.Duration(50-n) * time.Millisecond)
		return n * n, nil
	}))

	ctx := testContext(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var got int
			if err := a.Call(ctx, "slowSquare", n, &got); err != nil {
				t.Errorf("call %d failed: %v", n, err)
				return
			}
			if got != n*n {
				t.Errorf("call %d: expect %d, got %d", n, n*n, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestUnknownCommand(t *testing.T) {
	a, _ := newPair(t, nil, nil)

	_, err := a.Invoke(testContext(t), "nope", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
	if !strings.Contains(re.Text(), "command does not exist") {
		t.Fatalf("expect 'command does not exist', got %q", re.Text())
	}
}

func TestHandlerErrorBecomesRemoteError(t *testing.T) {
	a, b := newPair(t, nil, nil)
	b.Implement("boom", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		return nil, errors.New("bad")
	})

	_, err := a.Invoke(testContext(t), "boom", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
	if re.Text() != "bad" || re.Command != "boom" {
		t.Fatalf("unexpected remote error %+v", re)
	}
	var fault message.Fault
	if err := re.Decode(&fault); err != nil || fault.Error != "bad" {
		t.Fatalf("expect {\"error\":\"bad\"} payload, got %s", re.Payload)
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("error text should mention the cause: %v", err)
	}
}

func TestFaultValueIsSentRaw(t *testing.T) {
	a, b := newPair(t, nil, nil)
	type thrown struct {
		Name  string `json:"name"`
		Error string `json:"error"`
	}
	b.Implement("handleThrow", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		return nil, &FaultValue{Value: thrown{Name: "Elijah", Error: "bye bye!"}}
	})

	_, err := a.Invoke(testContext(t), "handleThrow", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
	var got thrown
	if err := re.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "Elijah" || got.Error != "bye bye!" {
		t.Fatalf("unexpected payload %s", re.Payload)
	}
}

func TestPanickingHandlerDoesNotKillConnection(t *testing.T) {
	a, b := newPair(t, nil, nil)
	b.Implement("panic", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		panic("kaboom")
	})
	b.Implement("square", square)

	ctx := testContext(t)
	_, err := a.Invoke(ctx, "panic", nil)
	var re *RemoteError
	if !errors.As(err, &re) || !strings.Contains(re.Text(), "kaboom") {
		t.Fatalf("expect panic to surface as remote error, got %v", err)
	}

	var got int
	if err := a.Call(ctx, "square", 3, &got); err != nil || got != 9 {
		t.Fatalf("connection should keep serving, got %d, %v", got, err)
	}
}

func TestReservedCommandsCannotBeImplemented(t *testing.T) {
	a, _ := newPair(t, nil, nil)
	for _, name := range []string{"return", "error", "id"} {
		if err := a.Implement(name, square); !errors.Is(err, ErrReservedCommand) {
			t.Errorf("Implement(%q) = %v, want ErrReservedCommand", name, err)
		}
		if err := a.ImplementSibling(name, square); !errors.Is(err, ErrReservedCommand) {
			t.Errorf("ImplementSibling(%q) = %v, want ErrReservedCommand", name, err)
		}
		if _, ok := a.commands.Lookup(name); ok {
			t.Errorf("registry was mutated for %q", name)
		}
		if _, err := a.Invoke(context.Background(), name, nil); !errors.Is(err, ErrReservedCommand) {
			t.Errorf("Invoke(%q) = %v, want ErrReservedCommand", name, err)
		}
	}
}

func TestPeerToPeerRefusal(t *testing.T) {
	var denied, allowed atomic.Int32
	counting := func(n *atomic.Int32) Handler {
		return func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
			n.Add(1)
			return "ran", nil
		}
	}

	a, b := newPair(t, nil, []Option{AllowPeerToPeer(true)})
	b.Implement("peerMessageDeny", counting(&denied))
	b.ImplementSibling("peerMessageAllow", counting(&allowed))

	ctx := testContext(t)
	_, err := a.InvokePeerToPeer(ctx, "peerMessageDeny", nil)
	var re *RemoteError
	if !errors.As(err, &re) || !strings.Contains(re.Text(), "peer-to-peer") {
		t.Fatalf("expect peer-to-peer refusal, got %v", err)
	}
	if denied.Load() != 0 {
		t.Fatalf("refused handler must not run, ran %d times", denied.Load())
	}

	// Direct calls are unaffected by the flag.
	if _, err := a.Invoke(ctx, "peerMessageDeny", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.InvokePeerToPeer(ctx, "peerMessageAllow", nil); err != nil {
		t.Fatal(err)
	}
	if denied.Load() != 1 || allowed.Load() != 1 {
		t.Fatalf("expect one run each, got deny=%d allow=%d", denied.Load(), allowed.Load())
	}
}

func TestPeerToPeerRefusedWhenConnectionDisallows(t *testing.T) {
	var runs atomic.Int32
	a, b := newPair(t, nil, []Option{AllowPeerToPeer(false)})
	b.ImplementSibling("ping", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		runs.Add(1)
		return "pong", nil
	})

	_, err := a.InvokePeerToPeer(testContext(t), "ping", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expect refusal, got %v", err)
	}
	if runs.Load() != 0 {
		t.Fatal("handler must not run on a connection that disallows peer-to-peer")
	}
}

func TestIdentityHandshake(t *testing.T) {
	got := make(chan string, 1)
	_, b := newPair(t,
		[]Option{WithID("abc123")},
		[]Option{OnID(func(c *Conn) { got <- c.ID() })})

	select {
	case id := <-got:
		if id != "abc123" {
			t.Fatalf("expect abc123, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("identity never arrived")
	}
	if b.ID() != "abc123" {
		t.Fatalf("expect ID() to report abc123, got %q", b.ID())
	}
}

func TestIdentityNotReplacedOnceKnown(t *testing.T) {
	got := make(chan string, 1)
	newPair(t,
		[]Option{WithID("server-side")},
		[]Option{WithID("mine"), OnID(func(c *Conn) { got <- c.ID() })})

	select {
	case id := <-got:
		if id != "mine" {
			t.Fatalf("an existing identity must be kept, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnID never fired")
	}
}

func TestMalformedInputIsDroppedAndLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	raw, cb := transport.Pipe()
	b := New(cb, WithLogger(zap.New(core)))
	defer b.Close()
	b.Implement("square", square)

	raw.Send([]byte("not json"))
	raw.Send([]byte(`{"id":7,"timestamp":1,"command":"square","peerToPeer":false}`))
	raw.Send([]byte(`{"id":"ghost","timestamp":1,"command":"return","peerToPeer":false}`))
	raw.Send([]byte(`{"id":"q1","timestamp":1,"command":"square","param":4,"peerToPeer":false}`))

	data, err := raw.Recv()
	if err != nil {
		t.Fatal(err)
	}
	var reply message.Envelope
	if err := (&codec.JSONCodec{}).Decode(data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.ID != "q1" || reply.Command != message.CommandReturn || string(reply.Param) != "16" {
		t.Fatalf("unexpected reply %+v (%s)", reply, reply.Param)
	}
	if b.Closed() {
		t.Fatal("malformed input must not close the connection")
	}
	if n := logs.FilterMessage("dropping malformed message").Len(); n != 2 {
		t.Fatalf("expect 2 malformed diagnostics, got %d", n)
	}
	if n := logs.FilterMessage("reply matches no pending call").Len(); n != 1 {
		t.Fatalf("expect 1 unmatched-reply diagnostic, got %d", n)
	}
}

func TestCloseFiresCallbacksAndDropsSends(t *testing.T) {
	closedA := make(chan error, 1)
	closedB := make(chan error, 1)
	a, b := newPair(t,
		[]Option{OnClose(func(c *Conn, err error) { closedA <- err })},
		[]Option{OnClose(func(c *Conn, err error) { closedB <- err })})
	b.Implement("square", square)

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.Closed() {
		t.Fatal("expect CLOSED right after Close")
	}
	for name, ch := range map[string]chan error{"a": closedA, "b": closedB} {
		select {
		case err := <-ch:
			if !transport.IsClosed(err) {
				t.Errorf("%s: expect close error, got %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: OnClose never fired", name)
		}
	}
	<-b.Done()

	// Sends are dropped silently, so the call only ends with its context.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Invoke(ctx, "square", 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded on closed connection, got %v", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("expect cancelled call to be forgotten, %d pending", a.Pending())
	}
}

func TestContextCancelForgetsPendingCall(t *testing.T) {
	release := make(chan struct{})
	a, b := newPair(t, nil, nil)
	b.Implement("hang", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Invoke(ctx, "hang", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", a.Pending())
	}
	close(release)

	// The late reply is unmatched and must not disturb later calls.
	b.Implement("square", square)
	var got int
	if err := a.Call(testContext(t), "square", 5, &got); err != nil || got != 25 {
		t.Fatalf("expect 25, got %d, %v", got, err)
	}
}

func TestBidirectionalNestedCalls(t *testing.T) {
	a, b := newPair(t, nil, nil)
	a.Implement("double", Handle(func(ctx context.Context, n int, c *Conn) (int, error) {
		return 2 * n, nil
	}))
	// b answers "quadruple" by calling back into a while serving a's call.
	b.Implement("quadruple", Handle(func(ctx context.Context, n int, c *Conn) (int, error) {
		var twice int
		if err := c.Call(ctx, "double", n, &twice); err != nil {
			return 0, err
		}
		return 2 * twice, nil
	}))

	var got int
	if err := a.Call(testContext(t), "quadruple", 3, &got); err != nil {
		t.Fatal(err)
	}
	if got != 12 {
		t.Fatalf("expect 12, got %d", got)
	}
}

func TestHandlerContextEndsOnClose(t *testing.T) {
	started := make(chan struct{})
	ended := make(chan struct{})
	a, b := newPair(t, nil, nil)
	b.Implement("wait", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		close(started)
		<-ctx.Done()
		close(ended)
		return nil, ctx.Err()
	})

	go a.Invoke(context.Background(), "wait", nil)
	<-started
	b.Close()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled on close")
	}
}

func TestMiddlewareWrapsInboundCalls(t *testing.T) {
	a, b := newPair(t, nil, []Option{WithMiddleware(middleware.TimeOutMiddleware(20 * time.Millisecond))})
	b.Implement("slow", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil, nil
	})

	_, err := a.Invoke(testContext(t), "slow", nil)
	var re *RemoteError
	if !errors.As(err, &re) || re.Text() != "request timed out" {
		t.Fatalf("expect timeout reply, got %v", err)
	}
}

func TestBinaryCodecPair(t *testing.T) {
	bin := WithCodec(&codec.BinaryCodec{})
	a, b := newPair(t, []Option{bin}, []Option{bin})
	b.Implement("handleBuffer", Handle(func(ctx context.Context, p []byte, c *Conn) ([]byte, error) {
		return append([]byte("Hello, world! "), p...), nil
	}))

	var got []byte
	if err := a.Call(testContext(t), "handleBuffer", []byte{0, 1, 2}, &got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "Hello, world! \x00\x01\x02" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestVoidHandler(t *testing.T) {
	a, b := newPair(t, nil, nil)
	called := make(chan struct{}, 1)
	b.Implement("handleVoid", func(ctx context.Context, param json.RawMessage, c *Conn) (any, error) {
		if param != nil {
			t.Errorf("expect absent param, got %s", param)
		}
		called <- struct{}{}
		return nil, nil
	})

	raw, err := a.Invoke(testContext(t), "handleVoid", nil)
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Fatalf("expect absent result, got %s", raw)
	}
	<-called
}
