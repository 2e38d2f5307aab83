// Package endpoint implements one side of a lithium connection.
//
// A Conn both serves and issues calls over a single transport.Channel:
//
//	Invoke ──register(id)──► correlator      recvLoop ◄── channel
//	   │                        ▲                │
//	   └──send {id, command}────┼───► channel    ├─ "return"/"error" ──► correlator.Resolve(id)
//	                            │                ├─ "id"             ──► adopt identity
//	                            └────────────────┘─ other command    ──► go serveCall → handler → reply
//
// Messages are read by one goroutine in arrival order. Each inbound call is
// served on its own goroutine, so a slow handler never blocks replies to this
// side's own outbound calls.
package endpoint

import (
	"context"
	"sync"
	"sync/atomic"

	"lithium/codec"
	"lithium/command"
	"lithium/correlator"
	"lithium/message"
	"lithium/middleware"
	"lithium/transport"

	"go.uber.org/zap"
)

// Registry is the command registry type a Conn dispatches from.
type Registry = command.Registry[Handler]

// NewRegistry returns an empty Registry that several connections may share.
func NewRegistry() *Registry {
	return command.NewRegistry[Handler]()
}

// Conn is one endpoint of a duplex connection.
type Conn struct {
	ch          transport.Channel
	codec       codec.Codec
	commands    *Registry
	pending     *correlator.Correlator
	logger      *zap.Logger
	middlewares []middleware.Middleware
	serve       middleware.HandlerFunc

	mu sync.RWMutex
	id string

	allowPeerToPeer bool
	onID            func(*Conn)
	idOnce          sync.Once
	onClose         func(*Conn, error)
	onError         func(*Conn, error)

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// ctx is handed to handlers and ends when the connection closes.
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Conn)

// WithRegistry dispatches inbound calls from r instead of a private registry.
func WithRegistry(r *Registry) Option {
	return func(c *Conn) { c.commands = r }
}

// WithID gives the connection an identity and sends it to the peer as the
// "id" handshake before anything else.
func WithID(id string) Option {
	return func(c *Conn) { c.id = id }
}

// OnID is called once, when the peer's "id" handshake arrives.
func OnID(fn func(*Conn)) Option {
	return func(c *Conn) { c.onID = fn }
}

// AllowPeerToPeer lets relayed calls reach handlers implemented with ImplementSibling.
func AllowPeerToPeer(allow bool) Option {
	return func(c *Conn) { c.allowPeerToPeer = allow }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

func WithCodec(cdc codec.Codec) Option {
	return func(c *Conn) { c.codec = cdc }
}

// WithMiddleware wraps inbound call handling, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Conn) { c.middlewares = append(c.middlewares, mws...) }
}

// OnClose is called once when the connection reaches CLOSED.
func OnClose(fn func(*Conn, error)) Option {
	return func(c *Conn) { c.onClose = fn }
}

// OnError is called when the transport fails rather than closing cleanly.
func OnError(fn func(*Conn, error)) Option {
	return func(c *Conn) { c.onError = fn }
}

// New starts serving ch. With WithID the "id" handshake is sent before New returns.
func New(ch transport.Channel, opts ...Option) *Conn {
	c := &Conn{
		ch:      ch,
		codec:   &codec.JSONCodec{},
		pending: correlator.New(),
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.commands == nil {
		c.commands = NewRegistry()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.serve = middleware.Chain(c.middlewares...)(c.dispatchCall)

	if c.id != "" {
		c.sendID()
	}
	go c.recvLoop()
	return c
}

// ID returns the connection's identity: assigned at construction on the
// accepting side, learned from the handshake on the dialing side.
func (c *Conn) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Implement registers handler for name. Relayed calls to name are refused.
func (c *Conn) Implement(name string, handler Handler) error {
	return c.implement(name, handler, false)
}

// ImplementSibling registers handler for name and lets other connections of
// the same server reach it through the invokeSibling relay.
func (c *Conn) ImplementSibling(name string, handler Handler) error {
	return c.implement(name, handler, true)
}

func (c *Conn) implement(name string, handler Handler, allowPeerToPeer bool) error {
	if message.IsReserved(name) {
		return ErrReservedCommand
	}
	c.commands.Implement(name, handler, allowPeerToPeer)
	return nil
}

// Close closes the channel and moves the connection to CLOSED immediately,
// without waiting for the transport to report the closure.
func (c *Conn) Close() error {
	err := c.ch.Close()
	c.teardown(&transport.CloseError{Code: transport.CloseNormal, Reason: "closed locally"})
	return err
}

// Done is closed when the connection reaches CLOSED.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection is CLOSED.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Pending returns the number of outbound calls awaiting a reply.
func (c *Conn) Pending() int {
	return c.pending.Len()
}

// Channel returns the underlying transport channel.
func (c *Conn) Channel() transport.Channel {
	return c.ch
}

func (c *Conn) recvLoop() {
	for {
		data, err := c.ch.Recv()
		if err != nil {
			if !transport.IsClosed(err) {
				c.logger.Warn("transport error", zap.String("socket", c.ID()), zap.Error(err))
				if c.onError != nil {
					c.onError(c, err)
				}
			}
			c.teardown(err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Conn) teardown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.closed.Store(true)
		c.cancel()
		close(c.done)
		c.logger.Debug("connection closed",
			zap.String("socket", c.ID()),
			zap.Int("pending", c.pending.Len()),
			zap.Error(err))
		if c.onClose != nil {
			c.onClose(c, err)
		}
	})
}

// send writes env to the channel. Once the connection is CLOSED sends are
// dropped and reported as success.
func (c *Conn) send(env *message.Envelope) error {
	if c.closed.Load() {
		return nil
	}
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := c.ch.Send(data); err != nil {
		if c.closed.Load() || transport.IsClosed(err) {
			c.logger.Debug("dropped message on closed connection",
				zap.String("id", env.ID), zap.String("command", env.Command))
			return nil
		}
		return err
	}
	return nil
}

func (c *Conn) sendID() {
	param, err := codec.EncodeParam(c.id)
	if err != nil {
		c.logger.Error("cannot encode identity", zap.Error(err))
		return
	}
	env := &message.Envelope{
		ID:        c.id,
		Timestamp: message.Now(),
		Command:   message.CommandID,
		Param:     param,
	}
	if err := c.send(env); err != nil {
		c.logger.Warn("cannot send identity", zap.String("socket", c.id), zap.Error(err))
		return
	}
	c.logger.Debug("sent identity", zap.String("socket", c.id))
}
