// Package server manages a pool of lithium connections.
//
// Connection lifecycle:
//
//	transport accepted (WebSocket upgrade or framed TCP)
//	  → Accept: fresh id → endpoint.New(shared registry) → pool[id] → OnSocketOpen
//	  → ... calls in both directions ...
//	  → channel closes → pool delete(id) → OnSocketClose
//
// Every connection dispatches inbound calls from the server's one shared
// registry, which always holds the invokeSibling relay.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"lithium/codec"
	"lithium/endpoint"
	"lithium/message"
	"lithium/metrics"
	"lithium/middleware"
	"lithium/protocol"
	"lithium/registry"
	"lithium/transport"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrSocketNotFound = errors.New("server: no connection with that id")
	ErrServerClosed   = errors.New("server: closed")
)

// Server accepts connections and tracks them by id.
type Server struct {
	commands *endpoint.Registry

	mu      sync.RWMutex
	sockets map[string]*endpoint.Conn

	logger      *zap.Logger
	codec       codec.Codec
	metrics     *metrics.Collector
	newID       func() string
	onOpen      func(*endpoint.Conn, *http.Request) error
	onClose     func(*endpoint.Conn)
	upgrader    websocket.Upgrader
	keepAlive   time.Duration
	middlewares []middleware.Middleware

	lmu       sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup // Accept loops and their per-connection goroutines
	shutdown  atomic.Bool

	registry      registry.Registry
	serviceName   string
	advertiseAddr string
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCodec sets the envelope codec of every accepted connection.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithIDGenerator replaces the random connection id source. Collisions with
// live connections are still retried.
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) { s.newID = fn }
}

// OnSocketOpen is called after a connection joins the pool. req is nil for
// connections that did not arrive over HTTP. A returned error is logged.
func OnSocketOpen(fn func(c *endpoint.Conn, req *http.Request) error) Option {
	return func(s *Server) { s.onOpen = fn }
}

// OnSocketClose is called after a connection leaves the pool.
func OnSocketClose(fn func(c *endpoint.Conn)) Option {
	return func(s *Server) { s.onClose = fn }
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

// WithKeepAlive pings WebSocket peers and sends heartbeat frames to stream
// peers at the given interval. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// WithMiddleware wraps inbound call handling on every accepted connection.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// NewServer creates a server with an empty pool and the invokeSibling relay installed.
func NewServer(opts ...Option) *Server {
	s := &Server{
		commands: endpoint.NewRegistry(),
		sockets:  make(map[string]*endpoint.Conn),
		logger:   zap.NewNop(),
		codec:    &codec.JSONCodec{},
		newID:    randomID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.commands.Implement(message.CommandInvokeSibling, s.invokeSibling, true)
	return s
}

// Use appends a middleware for connections accepted from now on.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// randomID returns 16 random bytes, hex encoded.
func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("server: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Implement registers handler for every connection of this server. Server
// commands are always reachable peer-to-peer.
func (s *Server) Implement(name string, handler endpoint.Handler) error {
	if message.IsReserved(name) {
		return endpoint.ErrReservedCommand
	}
	s.commands.Implement(name, handler, true)
	return nil
}

// Accept adds ch to the pool as a new connection and returns it. The
// connection's first message is its "id" handshake.
func (s *Server) Accept(ch transport.Channel, req *http.Request) *endpoint.Conn {
	opts := []endpoint.Option{
		endpoint.WithRegistry(s.commands),
		endpoint.WithLogger(s.logger),
		endpoint.WithCodec(s.codec),
		endpoint.WithMiddleware(s.middlewares...),
		endpoint.OnClose(s.remove),
		endpoint.OnError(func(c *endpoint.Conn, err error) {
			s.logger.Warn("connection failed", zap.String("socket", c.ID()), zap.Error(err))
		}),
	}

	// The pool lock is held until the connection is inserted so that its
	// close notification cannot run before it is in the pool.
	s.mu.Lock()
	id := s.newID()
	for _, taken := s.sockets[id]; taken; _, taken = s.sockets[id] {
		id = s.newID()
	}
	conn := endpoint.New(ch, append(opts, endpoint.WithID(id))...)
	s.sockets[id] = conn
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Debug("accepted connection", zap.String("socket", id), zap.String("remote", remoteAddr(ch, req)))

	if s.onOpen != nil {
		if err := s.onOpen(conn, req); err != nil {
			s.logger.Error("socket open hook failed", zap.String("socket", id), zap.Error(err))
		}
	}
	return conn
}

func (s *Server) remove(c *endpoint.Conn, err error) {
	s.mu.Lock()
	if s.sockets[c.ID()] == c {
		delete(s.sockets, c.ID())
	}
	s.mu.Unlock()

	s.metrics.ConnectionClosed()
	s.logger.Debug("connection left pool", zap.String("socket", c.ID()), zap.Error(err))
	if s.onClose != nil {
		s.onClose(c)
	}
}

func remoteAddr(ch transport.Channel, req *http.Request) string {
	if req != nil {
		return req.RemoteAddr
	}
	if r, ok := ch.(interface{ RemoteAddr() net.Addr }); ok {
		return r.RemoteAddr().String()
	}
	return ""
}

// ServeHTTP upgrades the request to a WebSocket and accepts it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	binary := s.codec.Type() == codec.CodecTypeBinary
	s.Accept(transport.NewWebSocket(ws, binary, s.keepAlive), r)
}

// Serve listens on address, optionally advertises advertiseAddr under the
// service name in reg, and accepts framed stream connections until Shutdown.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if reg != nil {
		if err := s.Advertise(context.Background(), reg, "", advertiseAddr, 0); err != nil {
			listener.Close()
			return err
		}
	}
	return s.ServeTCP(listener)
}

// Advertise registers this server in reg. An empty serviceName uses
// registry.DefaultService; a zero ttl uses registry.DefaultTTL.
func (s *Server) Advertise(ctx context.Context, reg registry.Registry, serviceName, advertiseAddr string, ttl int64) error {
	if serviceName == "" {
		serviceName = registry.DefaultService
	}
	if ttl <= 0 {
		ttl = registry.DefaultTTL
	}
	err := reg.Register(ctx, serviceName, registry.ServiceInstance{
		Addr:    advertiseAddr,
		Weight:  1,
		Version: strconv.Itoa(int(protocol.Version)),
	}, ttl)
	if err != nil {
		return fmt.Errorf("server: advertise %s at %s: %w", serviceName, advertiseAddr, err)
	}
	s.registry = reg
	s.serviceName = serviceName
	s.advertiseAddr = advertiseAddr
	s.logger.Info("advertised service", zap.String("service", serviceName), zap.String("addr", advertiseAddr))
	return nil
}

// ServeTCP accepts framed stream connections on l until Shutdown.
func (s *Server) ServeTCP(l net.Listener) error {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which is how this loop ends.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.Accept(transport.NewStream(conn, byte(s.codec.Type()), s.keepAlive), nil)
	}
}

// GetSocket returns the connection with the given id.
func (s *Server) GetSocket(id string) (*endpoint.Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sockets[id]
	return c, ok
}

// GetSockets returns a snapshot of the pool in no particular order.
func (s *Server) GetSockets() []*endpoint.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*endpoint.Conn, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

// Invoke calls command on the connection with the given id.
func (s *Server) Invoke(ctx context.Context, id, command string, param any, peerToPeer bool) (json.RawMessage, error) {
	c, ok := s.GetSocket(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSocketNotFound, id)
	}
	if peerToPeer {
		return c.InvokePeerToPeer(ctx, command, param)
	}
	return c.Invoke(ctx, command, param)
}

// Shutdown withdraws the server from discovery, stops accepting, closes
// every connection and waits for the accept loops to return.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := s.registry.Deregister(ctx, s.serviceName, s.advertiseAddr)
		cancel()
		if err != nil {
			s.logger.Warn("deregister failed", zap.String("service", s.serviceName), zap.Error(err))
		}
	}

	// Set the flag before closing listeners so Accept errors read as intentional.
	s.shutdown.Store(true)
	s.lmu.Lock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.lmu.Unlock()

	for _, c := range s.GetSockets() {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for accept loops to finish")
	}
}
