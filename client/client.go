// Package client dials lithium servers.
//
//	Dial(address) ──► WebSocket or framed TCP ──► endpoint.Conn
//	                                                 │
//	                            wait for "id" ◄──────┘   (server assigns identity)
//
// A dialled Client is an endpoint.Conn: it can Invoke the server, Implement
// commands the server calls back, and reach sibling connections through
// InvokeSibling.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"lithium/codec"
	"lithium/config"
	"lithium/endpoint"
	"lithium/loadbalance"
	"lithium/logging"
	"lithium/registry"
	"lithium/transport"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrHandshake = errors.New("client: connection closed before the server sent an id")

// Client is a connection to a lithium server that has completed the id handshake.
type Client struct {
	*endpoint.Conn
	Addr string // Address the client dialled
}

// Dial connects to cfg.Address and waits until the server has assigned the
// connection its id. ws:// and wss:// addresses use WebSocket, with
// cfg.Bearer sent as the Authorization header; tcp:// addresses use the
// framed stream protocol. opts are applied after the options derived from cfg.
func Dial(ctx context.Context, cfg config.ClientConfig, opts ...endpoint.Option) (*Client, error) {
	cdc, err := codecFor(cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger := logging.Named(logging.New(cfg.Debug), "client")

	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	ch, err := dialChannel(ctx, cfg, cdc)
	if err != nil {
		return nil, err
	}

	ready := make(chan struct{})
	base := []endpoint.Option{
		endpoint.WithCodec(cdc),
		endpoint.WithLogger(logger),
		endpoint.AllowPeerToPeer(cfg.AllowPeerToPeer),
	}
	opts = append(append(base, opts...), endpoint.OnID(func(*endpoint.Conn) { close(ready) }))
	conn := endpoint.New(ch, opts...)

	select {
	case <-ready:
		logger.Debug("connected", zap.String("address", cfg.Address), zap.String("id", conn.ID()))
		return &Client{Conn: conn, Addr: cfg.Address}, nil
	case <-conn.Done():
		return nil, fmt.Errorf("%w: %v", ErrHandshake, conn.Err())
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("client: waiting for id from %s: %w", cfg.Address, ctx.Err())
	}
}

// DialService discovers serviceName in reg, lets bal pick an instance (keyed
// by key for affine strategies) and dials it with cfg.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, serviceName, key string, cfg config.ClientConfig, opts ...endpoint.Option) (*Client, error) {
	instances, err := reg.Discover(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", serviceName, err)
	}
	instance, err := bal.Pick(instances, key)
	if err != nil {
		return nil, fmt.Errorf("client: pick %s instance: %w", serviceName, err)
	}
	cfg.Address = instance.Addr
	return Dial(ctx, cfg, opts...)
}

func codecFor(name string) (codec.Codec, error) {
	if name == "" {
		return codec.GetCodec(codec.CodecTypeJSON), nil
	}
	t, err := codec.ParseType(name)
	if err != nil {
		return nil, err
	}
	return codec.GetCodec(t), nil
}

func dialChannel(ctx context.Context, cfg config.ClientConfig, cdc codec.Codec) (transport.Channel, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("client: bad address %q: %w", cfg.Address, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		header := http.Header{}
		if cfg.Bearer != "" {
			header.Set("Authorization", cfg.Bearer)
		}
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.Address, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", cfg.Address, err)
		}
		return transport.NewWebSocket(ws, cdc.Type() == codec.CodecTypeBinary, cfg.KeepAlive), nil
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", cfg.Address, err)
		}
		return transport.NewStream(conn, byte(cdc.Type()), cfg.KeepAlive), nil
	}
	return nil, fmt.Errorf("client: unsupported scheme %q in %s", u.Scheme, cfg.Address)
}

// Reconnect dials cfg again after the connection closes, backing off between
// failed attempts, until ctx ends. Each new Client is passed to onConnect.
func Reconnect(ctx context.Context, cfg config.ClientConfig, backoff time.Duration, onConnect func(*Client), opts ...endpoint.Option) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	logger := logging.Named(logging.New(cfg.Debug), "client")
	delay := backoff
	for {
		c, err := Dial(ctx, cfg, opts...)
		if err == nil {
			delay = backoff
			onConnect(c)
			select {
			case <-c.Done():
				logger.Info("connection lost, reconnecting", zap.String("address", cfg.Address), zap.Error(c.Err()))
			case <-ctx.Done():
				c.Close()
				return ctx.Err()
			}
		} else {
			logger.Warn("dial failed", zap.String("address", cfg.Address), zap.Duration("retry_in", delay), zap.Error(err))
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}
