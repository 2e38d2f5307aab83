// Package registry advertises lithium servers and lets clients find them.
package registry

import (
	"context"
	"errors"
)

const (
	// DefaultService is the service name servers advertise under when none is configured.
	DefaultService = "lithium"
	// DefaultTTL is the lease length, in seconds, of an advertised instance.
	DefaultTTL int64 = 10

	keyPrefix = "/lithium/"
)

var ErrNoInstances = errors.New("registry: no instances available")

// ServiceInstance is one advertised server. Addr is a dialable URL:
// ws://host:port/path for WebSocket servers, tcp://host:port for framed streams.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

func serviceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}
