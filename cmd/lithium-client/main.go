// Command lithium-client connects to a lithium server, answers its
// "notify" broadcasts and greets every sibling the server announces through
// the invokeSibling relay. It reconnects when the server goes away.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lithium/client"
	"lithium/config"
	"lithium/endpoint"
	"lithium/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	address := flag.String("address", "", "Server address, ws://host:port/path or tcp://host:port (overrides config)")
	bearer := flag.String("bearer", "", "Authorization value sent on connect (overrides config)")
	p2p := flag.Bool("p2p", false, "Allow siblings to reach this client through the server")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *bearer != "" {
		cfg.Bearer = *bearer
	}
	if *p2p {
		cfg.AllowPeerToPeer = true
	}
	if *debug {
		cfg.Debug = true
	}

	logger := logging.Named(logging.New(cfg.Debug), "client")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Commands are registered before dialling so the first broadcast finds them.
	commands := newCommands(logger)
	err = client.Reconnect(ctx, cfg, time.Second, func(c *client.Client) {
		fmt.Printf("connected to %s as %s\n", c.Addr, c.ID())
		go demo(ctx, c)
	}, endpoint.WithRegistry(commands))
	if err != nil && ctx.Err() == nil {
		logger.Error("client stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newCommands(logger *zap.Logger) *endpoint.Registry {
	commands := endpoint.NewRegistry()
	commands.Implement("notify", endpoint.Handle(func(ctx context.Context, msg string, c *endpoint.Conn) (any, error) {
		fmt.Println("notify:", msg)
		return nil, nil
	}), false)
	commands.Implement("peerMessageDeny", func(ctx context.Context, param json.RawMessage, c *endpoint.Conn) (any, error) {
		fmt.Println("Peer message denied!")
		return nil, nil
	}, false)
	commands.Implement("peerMessageAllow", func(ctx context.Context, param json.RawMessage, c *endpoint.Conn) (any, error) {
		fmt.Println("Peer message allowed!")
		return nil, nil
	}, true)
	commands.Implement("newSibling", endpoint.Handle(func(ctx context.Context, sibling string, c *endpoint.Conn) (any, error) {
		if _, err := c.InvokeSibling(ctx, sibling, "peerMessageAllow", nil); err != nil {
			logger.Info("sibling did not accept greeting", zap.String("sibling", sibling), zap.Error(err))
		}
		return nil, nil
	}), false)
	return commands
}

// demo exercises a few playground commands once per connection.
func demo(ctx context.Context, c *client.Client) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	calls := []struct {
		command string
		param   any
	}{
		{"handleNum", 3},
		{"handleString", "Elijah"},
		{"handleObject", map[string]any{"name": "Elijah", "age": 21}},
		{"handleError", nil},
		{"handleThrow", nil},
	}
	for _, call := range calls {
		raw, err := c.Invoke(ctx, call.command, call.param)
		if err != nil {
			fmt.Printf("%s failed: %v\n", call.command, err)
			continue
		}
		fmt.Printf("%s -> %s\n", call.command, raw)
	}
}
