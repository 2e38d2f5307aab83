// Command lithium-server runs a playground lithium server: a set of demo
// commands, a periodic "notify" broadcast to every client, Prometheus
// metrics and optional etcd registration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"lithium/codec"
	"lithium/config"
	"lithium/endpoint"
	"lithium/logging"
	"lithium/metrics"
	"lithium/middleware"
	"lithium/registry"
	"lithium/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	port := flag.Int("port", 0, "WebSocket listen port (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	notifyEvery := flag.Duration("notify", 2*time.Second, "Broadcast interval of the notify command, 0 to disable")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	logger := logging.Named(logging.New(cfg.Debug), "server")
	defer logger.Sync()

	if err := run(cfg, *notifyEvery, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, notifyEvery time.Duration, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codecType, err := codec.ParseType(cfg.Codec)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg)
	if err != nil {
		return err
	}

	// Outermost first: log, count, limit, bound, then retry the handler itself.
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(logger),
		middleware.MetricsMiddleware(m),
	}
	if cfg.RateLimit.RPS > 0 {
		mws = append(mws, middleware.KeyedRateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute, middleware.ByCommand))
	}
	if cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	mws = append(mws, middleware.RetryMiddleware(2, 50*time.Millisecond, middleware.TransientFault, logger))

	var srv *server.Server
	srv = server.NewServer(
		server.WithLogger(logger),
		server.WithCodec(codec.GetCodec(codecType)),
		server.WithMetrics(m),
		server.WithKeepAlive(cfg.KeepAlive),
		server.WithMiddleware(mws...),
		server.OnSocketOpen(func(c *endpoint.Conn, req *http.Request) error {
			logger.Info("socket opened", zap.String("socket", c.ID()), zap.String("remote", remote(req)))
			go announceSibling(ctx, srv, c, logger)
			return nil
		}),
		server.OnSocketClose(func(c *endpoint.Conn) {
			logger.Info("socket closed", zap.String("socket", c.ID()))
		}),
	)
	if err := registerPlayground(srv); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, srv)
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr), zap.String("path", cfg.Path))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if cfg.TCPAddr != "" {
		l, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return err
		}
		logger.Info("listening for framed streams", zap.String("addr", cfg.TCPAddr))
		go func() {
			if err := srv.ServeTCP(l); err != nil {
				errc <- err
			}
		}()
	}

	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		if err := srv.Advertise(ctx, reg, cfg.ServiceName, cfg.AdvertiseAddr, cfg.RegistryTTL); err != nil {
			return err
		}
	}

	if notifyEvery > 0 {
		go notifyLoop(ctx, srv, notifyEvery, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		return err
	}

	if err := srv.Shutdown(5 * time.Second); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// notifyLoop broadcasts "notify" with a running counter, like a heartbeat
// clients can observe.
func notifyLoop(ctx context.Context, srv *server.Server, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		callCtx, cancel := context.WithTimeout(ctx, every)
		results := srv.Broadcast(callCtx, "notify", fmt.Sprintf("loop %d", i))
		cancel()
		logger.Debug("broadcast notify", zap.Int("loop", i), zap.Int("members", len(results)))
	}
}

// announceSibling tells every other connection that c joined, so clients
// can greet it through the invokeSibling relay.
func announceSibling(ctx context.Context, srv *server.Server, c *endpoint.Conn, logger *zap.Logger) {
	for _, other := range srv.GetSockets() {
		if other == c {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := other.Invoke(callCtx, "newSibling", c.ID()); err != nil {
			logger.Debug("newSibling not delivered", zap.String("socket", other.ID()), zap.Error(err))
		}
		cancel()
	}
}

func remote(req *http.Request) string {
	if req == nil {
		return ""
	}
	return req.RemoteAddr
}
