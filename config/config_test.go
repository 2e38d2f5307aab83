package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.Debug || cfg.Path != "/" || cfg.Codec != "json" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerFile(t *testing.T) {
	path := writeFile(t, `
port: 9000
debug: true
handlerTimeout: 3s
rateLimit:
  rps: 50
  burst: 10
etcdEndpoints: [127.0.0.1:2379]
advertiseAddr: ws://10.0.0.5:9000/
`)
	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9000 || !cfg.Debug {
		t.Fatalf("port/debug not read: %+v", cfg)
	}
	if cfg.HandlerTimeout != 3*time.Second {
		t.Fatalf("expect 3s handler timeout, got %v", cfg.HandlerTimeout)
	}
	if cfg.RateLimit.RPS != 50 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("rate limit not read: %+v", cfg.RateLimit)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Path != "/" || cfg.ServiceName != "lithium" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestServerEnvOverrides(t *testing.T) {
	t.Setenv("LITHIUM_PORT", "7001")
	t.Setenv("LITHIUM_DEBUG", "true")
	t.Setenv("LITHIUM_ETCD", "a:2379, b:2379")

	path := writeFile(t, "port: 9000\nadvertiseAddr: ws://host:7001/\n")
	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7001 || !cfg.Debug {
		t.Fatalf("env did not override file: %+v", cfg)
	}
	if len(cfg.EtcdEndpoints) != 2 || cfg.EtcdEndpoints[1] != "b:2379" {
		t.Fatalf("unexpected etcd endpoints %v", cfg.EtcdEndpoints)
	}
}

func TestServerEnvInvalid(t *testing.T) {
	t.Setenv("LITHIUM_PORT", "eighty")
	if _, err := LoadServer(""); err == nil {
		t.Fatal("expect error for non-numeric port")
	}
}

func TestServerValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"port", func(c *ServerConfig) { c.Port = 70000 }},
		{"path", func(c *ServerConfig) { c.Path = "ws" }},
		{"etcd without advertise", func(c *ServerConfig) { c.EtcdEndpoints = []string{"x:2379"} }},
		{"negative burst", func(c *ServerConfig) { c.RateLimit.Burst = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tc.mutate(&cfg)
			if cfg.Validate() == nil {
				t.Fatal("expect validation error")
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("LITHIUM_BEARER", "secret")
	path := writeFile(t, "address: ws://example:8080\nallowPeerToPeer: true\n")
	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Address != "ws://example:8080" || !cfg.AllowPeerToPeer || cfg.Bearer != "secret" {
		t.Fatalf("unexpected client config %+v", cfg)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Fatalf("default handshake timeout lost: %v", cfg.HandshakeTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadServer(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expect error for a missing file")
	}
}
