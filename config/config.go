// Package config loads lithium server and client settings from YAML with
// environment overrides. Flags, when a binary defines them, are applied last
// by the binary itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimit struct {
	RPS   float64 `yaml:"rps"` // 0 disables limiting
	Burst int     `yaml:"burst"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	Debug          bool          `yaml:"debug"`
	Path           string        `yaml:"path"`          // HTTP path of the WebSocket endpoint
	TCPAddr        string        `yaml:"tcpAddr"`       // Framed stream listener, empty to disable
	AdvertiseAddr  string        `yaml:"advertiseAddr"` // URL registered in etcd
	ServiceName    string        `yaml:"serviceName"`
	EtcdEndpoints  []string      `yaml:"etcdEndpoints"` // Empty disables discovery
	RegistryTTL    int64         `yaml:"registryTTL"`   // Seconds
	RateLimit      RateLimit     `yaml:"rateLimit"`
	HandlerTimeout time.Duration `yaml:"handlerTimeout"` // 0 disables
	MetricsPath    string        `yaml:"metricsPath"`    // Empty disables
	Codec          string        `yaml:"codec"`          // json | binary
	KeepAlive      time.Duration `yaml:"keepAlive"`
}

type ClientConfig struct {
	Address          string        `yaml:"address"`
	Bearer           string        `yaml:"bearer"`
	AllowPeerToPeer  bool          `yaml:"allowPeerToPeer"`
	Debug            bool          `yaml:"debug"`
	Codec            string        `yaml:"codec"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	KeepAlive        time.Duration `yaml:"keepAlive"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        8080,
		Path:        "/",
		ServiceName: "lithium",
		RegistryTTL: 10,
		MetricsPath: "/metrics",
		Codec:       "json",
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:          "ws://localhost:8080",
		Codec:            "json",
		HandshakeTimeout: 10 * time.Second,
	}
}

// LoadServer reads path over the defaults, then applies LITHIUM_* variables.
// An empty path skips the file.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := ApplyServerEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadClient reads path over the defaults, then applies LITHIUM_* variables.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := ApplyClientEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func ApplyServerEnv(cfg *ServerConfig) error {
	if raw := env("LITHIUM_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: LITHIUM_PORT: %w", err)
		}
		cfg.Port = port
	}
	if raw := env("LITHIUM_DEBUG"); raw != "" {
		debug, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: LITHIUM_DEBUG: %w", err)
		}
		cfg.Debug = debug
	}
	if raw := env("LITHIUM_ETCD"); raw != "" {
		cfg.EtcdEndpoints = splitList(raw)
	}
	return nil
}

func ApplyClientEnv(cfg *ClientConfig) error {
	if raw := env("LITHIUM_ADDRESS"); raw != "" {
		cfg.Address = raw
	}
	if raw := env("LITHIUM_BEARER"); raw != "" {
		cfg.Bearer = raw
	}
	if raw := env("LITHIUM_DEBUG"); raw != "" {
		debug, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: LITHIUM_DEBUG: %w", err)
		}
		cfg.Debug = debug
	}
	return nil
}

func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("config: path %q must start with /", c.Path)
	}
	if len(c.EtcdEndpoints) > 0 && c.AdvertiseAddr == "" {
		return errors.New("config: advertiseAddr is required when etcdEndpoints is set")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: rate limit must not be negative")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
