// Package config loads daemon configuration from TOML. Defaults come first;
// only keys present in the file override them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mini-binder/am"
	"mini-binder/codec"
	"mini-binder/loadbalance"
	"mini-binder/transport"
)

type Config struct {
	Server     ServerConfig
	Client     ClientConfig
	Registry   RegistryConfig
	Middleware MiddlewareConfig
	AM         AMConfig
	Log        LogConfig
}

type ServerConfig struct {
	Listen          string
	Advertise       string // Address published to the registry; defaults to the listen address
	RegistryTTL     int64  // Seconds
	ShutdownTimeout time.Duration
}

type ClientConfig struct {
	Codec       codec.CodecType
	Balancer    string
	AffinityKey string
	PoolSize    int
	DialTimeout time.Duration
	Heartbeat   time.Duration
}

type RegistryConfig struct {
	Kind        string // "memory" or "etcd"
	Endpoints   []string
	DialTimeout time.Duration
}

type MiddlewareConfig struct {
	Timeout    time.Duration // Zero disables the timeout middleware
	RateLimit  float64       // Requests per second; zero disables rate limiting
	Burst      int
	Retries    int
	RetryDelay time.Duration
}

type AMConfig struct {
	ReceiverTimeout time.Duration
	Parallelism     int
}

type LogConfig struct {
	Level  string
	Format string // "console" or "json"
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:7300",
			RegistryTTL:     10,
			ShutdownTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			Codec:       codec.CodecTypeJSON,
			Balancer:    "round_robin",
			PoolSize:    4,
			DialTimeout: 5 * time.Second,
			Heartbeat:   transport.DefaultHeartbeat,
		},
		Registry: RegistryConfig{
			Kind:        "memory",
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		},
		Middleware: MiddlewareConfig{
			Timeout:    30 * time.Second,
			RetryDelay: 100 * time.Millisecond,
		},
		AM: AMConfig{
			ReceiverTimeout: am.DefaultReceiverTimeout,
			Parallelism:     8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

type fileConfig struct {
	Server struct {
		Listen          string `toml:"listen"`
		Advertise       string `toml:"advertise"`
		RegistryTTL     int64  `toml:"registry_ttl"`
		ShutdownTimeout string `toml:"shutdown_timeout"`
	} `toml:"server"`
	Client struct {
		Codec       string `toml:"codec"`
		Balancer    string `toml:"balancer"`
		AffinityKey string `toml:"affinity_key"`
		PoolSize    int    `toml:"pool_size"`
		DialTimeout string `toml:"dial_timeout"`
		Heartbeat   string `toml:"heartbeat"`
	} `toml:"client"`
	Registry struct {
		Kind        string   `toml:"kind"`
		Endpoints   []string `toml:"endpoints"`
		DialTimeout string   `toml:"dial_timeout"`
	} `toml:"registry"`
	Middleware struct {
		Timeout    string  `toml:"timeout"`
		RateLimit  float64 `toml:"rate_limit"`
		Burst      int     `toml:"burst"`
		Retries    int     `toml:"retries"`
		RetryDelay string  `toml:"retry_delay"`
	} `toml:"middleware"`
	AM struct {
		ReceiverTimeout string `toml:"receiver_timeout"`
		Parallelism     int    `toml:"parallelism"`
	} `toml:"am"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// Load reads path on top of DefaultConfig.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(DefaultConfig(), raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(DefaultConfig(), raw, meta)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	var err error
	duration := func(dst *time.Duration, value string, key ...string) {
		if err != nil || !meta.IsDefined(key...) {
			return
		}
		d, perr := time.ParseDuration(strings.TrimSpace(value))
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), perr)
			return
		}
		*dst = d
	}

	if meta.IsDefined("server", "listen") {
		cfg.Server.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "advertise") {
		cfg.Server.Advertise = strings.TrimSpace(raw.Server.Advertise)
	}
	if meta.IsDefined("server", "registry_ttl") {
		cfg.Server.RegistryTTL = raw.Server.RegistryTTL
	}
	duration(&cfg.Server.ShutdownTimeout, raw.Server.ShutdownTimeout, "server", "shutdown_timeout")

	if meta.IsDefined("client", "codec") {
		ct, cerr := codec.ParseCodecType(strings.TrimSpace(raw.Client.Codec))
		if cerr != nil {
			return Config{}, fmt.Errorf("parse client.codec: %w", cerr)
		}
		cfg.Client.Codec = ct
	}
	if meta.IsDefined("client", "balancer") {
		cfg.Client.Balancer = strings.TrimSpace(raw.Client.Balancer)
	}
	if meta.IsDefined("client", "affinity_key") {
		cfg.Client.AffinityKey = raw.Client.AffinityKey
	}
	if meta.IsDefined("client", "pool_size") {
		cfg.Client.PoolSize = raw.Client.PoolSize
	}
	duration(&cfg.Client.DialTimeout, raw.Client.DialTimeout, "client", "dial_timeout")
	duration(&cfg.Client.Heartbeat, raw.Client.Heartbeat, "client", "heartbeat")

	if meta.IsDefined("registry", "kind") {
		cfg.Registry.Kind = strings.ToLower(strings.TrimSpace(raw.Registry.Kind))
	}
	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeEndpoints(raw.Registry.Endpoints)
	}
	duration(&cfg.Registry.DialTimeout, raw.Registry.DialTimeout, "registry", "dial_timeout")

	duration(&cfg.Middleware.Timeout, raw.Middleware.Timeout, "middleware", "timeout")
	if meta.IsDefined("middleware", "rate_limit") {
		cfg.Middleware.RateLimit = raw.Middleware.RateLimit
	}
	if meta.IsDefined("middleware", "burst") {
		cfg.Middleware.Burst = raw.Middleware.Burst
	}
	if meta.IsDefined("middleware", "retries") {
		cfg.Middleware.Retries = raw.Middleware.Retries
	}
	duration(&cfg.Middleware.RetryDelay, raw.Middleware.RetryDelay, "middleware", "retry_delay")

	duration(&cfg.AM.ReceiverTimeout, raw.AM.ReceiverTimeout, "am", "receiver_timeout")
	if meta.IsDefined("am", "parallelism") {
		cfg.AM.Parallelism = raw.AM.Parallelism
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(raw.Log.Format))
	}

	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail later at startup.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is empty")
	}
	switch c.Registry.Kind {
	case "memory":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			return fmt.Errorf("registry.endpoints is empty")
		}
	default:
		return fmt.Errorf("unknown registry.kind %q", c.Registry.Kind)
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		return fmt.Errorf("client.balancer: %w", err)
	}
	if c.Client.PoolSize <= 0 {
		return fmt.Errorf("client.pool_size must be positive, got %d", c.Client.PoolSize)
	}
	if c.Middleware.RateLimit < 0 || (c.Middleware.RateLimit > 0 && c.Middleware.Burst <= 0) {
		return fmt.Errorf("middleware.rate_limit needs a positive burst")
	}
	if c.AM.Parallelism <= 0 {
		return fmt.Errorf("am.parallelism must be positive, got %d", c.AM.Parallelism)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ep := range in {
		v := strings.TrimSpace(ep)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
