// Package config loads mcpkit settings from a file, the environment and
// .env files.
//
// Every key can be set through an MCPKIT_ variable named after its path,
// e.g. MCPKIT_POOL_CAPACITY=8 or MCPKIT_TIMEOUTS_CALL=10s.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/praxiomlabs/mcpkit-sub001/logx"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "mcpkit"

// Config is the complete configuration.
type Config struct {
	Log       Log       `mapstructure:"log" yaml:"log"`
	Transport Transport `mapstructure:"transport" yaml:"transport"`
	Timeouts  Timeouts  `mapstructure:"timeouts" yaml:"timeouts"`
	Retry     Retry     `mapstructure:"retry" yaml:"retry"`
	RateLimit RateLimit `mapstructure:"ratelimit" yaml:"ratelimit"`
	Pool      Pool      `mapstructure:"pool" yaml:"pool"`
	Tasks     Tasks     `mapstructure:"tasks" yaml:"tasks"`
	Auth      Auth      `mapstructure:"auth" yaml:"auth"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Transport selects how the server listens and the client connects.
type Transport struct {
	// Kind is one of stdio, tcp, ws or sse.
	Kind     string `mapstructure:"kind" yaml:"kind"`
	Listen   string `mapstructure:"listen" yaml:"listen"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// MaxFrameSize bounds stdio and tcp frames, in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size" yaml:"max_frame_size"`
}

type Timeouts struct {
	Handshake time.Duration `mapstructure:"handshake" yaml:"handshake"`
	Call      time.Duration `mapstructure:"call" yaml:"call"`
	Send      time.Duration `mapstructure:"send" yaml:"send"`
	Receive   time.Duration `mapstructure:"receive" yaml:"receive"`
	Close     time.Duration `mapstructure:"close" yaml:"close"`
}

// Retry configures the retry layer. Zero attempts disables it.
type Retry struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Initial  time.Duration `mapstructure:"initial" yaml:"initial"`
	Max      time.Duration `mapstructure:"max" yaml:"max"`
}

// RateLimit configures outbound admission. Zero requests disables it.
type RateLimit struct {
	// Mode is "window" for a sliding window or "bucket" for a token bucket.
	Mode     string        `mapstructure:"mode" yaml:"mode"`
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
	// Block waits for admission instead of failing fast.
	Block bool `mapstructure:"block" yaml:"block"`
}

type Pool struct {
	Capacity         int           `mapstructure:"capacity" yaml:"capacity"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	HealthInterval   time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

type Tasks struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// Auth configures bearer tokens. A server validates with Secret (HMAC) or
// JWKSURL; a client presents Token.
type Auth struct {
	Secret   string `mapstructure:"secret" yaml:"secret"`
	JWKSURL  string `mapstructure:"jwks_url" yaml:"jwks_url"`
	Issuer   string `mapstructure:"issuer" yaml:"issuer"`
	Audience string `mapstructure:"audience" yaml:"audience"`
	Token    string `mapstructure:"token" yaml:"token"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Log:       Log{Level: "info", Format: "text"},
		Transport: Transport{Kind: "stdio", Listen: "127.0.0.1:7070", Endpoint: "127.0.0.1:7070", MaxFrameSize: 4 << 20},
		Timeouts: Timeouts{
			Handshake: 10 * time.Second,
			Call:      30 * time.Second,
			Close:     5 * time.Second,
		},
		Retry:     Retry{Attempts: 3, Initial: 50 * time.Millisecond, Max: 2 * time.Second},
		RateLimit: RateLimit{Mode: "window", Window: time.Second},
		Pool:      Pool{Capacity: 4, FailureThreshold: 2, HealthInterval: 30 * time.Second},
		Tasks:     Tasks{Retention: 10 * time.Minute, SweepInterval: time.Minute},
	}
}

// setDefaults registers every key with viper, which also makes
// AutomaticEnv see them during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Defaults()
	values := map[string]any{
		"log.level":                d.Log.Level,
		"log.format":               d.Log.Format,
		"transport.kind":           d.Transport.Kind,
		"transport.listen":         d.Transport.Listen,
		"transport.endpoint":       d.Transport.Endpoint,
		"transport.max_frame_size": d.Transport.MaxFrameSize,
		"timeouts.handshake":       d.Timeouts.Handshake,
		"timeouts.call":            d.Timeouts.Call,
		"timeouts.send":            d.Timeouts.Send,
		"timeouts.receive":         d.Timeouts.Receive,
		"timeouts.close":           d.Timeouts.Close,
		"retry.attempts":           d.Retry.Attempts,
		"retry.initial":            d.Retry.Initial,
		"retry.max":                d.Retry.Max,
		"ratelimit.mode":           d.RateLimit.Mode,
		"ratelimit.requests":       d.RateLimit.Requests,
		"ratelimit.window":         d.RateLimit.Window,
		"ratelimit.block":          d.RateLimit.Block,
		"pool.capacity":            d.Pool.Capacity,
		"pool.acquire_timeout":     d.Pool.AcquireTimeout,
		"pool.failure_threshold":   d.Pool.FailureThreshold,
		"pool.health_interval":     d.Pool.HealthInterval,
		"tasks.retention":          d.Tasks.Retention,
		"tasks.sweep_interval":     d.Tasks.SweepInterval,
		"auth.secret":              d.Auth.Secret,
		"auth.jwks_url":            d.Auth.JWKSURL,
		"auth.issuer":              d.Auth.Issuer,
		"auth.audience":            d.Auth.Audience,
		"auth.token":               d.Auth.Token,
	}
	for k, val := range values {
		v.SetDefault(k, val)
	}
}

// Loader reads configuration. Flags can be bound to keys through Viper
// before calling Load.
type Loader struct {
	v        *viper.Viper
	file     string
	envFiles []string
}

// NewLoader returns a loader reading file (optional, any format viper
// understands) and the given .env files. Missing .env files are skipped.
func NewLoader(file string, envFiles ...string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, file: file, envFiles: envFiles}
}

// Viper exposes the underlying instance, e.g. for BindPFlag.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load merges defaults, the config file, .env files, the environment and
// bound flags, in increasing precedence, and validates the result.
func (l *Loader) Load() (*Config, error) {
	for _, f := range l.envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	if l.file != "" {
		l.v.SetConfigFile(l.file)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", l.file, err)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is NewLoader(file, ".env", ".env.local").Load().
func Load(file string) (*Config, error) {
	return NewLoader(file, ".env", ".env.local").Load()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logx.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch logx.Format(strings.ToLower(c.Log.Format)) {
	case logx.FormatText, logx.FormatJSON:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	switch c.Transport.Kind {
	case "stdio", "tcp", "ws", "sse":
	default:
		return fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind)
	}
	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity: must be at least 1, got %d", c.Pool.Capacity)
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts: must not be negative")
	}
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("ratelimit.requests: must not be negative")
	}
	if c.RateLimit.Requests > 0 {
		switch c.RateLimit.Mode {
		case "window", "bucket":
		default:
			return fmt.Errorf("ratelimit.mode: unknown mode %q", c.RateLimit.Mode)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("ratelimit.window: must be positive")
		}
	}
	if c.Auth.Secret != "" && c.Auth.JWKSURL != "" {
		return errors.New("auth: set either secret or jwks_url, not both")
	}
	return nil
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.Auth.Secret != "" {
		redacted.Auth.Secret = "********"
	}
	if redacted.Auth.Token != "" {
		redacted.Auth.Token = "********"
	}
	return yaml.Marshal(&redacted)
}
