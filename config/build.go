package config

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/praxiomlabs/mcpkit-sub001/auth"
	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/logx"
	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/pool"
	"github.com/praxiomlabs/mcpkit-sub001/ratelimit"
	"github.com/praxiomlabs/mcpkit-sub001/task"
	"github.com/praxiomlabs/mcpkit-sub001/transport/stream"
)

// Logger builds the configured logger writing to w (stderr when nil).
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	return logx.New(c.Log.Level, c.Log.Format, w)
}

// Limiter returns the configured limiter, or nil when rate limiting is off.
func (c *Config) Limiter() ratelimit.Limiter {
	rl := c.RateLimit
	if rl.Requests <= 0 {
		return nil
	}
	if rl.Mode == "bucket" {
		return ratelimit.NewTokenBucket(float64(rl.Requests)/rl.Window.Seconds(), rl.Requests)
	}
	return ratelimit.NewWindow(rl.Requests, rl.Window)
}

// Middleware returns the layer stack, outermost first: logging, metrics
// (when set is non-nil), rate limiting, retry and timeouts.
func (c *Config) Middleware(logger *slog.Logger, set *metrics.Set) []middleware.Layer {
	layers := []middleware.Layer{middleware.Logging(logger)}
	if set != nil {
		layers = append(layers, middleware.Metrics(set, c.Transport.Kind))
	}
	if limiter := c.Limiter(); limiter != nil {
		if c.RateLimit.Block {
			layers = append(layers, middleware.RateLimitBlocking(limiter))
		} else {
			layers = append(layers, middleware.RateLimit(limiter))
		}
	}
	if c.Retry.Attempts > 0 {
		backoff := middleware.NewExponentialBackoff(c.Retry.Initial, c.Retry.Max, c.Retry.Attempts).WithJitter(0.1)
		layers = append(layers, middleware.Retry(backoff, logger))
	}
	if c.Timeouts.Send > 0 || c.Timeouts.Receive > 0 {
		layers = append(layers, middleware.Timeout(c.Timeouts.Send, c.Timeouts.Receive))
	}
	return layers
}

// ConnectionOptions applies the handshake and call timeouts.
func (c *Config) ConnectionOptions() []connection.Option {
	var opts []connection.Option
	if c.Timeouts.Handshake > 0 {
		opts = append(opts, connection.WithHandshakeTimeout(c.Timeouts.Handshake))
	}
	if c.Timeouts.Call > 0 {
		opts = append(opts, connection.WithDefaultDeadline(c.Timeouts.Call))
	}
	return opts
}

func (c *Config) PoolOptions(logger *slog.Logger) []pool.Option {
	return []pool.Option{
		pool.WithCapacity(c.Pool.Capacity),
		pool.WithAcquireTimeout(c.Pool.AcquireTimeout),
		pool.WithFailureThreshold(c.Pool.FailureThreshold),
		pool.WithHealthCheck(c.Pool.HealthInterval),
		pool.WithLogger(logger),
	}
}

// StreamOptions applies to the stdio and tcp transports.
func (c *Config) StreamOptions(logger *slog.Logger) []stream.Option {
	opts := []stream.Option{stream.WithLogger(logger)}
	if c.Transport.MaxFrameSize > 0 {
		opts = append(opts, stream.WithMaxFrameSize(c.Transport.MaxFrameSize))
	}
	return opts
}

// TaskManager builds a task manager with the configured retention.
func (c *Config) TaskManager(logger *slog.Logger) *task.Manager {
	return task.NewManager(task.WithRetention(c.Tasks.Retention), task.WithLogger(logger))
}

// Validator returns the server-side token validator, or nil when
// authentication is not configured. A JWKS validator keeps refreshing until
// ctx ends.
func (c *Config) Validator(ctx context.Context) (auth.TokenValidator, error) {
	claims := auth.Claims{Issuer: c.Auth.Issuer, Audience: c.Auth.Audience, Leeway: 30 * time.Second}
	switch {
	case c.Auth.Secret != "":
		return auth.NewHMACValidator([]byte(c.Auth.Secret), claims), nil
	case c.Auth.JWKSURL != "":
		v, err := auth.NewJWKSValidator(ctx, auth.JWKSConfig{URL: c.Auth.JWKSURL, Claims: claims})
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, nil
}
