// Package retry runs broker calls with bounded, jittered backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/straddle_bot/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Timeout:        30 * time.Second,
}

type Client struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	config Config
	// Classify decides whether an error is worth another attempt.
	Classify func(error) bool
}

func NewClient(logger zerolog.Logger, clock clockwork.Clock, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Client{
		logger:   logger,
		clock:    clock,
		config:   cfg,
		Classify: broker.IsTransient,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Run retries fn on transient errors.
func (c *Client) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// attempts run out. The last error is wrapped so callers can still match it.
func Do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := callCtx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s canceled after %d attempts: %w (last error: %v)", op, attempt, err, lastErr)
			}
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		res, err := fn(callCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.Debug().Str("op", op).Int("attempt", attempt+1).Msg("succeeded after retry")
			}
			return res, nil
		}

		lastErr = err
		if !c.Classify(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("transient error, retrying")
		select {
		case <-c.clock.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-callCtx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w (last error: %v)", op, callCtx.Err(), lastErr)
		}
	}

	return zero, fmt.Errorf("%s failed: %w", op, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}
