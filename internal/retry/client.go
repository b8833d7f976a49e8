// Package retry runs broker calls with bounded exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used for any zero or negative field.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries operations whose errors the classifier marks transient.
type Client struct {
	logger      *logrus.Logger
	isTransient func(error) bool
	config      Config
}

// NewClient creates a retry client. A nil classifier retries nothing.
func NewClient(logger *logrus.Logger, isTransient func(error) bool, config ...Config) *Client {
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
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if isTransient == nil {
		isTransient = func(error) bool { return false }
	}
	return &Client{logger: logger, isTransient: isTransient, config: cfg}
}

// Do runs fn until it succeeds, fails permanently, exhausts its retries or
// runs past the configured timeout.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff
	attempts := c.config.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", op, c.config.Timeout, err)
		}

		v, err := fn(opCtx)
		if err == nil {
			if attempt > 1 {
				c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Info("succeeded after retry")
			}
			return v, nil
		}
		lastErr = err

		log := c.logger.WithError(err).WithFields(logrus.Fields{"op": op, "attempt": attempt, "max_attempts": attempts})
		if !c.isTransient(err) || attempt == attempts {
			log.Warn("attempt failed")
			break
		}
		log.WithField("backoff", backoff).Warn("transient error, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
			}
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
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
			c.logger.WithError(err).Debug("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}
