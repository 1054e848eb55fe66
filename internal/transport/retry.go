package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/postalsys/oxy/internal/logging"
)

// RetryConfig controls how DialWithRetry backs off between attempts.
type RetryConfig struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited
}

// DefaultRetryConfig returns the default retry behaviour.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MinDelay:    500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// DialWithRetry dials addr until it succeeds, ctx ends or the attempts run
// out.
func DialWithRetry(ctx context.Context, t Transport, addr string, cfg RetryConfig, logger *slog.Logger) (net.Conn, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	b := &backoff.Backoff{
		Min:    cfg.MinDelay,
		Max:    cfg.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		conn, err := t.Dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		attempt := int(b.Attempt()) + 1
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := b.Duration()
		logger.Warn("dial failed, retrying",
			logging.KeyAddress, addr,
			logging.KeyTransport, t.Type().String(),
			logging.KeyAttempt, attempt,
			logging.KeyDelay, delay,
			logging.KeyError, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
