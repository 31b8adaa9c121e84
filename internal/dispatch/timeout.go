package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/saashqdev/ops-center/internal/config"
)

// TimeoutConfig holds dispatch timeout bounds.
type TimeoutConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MinTimeout     time.Duration
}

// TimeoutManager clamps requested dispatch timeouts into configured bounds.
type TimeoutManager struct {
	config *TimeoutConfig
}

// NewTimeoutManager creates a timeout manager from dispatch configuration.
func NewTimeoutManager(cfg *config.DispatchConfig) *TimeoutManager {
	return &TimeoutManager{
		config: &TimeoutConfig{
			DefaultTimeout: time.Duration(cfg.DefaultTimeout) * time.Second,
			MaxTimeout:     time.Duration(cfg.MaxTimeout) * time.Second,
			MinTimeout:     time.Duration(cfg.MinTimeout) * time.Second,
		},
	}
}

// GetTimeout returns the timeout for a request: the default when zero is
// requested, otherwise the requested value clamped to min/max.
func (t *TimeoutManager) GetTimeout(requested time.Duration) time.Duration {
	if requested == 0 {
		return t.config.DefaultTimeout
	}
	if requested < t.config.MinTimeout {
		return t.config.MinTimeout
	}
	if requested > t.config.MaxTimeout {
		return t.config.MaxTimeout
	}
	return requested
}

// WithTimeout derives a bounded context for one dispatch attempt.
func (t *TimeoutManager) WithTimeout(ctx context.Context, requested time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.GetTimeout(requested))
}

// IsTimeoutError reports whether err represents a dispatch timeout. A
// timeout is treated identically to any other provider failure.
func IsTimeoutError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUpstreamTimeout)
}
