package upbit

import (
	"time"

	"github.com/jpillora/backoff"

	"marketrelay/config"
)

// newBackoff returns base*2^n capped at max, without jitter.
func newBackoff(cfg config.BackoffConfig) *backoff.Backoff {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := cfg.MaxDelay
	if max < base {
		max = base
	}
	return &backoff.Backoff{
		Min:    base,
		Max:    max,
		Factor: 2,
		Jitter: false,
	}
}
