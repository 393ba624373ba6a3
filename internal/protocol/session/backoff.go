package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the reconnect delay after attempt prior failures
// (0-based): InitialDelay * Multiplier^attempt, capped at MaxDelay.
//
// With Jitter set the delay is drawn from [nominal(attempt-1), nominal(attempt)],
// so jittered delays never exceed MaxDelay and never shrink between attempts.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	hi := nominalDelay(cfg, attempt)
	if !cfg.Jitter {
		return time.Duration(hi)
	}
	lo := hi / cfg.Multiplier
	if attempt > 0 {
		lo = nominalDelay(cfg, attempt-1)
	}
	if rng == nil {
		return time.Duration(lo)
	}
	return time.Duration(lo + rng.Float64()*(hi-lo))
}

func nominalDelay(cfg BackoffConfig, attempt int) float64 {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return delay
}
