package bus_grpc

import (
	"math"
	"math/rand"
	"time"
)

type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// NextDelay returns the delay before reconnect attempt N (1-based). With
// jitter the delay is scaled by a factor in [0.5, 1.5).
func (cfg BackoffConfig) NextDelay(attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}

	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		multiplier := cfg.Multiplier
		if multiplier < 1.0 {
			multiplier = 1.0
		}
		delay *= math.Pow(multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
