package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return jitter(cfg, float64(cfg.InitialDelay), rng)
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return jitter(cfg, delay, rng)
}

func jitter(cfg BackoffConfig, delay float64, rng *rand.Rand) time.Duration {
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retrier counts attempts and sleeps between them.
type Retrier struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewRetrier(cfg BackoffConfig, seed int64) *Retrier {
	return &Retrier{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Attempt returns the number of completed waits.
func (r *Retrier) Attempt() int {
	return r.attempt
}

// Exhausted reports whether MaxAttempts waits have been spent.
func (r *Retrier) Exhausted() bool {
	return r.cfg.MaxAttempts > 0 && r.attempt >= r.cfg.MaxAttempts
}

func (r *Retrier) Reset() {
	r.attempt = 0
}

// Wait sleeps for the next backoff delay or until ctx ends.
func (r *Retrier) Wait(ctx context.Context) error {
	r.attempt++
	delay := NextBackoffDelay(r.cfg, r.attempt, r.rng)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
