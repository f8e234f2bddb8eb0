package chatsync

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures exponential backoff with symmetric jitter.
type BackoffConfig struct {
	Base        time.Duration // first delay, default 1s
	Max         time.Duration // cap before jitter, default 30s
	Jitter      float64       // fraction, default 0.2 (±20%)
	MaxAttempts int           // 0 means unlimited
}

func (c *BackoffConfig) defaults() {
	if c.Base <= 0 {
		c.Base = time.Second
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
}

// backoff tracks the attempt counter for one retry sequence. It is not
// safe for concurrent use; each channel or outbox entry owns its own.
type backoff struct {
	cfg     BackoffConfig
	attempt int
	rand    func() float64
}

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultRand() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRnd.Float64()
}

func newBackoff(cfg BackoffConfig) *backoff {
	cfg.defaults()
	return &backoff{cfg: cfg, rand: defaultRand}
}

func (b *backoff) exhausted() bool {
	return b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts
}

func (b *backoff) reset() { b.attempt = 0 }

// next returns the delay before the next attempt and advances the counter.
func (b *backoff) next() time.Duration {
	d := delayFor(b.cfg, b.attempt, b.rand())
	b.attempt++
	return d
}

// delayFor computes the delay for the given zero-based attempt. r is a
// uniform sample in [0,1) mapped onto [-Jitter, +Jitter].
func delayFor(cfg BackoffConfig, attempt int, r float64) time.Duration {
	raw := float64(cfg.Base) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(cfg.Max))
	factor := 1 + cfg.Jitter*(2*r-1)
	return time.Duration(capped * factor)
}
