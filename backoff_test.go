package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayForDoublesAndCaps(t *testing.T) {
	cfg := BackoffConfig{}
	cfg.defaults()

	// r = 0.5 means no jitter.
	assert.Equal(t, time.Second, delayFor(cfg, 0, 0.5))
	assert.Equal(t, 2*time.Second, delayFor(cfg, 1, 0.5))
	assert.Equal(t, 16*time.Second, delayFor(cfg, 4, 0.5))
	assert.Equal(t, 30*time.Second, delayFor(cfg, 5, 0.5))
	assert.Equal(t, 30*time.Second, delayFor(cfg, 40, 0.5))
}

func TestDelayForJitterBounds(t *testing.T) {
	cfg := BackoffConfig{}
	cfg.defaults()

	ms := float64(time.Millisecond)
	assert.InDelta(t, float64(800*time.Millisecond), float64(delayFor(cfg, 0, 0)), ms)
	assert.InDelta(t, float64(1200*time.Millisecond), float64(delayFor(cfg, 0, 0.999999)), ms)
	assert.InDelta(t, float64(24*time.Second), float64(delayFor(cfg, 10, 0)), ms)
}

func TestBackoffExhaustion(t *testing.T) {
	b := newBackoff(BackoffConfig{MaxAttempts: 2})
	assert.False(t, b.exhausted())
	b.next()
	b.next()
	assert.True(t, b.exhausted())

	b.reset()
	assert.False(t, b.exhausted())

	unlimited := newBackoff(BackoffConfig{})
	for i := 0; i < 100; i++ {
		unlimited.next()
	}
	assert.False(t, unlimited.exhausted())
}
