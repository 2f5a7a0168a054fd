package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemoteLimiter_Allow_PerHostBuckets(t *testing.T) {
	l := NewRemoteLimiter(RemoteLimiterConfig{RPS: 0.001, Burst: 1})

	assert.True(t, l.Allow("10.0.0.1:5000"))
	assert.False(t, l.Allow("10.0.0.1:5001"), "same host, different port, shares one bucket")
	assert.True(t, l.Allow("10.0.0.2:5000"), "different host gets its own bucket")
}

func TestRemoteLimiter_Allow_NoPort(t *testing.T) {
	l := NewRemoteLimiter(RemoteLimiterConfig{RPS: 0.001, Burst: 1})
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestRemoteLimiter_Sweep_DropsIdleBuckets(t *testing.T) {
	l := NewRemoteLimiter(RemoteLimiterConfig{RPS: 0.001, Burst: 1})
	l.Allow("10.0.0.1:5000")

	l.Sweep(time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	l.Sweep(time.Millisecond)

	assert.True(t, l.Allow("10.0.0.1:5000"), "bucket evicted after idle sweep, so a fresh one admits the next request")
}

func TestRemoteLimiterConfig_WithDefaults(t *testing.T) {
	cfg := RemoteLimiterConfig{}.withDefaults()
	assert.Equal(t, 50.0, cfg.RPS)
	assert.Equal(t, 100, cfg.Burst)
}
