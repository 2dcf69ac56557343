package limits

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAllowPerIPBurst(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "third connect exceeds the per-IP burst")
	assert.True(t, l.Allow("10.0.0.2"), "other IPs have their own bucket")
}

func TestAllowGlobalBurst(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     10,
		IPRate:      10,
		GlobalBurst: 1,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.2"))
}

func TestCleanupForgetsIdleIPs(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{IPTTL: time.Minute, Logger: zerolog.Nop()})
	defer l.Stop()

	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("10.0.0.1")
	assert.Equal(t, 1, l.TrackedIPs())

	now = now.Add(2 * time.Minute)
	l.cleanup()
	assert.Equal(t, 0, l.TrackedIPs())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/connect", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}
