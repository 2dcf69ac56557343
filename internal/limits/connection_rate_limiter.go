package limits

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adred-codev/comet/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles connect attempts per client IP and globally.
//
// Both levels are token buckets (golang.org/x/time/rate). The global bucket is
// checked first so a distributed flood is cut before the per-IP map grows.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger   zerolog.Logger
	now      func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // connects/sec per IP, default 1
	IPTTL   time.Duration // forget idle IPs after this, default 5m

	GlobalBurst int     // default 300
	GlobalRate  float64 // default 50

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a limiter and starts its cleanup goroutine.
// Call Stop on shutdown.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		now:           time.Now,
		stop:          make(chan struct{}),
	}

	go l.cleanupLoop(time.Minute)

	l.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return l
}

// Allow reports whether a connect from ip may proceed.
// A false result should be answered with 429 Too Many Requests.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}

	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = l.now()
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop(every time.Duration) {
	defer monitoring.RecoverPanic(l.logger, "rate_limiter_cleanup", nil)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := l.now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// TrackedIPs returns the number of IPs with a live bucket.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	return len(l.ipLimiters)
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// ClientIP extracts the client IP from the request.
// Checks X-Forwarded-For header first (for load balancers/proxies),
// then falls back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
