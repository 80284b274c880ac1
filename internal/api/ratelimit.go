package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gembridge/gembridge/internal/storage"
)

// SettingsSource supplies the configured requests per minute.
type SettingsSource interface {
	Get(ctx context.Context) (storage.Settings, error)
}

const (
	// credentialShare scales a credential's total rate over the per-user
	// rate, so rotating user headers cannot multiply throughput.
	credentialShare = 20
	idleTTL         = 10 * time.Minute
	maxLimiters     = 10000
)

type userLimiter struct {
	lim      *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// RateLimiter throttles each acting user with a token bucket, scoped to the
// credential the request presented. Every credential also has a total
// bucket shared by all of its users. The rate follows the settings record;
// fallbackRPM applies when it is unset.
type RateLimiter struct {
	settings    SettingsSource
	fallbackRPM int
	burst       int
	now         func() time.Time

	mu        sync.Mutex
	limits    map[string]*userLimiter
	lastSweep time.Time
}

func NewRateLimiter(settings SettingsSource, fallbackRPM, burst int) *RateLimiter {
	if fallbackRPM <= 0 {
		fallbackRPM = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		settings:    settings,
		fallbackRPM: fallbackRPM,
		burst:       burst,
		now:         time.Now,
		limits:      make(map[string]*userLimiter),
	}
}

func (rl *RateLimiter) rpm(ctx context.Context) int {
	if rl.settings == nil {
		return rl.fallbackRPM
	}
	st, err := rl.settings.Get(ctx)
	if err != nil {
		slog.Warn("loading rate limit settings", "error", err)
		return rl.fallbackRPM
	}
	if st.RateLimit <= 0 {
		return rl.fallbackRPM
	}
	return st.RateLimit
}

// getLimiter gets or creates the limiter for key, retuning it when the
// configured rate changed. It returns nil when the table is full.
func (rl *RateLimiter) getLimiter(key string, rpm, burst int, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ul, ok := rl.limits[key]; ok {
		if ul.rpm != rpm {
			ul.lim.SetLimitAt(now, rate.Limit(float64(rpm)/60))
			ul.rpm = rpm
		}
		ul.lastSeen = now
		return ul.lim
	}
	if now.Sub(rl.lastSweep) >= idleTTL || len(rl.limits) >= maxLimiters {
		rl.sweep(now)
	}
	if len(rl.limits) >= maxLimiters {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
	rl.limits[key] = &userLimiter{lim: lim, rpm: rpm, lastSeen: now}
	return lim
}

// sweep drops limiters idle for longer than idleTTL. Callers hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for k, ul := range rl.limits {
		if now.Sub(ul.lastSeen) > idleTTL {
			delete(rl.limits, k)
		}
	}
	rl.lastSweep = now
}

func (rl *RateLimiter) allow(key string, rpm, burst int, now time.Time) bool {
	lim := rl.getLimiter(key, rpm, burst, now)
	return lim != nil && lim.AllowN(now, 1)
}

// Allow reports whether user may make another request now under
// credential. The credential is only hashed, never stored.
func (rl *RateLimiter) Allow(ctx context.Context, credential, user string) bool {
	rpm := rl.rpm(ctx)
	now := rl.now()
	sum := sha256.Sum256([]byte(credential))
	cred := hex.EncodeToString(sum[:8])
	if !rl.allow(cred+"\x00"+user, rpm, rl.burst, now) {
		return false
	}
	return rl.allow(cred, rpm*credentialShare, rl.burst*credentialShare, now)
}

// Middleware rejects requests over the acting user's rate with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !rl.Allow(r.Context(), credential, userOf(r)) {
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
