package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docslot/docslot/internal/platform/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newLimitedHandler(cfg RateLimitConfig, clock *fakeClock) echo.HandlerFunc {
	mw := rateLimit(newLimiter(cfg, clock.now), cfg)
	return mw(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
}

func callAs(e *echo.Echo, h echo.HandlerFunc, uid string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/book-appointment", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	if uid != "" {
		req = req.WithContext(auth.WithUser(req.Context(), uid))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	e := echo.New()
	clock := &fakeClock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	h := newLimitedHandler(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 3}, clock)

	for i := 0; i < 3; i++ {
		rec, err := callAs(e, h, "")
		require.NoError(t, err, "request %d", i+1)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec, err := callAs(e, h, "")
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	e := echo.New()
	clock := &fakeClock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	h := newLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, clock)

	_, err := callAs(e, h, "")
	require.NoError(t, err)
	_, err = callAs(e, h, "")
	require.Error(t, err)

	clock.advance(time.Second)
	_, err = callAs(e, h, "")
	assert.NoError(t, err)
}

func TestRateLimit_SlowRateRetryAfter(t *testing.T) {
	e := echo.New()
	clock := &fakeClock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	h := newLimitedHandler(RateLimitConfig{RequestsPerSecond: 0.25, BurstSize: 1}, clock)

	_, err := callAs(e, h, "")
	require.NoError(t, err)
	rec, err := callAs(e, h, "")
	require.Error(t, err)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestRateLimit_UsersShareAddressButNotBuckets(t *testing.T) {
	e := echo.New()
	clock := &fakeClock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	h := newLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, clock)

	_, err := callAs(e, h, "patient-a")
	require.NoError(t, err)
	_, err = callAs(e, h, "patient-a")
	require.Error(t, err)
	_, err = callAs(e, h, "patient-b")
	assert.NoError(t, err)
	_, err = callAs(e, h, "")
	assert.NoError(t, err, "anonymous callers are keyed by address")
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "ip:10.0.0.7", rateLimitKey(e.NewContext(req, httptest.NewRecorder())))

	req = req.WithContext(auth.WithUser(req.Context(), "u-1"))
	assert.Equal(t, "user:u-1", rateLimitKey(e.NewContext(req, httptest.NewRecorder())))
}

func TestLimiter_ZeroRate(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1}, nil)
	ok, _ := l.take("k")
	require.True(t, ok)
	ok, wait := l.take("k")
	assert.False(t, ok)
	assert.Equal(t, 1, wait)
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	l := newLimiter(DefaultRateLimitConfig(), clock.now)

	l.take("idle")
	clock.advance(idleBucketTTL / 2)
	l.take("busy")
	clock.advance(idleBucketTTL/2 + time.Second)
	l.take("busy")

	assert.NotContains(t, l.buckets, "idle")
	assert.Contains(t, l.buckets, "busy")
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, 100.0, cfg.RequestsPerSecond)
	assert.Equal(t, 200, cfg.BurstSize)
}
