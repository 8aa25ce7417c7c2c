package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func verifyFrom(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/verify", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_WithinBurst_Passes(t *testing.T) {
	h := RateLimit(10, 5, testLogger())(okHandler())

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, verifyFrom(h, "192.168.1.1:12345").Code, "request %d", i+1)
	}
}

func TestRateLimit_ExceedingBurst_Returns429(t *testing.T) {
	h := RateLimit(1, 2, testLogger())(okHandler())

	assert.Equal(t, http.StatusOK, verifyFrom(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, verifyFrom(h, "10.0.0.1:2").Code)

	rec := verifyFrom(h, "10.0.0.1:3")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimit_DifferentIPs_IndependentLimits(t *testing.T) {
	h := RateLimit(1, 1, testLogger())(okHandler())

	assert.Equal(t, http.StatusOK, verifyFrom(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, verifyFrom(h, "10.0.0.1:2").Code)
	assert.Equal(t, http.StatusOK, verifyFrom(h, "10.0.0.2:1").Code)
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newVisitorStore(1, 1, time.Minute)
	store.nowFunc = func() time.Time { return now }
	store.lastSweep = now
	h := rateLimit(store, testLogger())(okHandler())

	assert.Equal(t, http.StatusOK, verifyFrom(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, verifyFrom(h, "10.0.0.1:1").Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, verifyFrom(h, "10.0.0.1:1").Code)
}

func TestRateLimit_EvictsIdleVisitors(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newVisitorStore(1, 1, time.Minute)
	store.nowFunc = func() time.Time { return now }
	store.lastSweep = now
	h := rateLimit(store, testLogger())(okHandler())

	verifyFrom(h, "10.0.0.1:1")
	verifyFrom(h, "10.0.0.2:1")
	assert.Equal(t, 2, store.len())

	now = now.Add(2 * time.Minute)
	verifyFrom(h, "10.0.0.3:1")
	assert.Equal(t, 1, store.len())
}

func TestRateLimit_SlowRateAdvertisesLongerRetry(t *testing.T) {
	h := RateLimit(0.1, 1, testLogger())(okHandler())

	verifyFrom(h, "10.0.0.1:1")
	rec := verifyFrom(h, "10.0.0.1:1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
}
