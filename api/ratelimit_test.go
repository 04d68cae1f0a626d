package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/leave-engine/api"
)

func TestClientLimiter_DropsIdleClients(t *testing.T) {
	// GIVEN: A limiter of 60 a minute and two clients seen at noon
	clock := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	c := api.NewClientLimiter(60)
	c.Now = func() time.Time { return clock }
	assert.True(t, c.Allow("10.0.0.1"))
	assert.True(t, c.Allow("10.0.0.2"))
	assert.Equal(t, 2, c.Tracked())

	// WHEN: Only one of them returns after the idle window
	clock = clock.Add(c.IdleTTL)
	assert.True(t, c.Allow("10.0.0.1"))

	// THEN: The silent client's bucket is gone
	assert.Equal(t, 1, c.Tracked())
}

func TestRateLimit_RejectsOnceBurstIsSpent(t *testing.T) {
	// GIVEN: A limiter with a burst of one
	clock := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	c := api.NewClientLimiter(6)
	c.Now = func() time.Time { return clock }
	h := api.RateLimit(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// WHEN: The client calls twice at once, then again ten seconds later
	first, second := call(), call()
	clock = clock.Add(10 * time.Second)
	third := call()

	// THEN: Only the second call is refused
	assert.Equal(t, http.StatusNoContent, first)
	assert.Equal(t, http.StatusTooManyRequests, second)
	assert.Equal(t, http.StatusNoContent, third)
}
