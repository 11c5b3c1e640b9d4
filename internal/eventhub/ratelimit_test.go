package eventhub

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectLimiter_AllowsUpToMaxThenBlocks(t *testing.T) {
	l := newConnectLimiter(2, time.Minute, nil)

	require.True(t, l.allow("1.2.3.4"))
	require.True(t, l.allow("1.2.3.4"))
	require.False(t, l.allow("1.2.3.4"))
}

func TestConnectLimiter_ResetsAfterWindow(t *testing.T) {
	now := time.Now()
	l := newConnectLimiter(1, time.Minute, func() time.Time { return now })

	require.True(t, l.allow("1.2.3.4"))
	require.False(t, l.allow("1.2.3.4"))

	now = now.Add(2 * time.Minute)
	require.True(t, l.allow("1.2.3.4"))
}

func TestConnectLimiter_EmptyKeyAlwaysAllowed(t *testing.T) {
	l := newConnectLimiter(0, time.Minute, nil)
	require.True(t, l.allow(""))
	require.True(t, l.allow(""))
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	limiter := newConnectLimiter(1, time.Minute, nil)
	handler := rateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/events", nil)
	req1.RemoteAddr = "10.0.0.1:5555"
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req1)
	require.Equal(t, http.StatusOK, rr1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/events", nil)
	req2.RemoteAddr = "10.0.0.1:5556"
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
}
