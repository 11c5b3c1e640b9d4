package eventhub

import (
	"encoding/json"
	"net/http"
	"sync"
)

// requestCounts tracks the number of times each "METHOD path" endpoint
// key has been served by the Hub's router, exposed at GET /metrics.
// Adapted from server_teacher_ref/metrics.go's apiRequestCounts; the
// path-normalization table there collapsed Mattermost-plugin-specific
// ID segments (/api/v1/agents/{id}/followup and friends), which this
// Hub's router doesn't have any of, so normalization is dropped and each
// request's raw URL path is counted instead.
type requestCounts struct {
	mu     sync.RWMutex
	counts map[string]int
}

func newRequestCounts() *requestCounts {
	return &requestCounts{counts: make(map[string]int)}
}

func (c *requestCounts) record(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
}

func (c *requestCounts) snapshot() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func metricsMiddleware(counts *requestCounts) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			counts.record(r.Method + " " + r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

type metricsResponse struct {
	RequestCounts map[string]int `json:"request_counts"`
}

func (h *Hub) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metricsResponse{RequestCounts: h.requestCounts.snapshot()})
}
