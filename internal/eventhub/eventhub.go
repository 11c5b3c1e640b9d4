// Package eventhub fans out Conductor's internal events — task status
// changes, agent output, diff stats, PR lifecycle transitions — to any
// number of subscribers, plus a minimal HTTP surface for health checks,
// request metrics, and server-sent-event streaming to external watchers.
// Grounded on nickmisasi-mattermost-plugin-cursor's
// publishAgentStatusChange / publishReviewLoopChange broadcast pattern,
// generalized away from a single Mattermost WebSocket sink into a typed,
// subscriber-based fan-out (the redesign spec.md §9 calls for in place
// of the original's scattered callback parameters). The healthz uptime
// field, the per-endpoint /metrics counter (metrics.go), and the /events
// connection rate limiter (ratelimit.go) are adapted from
// server_teacher_ref/healthcheck.go, metrics.go, and ratelimit.go
// respectively.
package eventhub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

// EventType names the kind of event published on the hub.
type EventType string

const (
	EventTaskStatusChanged  EventType = "task_status_changed"
	EventAgentOutput        EventType = "agent_output"
	EventAgentStatusChanged EventType = "agent_status_changed"
	EventDiffStats          EventType = "diff_stats"
	EventPRStageChanged     EventType = "pr_stage_changed"
	EventChatMessage        EventType = "chat_message"
)

// Event is one published notification. Payload is event-type-specific
// and is serialized as-is to subscribers of the HTTP SSE stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

const subscriberBuffer = 64

// Hub is the central publish/subscribe point every other component holds
// a reference to instead of wiring direct callbacks between each other.
type Hub struct {
	mu            sync.Mutex
	subscribers   map[chan Event]struct{}
	log           hclog.Logger
	connLimiter   *connectLimiter
	requestCounts *requestCounts
	startedAt     time.Time
}

// New builds an empty Hub.
func New(log hclog.Logger) *Hub {
	return &Hub{
		subscribers:   make(map[chan Event]struct{}),
		log:           log,
		connLimiter:   newConnectLimiter(connectLimitMaxRequests, connectLimitWindow, nil),
		requestCounts: newRequestCounts(),
		startedAt:     time.Now(),
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Publish fans evt out to every current subscriber. A subscriber whose
// buffer is full is evicted rather than allowed to block the publisher,
// mirroring the bounded-channel-with-eviction pattern
// kadirpekel-hector's event bus uses for slow consumers.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
			if h.log != nil {
				h.log.Warn("evicting slow event subscriber")
			}
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Router builds the HTTP surface: GET /healthz, GET /metrics and GET
// /events (SSE).
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware(h.requestCounts))
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
	r.Handle("/events", rateLimitMiddleware(h.connLimiter)(http.HandlerFunc(h.handleEvents))).Methods(http.MethodGet)
	return r
}

func (h *Hub) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
