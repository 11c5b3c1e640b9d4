package eventhub

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	h := New(nil)
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.Publish(Event{Type: EventTaskStatusChanged, Payload: map[string]any{"task_id": 1}})

	select {
	case evt := <-ch:
		require.Equal(t, EventTaskStatusChanged, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishEvictsSlowSubscriber(t *testing.T) {
	h := New(nil)
	ch, _ := h.Subscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(Event{Type: EventAgentOutput})
	}

	h.mu.Lock()
	_, stillSubscribed := h.subscribers[ch]
	h.mu.Unlock()
	require.False(t, stillSubscribed)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New(nil)
	ch, unsubscribe := h.Subscribe()
	unsubscribe()

	_, open := <-ch
	require.False(t, open)
}

func TestHandleHealthz(t *testing.T) {
	h := New(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "ok")
}

func TestHandleMetrics_CountsRequestsByEndpoint(t *testing.T) {
	h := New(nil)
	router := h.Router()

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"GET /healthz":3`)
}

func TestHandleEvents_StreamsPublishedEvent(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	done := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				done <- line
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	h.Publish(Event{Type: EventChatMessage, Payload: "hi"})

	select {
	case line := <-done:
		require.Contains(t, line, "chat_message")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
}
