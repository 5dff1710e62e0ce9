package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skuld/api/logging"
)

func TestBroadcastReachesClient(t *testing.T) {
	h := New(nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast(Event{Type: EventFunctionCompleted, FunctionID: "resize", Payload: map[string]string{"status": "SUCCESS"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, EventFunctionCompleted, evt.Type)
	assert.Equal(t, "resize", evt.FunctionID)
}

func TestBroadcastWithoutRunDoesNotBlock(t *testing.T) {
	h := New(nil, logging.Discard())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Broadcast(Event{Type: EventWorkerEvicted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked")
	}
}

func TestOriginCheck(t *testing.T) {
	h := New([]string{"https://console.example.com"}, logging.Discard())
	check := h.upgrader.CheckOrigin

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://console.example.com", true},
		{"http://localhost:5173", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(r), tt.origin)
	}
}
