package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examsync/examsync/internal/logging"
)

func TestSubscriber_DeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/events", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		require.NoError(t, conn.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"record-changed","recordId":"r1"}`)))
		require.NoError(t, conn.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"records-deleted","recordIds":["a","b"]}`)))

		// Hold the connection open until the client goes away.
		conn.Read(ctx)
	}))
	defer srv.Close()

	var (
		mu     sync.Mutex
		events []ChangeEvent
		online []bool
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(srv.URL, "tok", SubscriberHooks{
		OnOnline: func(o bool) {
			mu.Lock()
			online = append(online, o)
			mu.Unlock()
		},
		OnEvent: func(ev ChangeEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	}, logging.Discard())

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(events) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, EventRecordChanged, events[0].Type)
	assert.Equal(t, "r1", events[0].RecordID)
	assert.Equal(t, EventRecordsDeleted, events[1].Type)
	assert.Equal(t, []string{"a", "b"}, events[1].RecordIDs)

	require.NotEmpty(t, online)
	assert.True(t, online[0], "connect reports online")
}

func TestNewSubscriber_DerivesFeedURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://host:8080", "ws://host:8080/sync/events"},
		{"https://host/", "wss://host/sync/events"},
	}

	for _, tt := range tests {
		sub := NewSubscriber(tt.base, "", SubscriberHooks{}, logging.Discard())
		assert.Equal(t, tt.want, sub.url)
	}
}
