package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to the
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// eventReadLimit caps a single event frame. Events carry ids only,
	// never payloads.
	eventReadLimit = 1024 * 1024
)

// SubscriberHooks receives connectivity and change notifications. Both
// callbacks run on the subscriber goroutine and must not block.
type SubscriberHooks struct {
	// OnOnline is called with true after each successful connect and
	// false after each disconnect.
	OnOnline func(online bool)

	// OnEvent is called for every decoded change event.
	OnEvent func(ChangeEvent)
}

// Subscriber maintains a websocket connection to the server's change-event
// feed, reconnecting with jittered exponential backoff.
type Subscriber struct {
	url    string
	token  string
	logger *slog.Logger
	hooks  SubscriberHooks
}

// NewSubscriber creates a subscriber for the given API base URL. The
// event feed lives at /sync/events with the scheme switched to ws(s).
func NewSubscriber(baseURL, token string, hooks SubscriberHooks, logger *slog.Logger) *Subscriber {
	wsURL := strings.TrimRight(baseURL, "/") + "/sync/events"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	return &Subscriber{
		url:    wsURL,
		token:  token,
		logger: logger,
		hooks:  hooks,
	}
}

// Run connects and reads events until the context is cancelled,
// reconnecting on failure. It only returns the context error.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.hooks.OnOnline != nil {
			s.hooks.OnOnline(false)
		}

		wait := backoff + rand.N(backoff/jitterDivisor)
		s.logger.Warn("Event feed disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectAndRead dials the feed and delivers events until the connection
// drops. Always returns a non-nil error describing why reading stopped.
func (s *Subscriber) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dialing event feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	conn.SetReadLimit(eventReadLimit)

	s.logger.Info("Event feed connected", slog.String("url", s.url))

	if s.hooks.OnOnline != nil {
		s.hooks.OnOnline(true)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading event: %w", err)
		}

		if typ != websocket.MessageText {
			s.logger.Debug("Ignoring binary event frame", slog.Int("bytes", len(data)))
			continue
		}

		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("Unparseable event frame", slog.Int("bytes", len(data)))
			continue
		}

		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(ev)
		}
	}
}
