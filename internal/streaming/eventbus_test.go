package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investigation-lab/internal/domain/models"
	"investigation-lab/pkg/logger"
)

func receive(t *testing.T, ch <-chan *InvestigationEvent) *InvestigationEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestEventBusLocalDelivery(t *testing.T) {
	bus := NewEventBus(nil, "", logger.Nop())
	defer bus.Close()

	all, unsubAll := bus.Subscribe(nil)
	defer unsubAll()
	onlyLeft, unsubLeft := bus.Subscribe(&Subscription{Types: []EventType{EventTypeUserLeft}})
	defer unsubLeft()
	require.Equal(t, 2, bus.SubscriberCount())

	pub := NewEventBusPublisher(bus)
	ctx := context.Background()

	group := models.NewReplyGroup("h", "example.com", "shadowserver", models.Items{{Key: "asn", Values: []string{"1"}}})
	require.NoError(t, pub.PublishResponse(ctx, group, "shadowserver", group.Experts[0].Replies[0]))
	require.NoError(t, pub.PublishUserLeft(ctx, "bob"))

	ev := receive(t, all)
	assert.Equal(t, EventTypeNewResponse, ev.Type)
	assert.Equal(t, "h", ev.QueryHash)
	assert.Equal(t, "example.com", ev.QueryString)
	assert.Equal(t, "shadowserver", ev.Expert)
	assert.NotEmpty(t, ev.ID)

	ev = receive(t, all)
	assert.Equal(t, EventTypeUserLeft, ev.Type)

	ev = receive(t, onlyLeft)
	assert.Equal(t, EventTypeUserLeft, ev.Type)
	assert.Equal(t, "bob", ev.Nick)

	unsubLeft()
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestSubscriptionMatches(t *testing.T) {
	ev := NewInvestigationEvent(EventTypeNewResponse)
	ev.QueryHash = "h1"

	assert.True(t, (&Subscription{}).Matches(ev))
	assert.True(t, (&Subscription{QueryHashes: []string{"h1"}}).Matches(ev))
	assert.False(t, (&Subscription{QueryHashes: []string{"h2"}}).Matches(ev))
	assert.False(t, (&Subscription{Types: []EventType{EventTypeError}}).Matches(ev))

	// hash filters do not hide other event types
	left := NewInvestigationEvent(EventTypeUserLeft)
	assert.True(t, (&Subscription{QueryHashes: []string{"h2"}}).Matches(left))
}

func TestWebSocketHubStreamsEvents(t *testing.T) {
	bus := NewEventBus(nil, "", logger.Nop())
	hub := NewWebSocketHub(bus, nil, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, NewEventBusPublisher(bus).PublishError(ctx, "Service Unavailable"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got InvestigationEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventTypeError, got.Type)
	assert.Equal(t, "Service Unavailable", got.Message)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://console.example"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://console.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
