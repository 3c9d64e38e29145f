package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"investigation-lab/pkg/logger"
)

// EventBus distributes investigation events to local subscribers and,
// when a NATS connection is given, to other processes on subject.<type>.
type EventBus struct {
	nc      *nats.Conn
	subject string
	origin  string
	logger  *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	remote      *nats.Subscription
}

type subscriber struct {
	ch  chan *InvestigationEvent
	sub *Subscription
}

// NewEventBus creates a new event bus. nc may be nil.
func NewEventBus(nc *nats.Conn, subject string, log *logger.Logger) *EventBus {
	if subject == "" {
		subject = "investigation.events"
	}
	return &EventBus{
		nc:          nc,
		subject:     subject,
		origin:      uuid.New().String(),
		logger:      log.WithComponent("event-bus"),
		subscribers: make(map[string]*subscriber),
	}
}

// Start relays events published by other processes to local subscribers
func (eb *EventBus) Start() error {
	if eb.nc == nil {
		return nil
	}
	sub, err := eb.nc.Subscribe(eb.subject+".>", func(msg *nats.Msg) {
		var event InvestigationEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to decode remote event")
			return
		}
		if event.Origin == eb.origin {
			return
		}
		eb.broadcast(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.subject, err)
	}

	eb.mu.Lock()
	eb.remote = sub
	eb.mu.Unlock()
	return nil
}

// Publish publishes an event to all subscribers
func (eb *EventBus) Publish(ctx context.Context, event *InvestigationEvent) error {
	event.Origin = eb.origin

	if eb.nc != nil && eb.nc.IsConnected() {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := eb.nc.Publish(eb.subject+"."+string(event.Type), data); err != nil {
			eb.logger.Warn().Err(err).Msg("failed to publish to NATS, using local broadcast only")
		}
	}

	eb.broadcast(event)
	return nil
}

func (eb *EventBus) broadcast(event *InvestigationEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for id, s := range eb.subscribers {
		if s.sub != nil && !s.sub.Matches(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			eb.logger.Debug().Str("subscriber", id).Msg("subscriber channel full, dropping event")
		}
	}
}

// Subscribe creates a new subscription and returns a channel for events
func (eb *EventBus) Subscribe(sub *Subscription) (<-chan *InvestigationEvent, func()) {
	id := uuid.New().String()
	ch := make(chan *InvestigationEvent, 100)

	eb.mu.Lock()
	eb.subscribers[id] = &subscriber{ch: ch, sub: sub}
	eb.mu.Unlock()

	eb.logger.Debug().Str("subscriber_id", id).Msg("new subscriber")

	unsubscribe := func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		if _, ok := eb.subscribers[id]; ok {
			close(ch)
			delete(eb.subscribers, id)
			eb.logger.Debug().Str("subscriber_id", id).Msg("subscriber removed")
		}
	}

	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close closes every subscription. The NATS connection belongs to the caller.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, s := range eb.subscribers {
		close(s.ch)
		delete(eb.subscribers, id)
	}

	if eb.remote != nil {
		_ = eb.remote.Unsubscribe()
		eb.remote = nil
	}
}
