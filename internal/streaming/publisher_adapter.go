package streaming

import (
	"context"

	"investigation-lab/internal/domain/models"
)

// EventBusPublisher turns investigation notifications into bus events.
// It satisfies services.EventPublisher.
type EventBusPublisher struct {
	eventBus *EventBus
}

// NewEventBusPublisher creates a new publisher adapter
func NewEventBusPublisher(eventBus *EventBus) *EventBusPublisher {
	return &EventBusPublisher{eventBus: eventBus}
}

// PublishResponse announces a reply correlated into group
func (p *EventBusPublisher) PublishResponse(ctx context.Context, group *models.ReplyGroup, nick string, items models.Items) error {
	return p.eventBus.Publish(ctx, NewResponseEvent(group, nick, items))
}

// PublishResponsesCleared announces that the results table was emptied
func (p *EventBusPublisher) PublishResponsesCleared(ctx context.Context) error {
	return p.eventBus.Publish(ctx, NewInvestigationEvent(EventTypeResponsesCleared))
}

// PublishUserLeft announces that a room participant left
func (p *EventBusPublisher) PublishUserLeft(ctx context.Context, nick string) error {
	event := NewInvestigationEvent(EventTypeUserLeft)
	event.Nick = nick
	return p.eventBus.Publish(ctx, event)
}

// PublishError is the user-visible notification sink
func (p *EventBusPublisher) PublishError(ctx context.Context, message string) error {
	event := NewInvestigationEvent(EventTypeError)
	event.Message = message
	return p.eventBus.Publish(ctx, event)
}
