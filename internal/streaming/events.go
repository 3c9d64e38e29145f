package streaming

import (
	"time"

	"github.com/google/uuid"

	"investigation-lab/internal/domain/models"
)

// EventType represents the type of investigation event
type EventType string

const (
	EventTypeNewResponse      EventType = "new_response"
	EventTypeResponsesCleared EventType = "responses_cleared"
	EventTypeUserLeft         EventType = "user_left"
	EventTypeError            EventType = "error"
)

// InvestigationEvent is pushed to UI clients as the investigation progresses
type InvestigationEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Origin identifies the event bus that produced the event
	Origin string `json:"origin,omitempty"`

	// new_response
	QueryHash   string             `json:"query_hash,omitempty"`
	QueryString string             `json:"query_string,omitempty"`
	Expert      string             `json:"expert,omitempty"`
	Items       models.Items       `json:"items,omitempty"`
	Group       *models.ReplyGroup `json:"group,omitempty"`

	// user_left
	Nick string `json:"nick,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// NewInvestigationEvent creates an event with a fresh id and timestamp
func NewInvestigationEvent(eventType EventType) *InvestigationEvent {
	return &InvestigationEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// NewResponseEvent describes a reply that was correlated into group
func NewResponseEvent(group *models.ReplyGroup, expert string, items models.Items) *InvestigationEvent {
	event := NewInvestigationEvent(EventTypeNewResponse)
	event.QueryHash = group.QueryHash
	event.QueryString = group.QueryString
	event.Expert = expert
	event.Items = items
	event.Group = group
	return event
}

// Subscription represents a client's subscription preferences
type Subscription struct {
	// Filter by event types (empty = all)
	Types []EventType `json:"types,omitempty"`

	// Filter new_response events by query hash (empty = all)
	QueryHashes []string `json:"query_hashes,omitempty"`
}

// Matches checks if an event matches the subscription filters
func (s *Subscription) Matches(event *InvestigationEvent) bool {
	if len(s.Types) > 0 {
		found := false
		for _, t := range s.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(s.QueryHashes) > 0 && event.Type == EventTypeNewResponse {
		for _, h := range s.QueryHashes {
			if h == event.QueryHash {
				return true
			}
		}
		return false
	}

	return true
}
