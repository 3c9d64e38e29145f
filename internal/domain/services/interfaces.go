package services

import (
	"context"

	"investigation-lab/internal/domain/models"
)

// RoomTransport is the room-based publish/subscribe connection the
// investigation runs over.
type RoomTransport interface {
	// JID returns the full address the transport is attached as.
	JID() models.JID
	// Restore re-attaches a previously persisted session for bare.
	// It returns models.ErrSessionNotFound when there is nothing to restore.
	Restore(ctx context.Context, bare models.JID) (*models.SessionDescriptor, error)
	// Attach establishes the transport from a fresh descriptor.
	Attach(ctx context.Context, desc *models.SessionDescriptor) error
	Send(ctx context.Context, el models.Element) error
	// AddHandler registers fn for stanzas named name ("" for any) of type
	// typ ("" for any).
	AddHandler(fn models.StanzaHandler, name, typ string) models.HandlerID
	DeleteHandler(id models.HandlerID)
	// OnStatus registers a connection status callback.
	OnStatus(fn func(models.ConnStatus))
	Disconnect(ctx context.Context) error
}

// QueryCache maps query fingerprints to the query that produced them.
type QueryCache interface {
	Put(ctx context.Context, fingerprint string, q *models.Query) error
	// Get returns models.ErrQueryNotFound for unknown fingerprints.
	Get(ctx context.Context, fingerprint string) (*models.Query, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// SessionStore persists transport session descriptors between runs.
type SessionStore interface {
	Load(ctx context.Context, bare models.JID) (*models.SessionDescriptor, error)
	Save(ctx context.Context, desc *models.SessionDescriptor) error
	Delete(ctx context.Context, bare models.JID) error
}

// SessionFetcher requests a fresh session descriptor from the REST backend.
type SessionFetcher interface {
	FetchSession(ctx context.Context) (*models.SessionDescriptor, error)
}

// ReplyArchive persists accepted replies.
type ReplyArchive interface {
	AppendReply(ctx context.Context, reply *models.ArchivedReply) error
}

// EventPublisher fans investigation events out to UI clients.
type EventPublisher interface {
	PublishResponse(ctx context.Context, group *models.ReplyGroup, nick string, items models.Items) error
	PublishResponsesCleared(ctx context.Context) error
	PublishUserLeft(ctx context.Context, nick string) error
	PublishError(ctx context.Context, message string) error
}
