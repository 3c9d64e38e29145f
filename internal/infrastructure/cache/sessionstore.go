package cache

import (
	"context"
	"fmt"
	"sync"

	"investigation-lab/internal/domain/models"
)

// MemorySessionStore keeps session descriptors for the process lifetime
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[models.JID]models.SessionDescriptor
}

// NewMemorySessionStore creates an empty store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[models.JID]models.SessionDescriptor)}
}

func (s *MemorySessionStore) Load(_ context.Context, bare models.JID) (*models.SessionDescriptor, error) {
	s.mu.RLock()
	desc, ok := s.sessions[bare.Bare()]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	desc.Rooms = append([]string(nil), desc.Rooms...)
	return &desc, nil
}

func (s *MemorySessionStore) Save(_ context.Context, desc *models.SessionDescriptor) error {
	if desc.JID == "" {
		return fmt.Errorf("session descriptor has no jid")
	}
	cp := *desc
	cp.Rooms = append([]string(nil), desc.Rooms...)
	s.mu.Lock()
	s.sessions[models.JID(desc.JID).Bare()] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, bare models.JID) error {
	s.mu.Lock()
	delete(s.sessions, bare.Bare())
	s.mu.Unlock()
	return nil
}

// RedisSessionStore persists descriptors under bosh:session:<bare jid> so a
// restarted process can restore its session.
type RedisSessionStore struct {
	redis *RedisCache
}

// NewRedisSessionStore creates a Redis-backed session store
func NewRedisSessionStore(r *RedisCache) *RedisSessionStore {
	return &RedisSessionStore{redis: r}
}

func (s *RedisSessionStore) Load(ctx context.Context, bare models.JID) (*models.SessionDescriptor, error) {
	var desc models.SessionDescriptor
	if err := s.redis.GetJSON(ctx, KeySessionPrefix+bare.Bare().String(), &desc); err != nil {
		if IsMiss(err) {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &desc, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, desc *models.SessionDescriptor) error {
	if desc.JID == "" {
		return fmt.Errorf("session descriptor has no jid")
	}
	key := KeySessionPrefix + models.JID(desc.JID).Bare().String()
	if err := s.redis.SetJSON(ctx, key, desc, 0); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, bare models.JID) error {
	return s.redis.Delete(ctx, KeySessionPrefix+bare.Bare().String())
}
