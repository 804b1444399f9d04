package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/models"
)

// MemoryEventStore backs the reconciler tests without Postgres.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.PaymentEvent
	byExt  map[string]uuid.UUID
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[uuid.UUID]*models.PaymentEvent),
		byExt:  make(map[string]uuid.UUID),
	}
}

func extKey(gateway, externalEventID string) string {
	return gateway + "|" + externalEventID
}

func (s *MemoryEventStore) GetByExternalID(_ context.Context, gateway, externalEventID string) (*models.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExt[extKey(gateway, externalEventID)]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *s.events[id]
	return &cp, nil
}

func (s *MemoryEventStore) Insert(_ context.Context, event *models.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := extKey(event.Gateway, event.ExternalEventID)
	if id, ok := s.byExt[key]; ok {
		*event = *s.events[id]
		return nil
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	cp := *event
	s.events[event.ID] = &cp
	s.byExt[key] = event.ID
	return nil
}

func (s *MemoryEventStore) MarkProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now().UTC()
	evt.Processed = true
	evt.ProcessedAt = &now
	return nil
}

func (s *MemoryEventStore) Unprocessed(_ context.Context, cutoff time.Time, limit int) ([]models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []models.PaymentEvent
	for _, evt := range s.events {
		if !evt.Processed && evt.Verified && evt.CreatedAt.Before(cutoff) {
			events = append(events, *evt)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
