package audit

import (
	"context"
	"sync"
	"time"

	auditdomain "orchard/internal/domain/audit"

	"github.com/google/uuid"
)

// MemoryStore is an in-process audit log used by tests and dev mode.
type MemoryStore struct {
	mu     sync.Mutex
	events []auditdomain.Event
}

var _ auditdomain.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, event auditdomain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListByResource(ctx context.Context, resourceID string) ([]auditdomain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auditdomain.Event
	for _, ev := range s.events {
		if ev.ResourceID == resourceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// All returns a snapshot of every event in append order.
func (s *MemoryStore) All() []auditdomain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auditdomain.Event, len(s.events))
	copy(out, s.events)
	return out
}
