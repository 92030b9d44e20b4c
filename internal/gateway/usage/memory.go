package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.UsageRecord
	order   []string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.UsageRecord)}
}

func (s *MemoryStore) InsertUsageRecord(_ context.Context, u *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.RequestID == u.RequestID && existing.AttemptNumber == u.AttemptNumber {
			return fmt.Errorf("usage record for %s attempt %d already exists: %w", u.RequestID, u.AttemptNumber, models.ErrAttemptSettled)
		}
	}
	u.CreatedAt = time.Now()
	s.records[u.ID] = *u
	s.order = append(s.order, u.ID)
	return nil
}

func (s *MemoryStore) MarkUsageSynced(_ context.Context, id, externalEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.records[id]
	if !ok || u.ExternalEventID != nil {
		return fmt.Errorf("unsynced usage record %s: %w", id, models.ErrNotFound)
	}
	u.ExternalEventID = &externalEventID
	s.records[id] = u
	return nil
}

// ByRequest returns a request's records ordered by attempt
func (s *MemoryStore) ByRequest(requestID string) []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageRecord
	for _, id := range s.order {
		if u := s.records[id]; u.RequestID == requestID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

// ByCaller returns a caller's records in insertion order
func (s *MemoryStore) ByCaller(callerID string) []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageRecord
	for _, id := range s.order {
		if u := s.records[id]; u.CallerID == callerID {
			out = append(out, u)
		}
	}
	return out
}
