package keyvault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// MemoryStore is an in-process credential Store
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]models.CallerCredential
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]models.CallerCredential)}
}

func credKey(callerID, providerID string) string {
	return callerID + "/" + providerID
}

func (s *MemoryStore) UpsertCredential(_ context.Context, c models.CallerCredential) (*models.CallerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	k := credKey(c.CallerID, c.ProviderID)
	if existing, ok := s.creds[k]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.Enabled = true
	c.ValidationStatus = models.ValidationPending
	c.ValidationMessage = ""
	c.LastValidatedAt = nil
	c.UpdatedAt = now
	s.creds[k] = c
	return &c, nil
}

func (s *MemoryStore) GetCredential(_ context.Context, callerID, providerID string) (*models.CallerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[credKey(callerID, providerID)]
	if !ok {
		return nil, fmt.Errorf("credential %s/%s: %w", callerID, providerID, models.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListCredentials(_ context.Context, callerID string) ([]models.CallerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CallerCredential
	for _, c := range s.creds {
		if c.CallerID == callerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *MemoryStore) UpdateCredentialValidation(_ context.Context, callerID, providerID string, status models.ValidationStatus, message string, at time.Time) error {
	return s.update(callerID, providerID, func(c *models.CallerCredential) {
		c.ValidationStatus = status
		c.ValidationMessage = message
		c.LastValidatedAt = &at
	})
}

func (s *MemoryStore) SetCredentialEnabled(_ context.Context, callerID, providerID string, enabled bool) error {
	return s.update(callerID, providerID, func(c *models.CallerCredential) {
		c.Enabled = enabled
	})
}

func (s *MemoryStore) DeleteCredential(_ context.Context, callerID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := credKey(callerID, providerID)
	if _, ok := s.creds[k]; !ok {
		return fmt.Errorf("credential %s/%s: %w", callerID, providerID, models.ErrNotFound)
	}
	delete(s.creds, k)
	return nil
}

func (s *MemoryStore) update(callerID, providerID string, fn func(*models.CallerCredential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := credKey(callerID, providerID)
	c, ok := s.creds[k]
	if !ok {
		return fmt.Errorf("credential %s/%s: %w", callerID, providerID, models.ErrNotFound)
	}
	fn(&c)
	c.UpdatedAt = time.Now()
	s.creds[k] = c
	return nil
}
