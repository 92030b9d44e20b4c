package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
	"github.com/mrmushfiq/llm0-router/internal/shared/redis"
)

// State of a logical request
type State string

const (
	StateSelecting  State = "selecting"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateSelecting:  {StateDispatched, StateFailed},
	StateDispatched: {StateSucceeded, StateFailed, StateSelecting},
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s State) canMove(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Attempt is the model a session is currently dispatched to
type Attempt struct {
	Number         int                     `json:"number"`
	Model          models.Model            `json:"model"`
	ProviderID     string                  `json:"provider_id"`
	Source         models.CredentialSource `json:"source"`
	Fallback       bool                    `json:"fallback"`
	FallbackReason string                  `json:"fallback_reason,omitempty"`
	// set once the attempt has been charged, so a retried settle does not charge again
	ReceiptID *string         `json:"receipt_id,omitempty"`
	Charged   decimal.Decimal `json:"charged"`
}

// Session carries one logical request across route and settle calls
type Session struct {
	RequestID       string              `json:"request_id"`
	CallerID        string              `json:"caller_id"`
	Tier            models.Tier         `json:"tier"`
	PowerLevel      models.PowerLevel   `json:"power_level"`
	TaskType        string              `json:"task_type,omitempty"`
	EstimatedTokens int                 `json:"estimated_tokens"`
	MaxTokens       int                 `json:"max_tokens,omitempty"`
	Required        models.Capabilities `json:"required"`
	State           State               `json:"state"`
	Attempted       []string            `json:"attempted"`
	Current         *Attempt            `json:"current,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

func (s *Session) moveTo(to State) error {
	if !s.State.canMove(to) {
		return fmt.Errorf("request %s: %s -> %s: %w", s.RequestID, s.State, to, models.ErrAttemptSettled)
	}
	s.State = to
	return nil
}

// reopen returns a claimed attempt to Dispatched so its settlement can be retried
func (s *Session) reopen(claimed *Attempt) error {
	if s.Current == nil || s.Current.Number != claimed.Number {
		return fmt.Errorf("request %s attempt %d: %w", s.RequestID, claimed.Number, models.ErrAttemptSettled)
	}
	cur := *claimed
	s.Current = &cur
	s.State = StateDispatched
	return nil
}

// SessionStore persists sessions. Update must apply fn atomically.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, requestID string) (*Session, error)
	Update(ctx context.Context, requestID string, fn func(*Session) error) (*Session, error)
}

// RedisKV is the Redis surface the session store uses
type RedisKV interface {
	Get(ctx context.Context, key string) (string, error)
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current string, exists bool) (string, error)) error
}

// RedisSessionStore keeps sessions in Redis with a TTL
type RedisSessionStore struct {
	kv  RedisKV
	ttl time.Duration
}

// NewRedisSessionStore creates a RedisSessionStore
func NewRedisSessionStore(kv RedisKV, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{kv: kv, ttl: ttl}
}

func sessionKey(requestID string) string {
	return "session:request:" + requestID
}

func (r *RedisSessionStore) Create(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.kv.Update(ctx, sessionKey(s.RequestID), r.ttl, func(_ string, exists bool) (string, error) {
		if exists {
			return "", fmt.Errorf("request %s already exists", s.RequestID)
		}
		return string(data), nil
	})
}

func (r *RedisSessionStore) Get(ctx context.Context, requestID string) (*Session, error) {
	val, err := r.kv.Get(ctx, sessionKey(requestID))
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Update(ctx context.Context, requestID string, fn func(*Session) error) (*Session, error) {
	var out Session
	err := r.kv.Update(ctx, sessionKey(requestID), r.ttl, func(current string, exists bool) (string, error) {
		if !exists {
			return "", models.ErrSessionNotFound
		}
		var s Session
		if err := json.Unmarshal([]byte(current), &s); err != nil {
			return "", fmt.Errorf("decode session: %w", err)
		}
		if err := fn(&s); err != nil {
			return "", err
		}
		data, err := json.Marshal(&s)
		if err != nil {
			return "", err
		}
		out = s
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MemorySessionStore is an in-process SessionStore without expiry
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty MemorySessionStore
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (m *MemorySessionStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.RequestID]; ok {
		return fmt.Errorf("request %s already exists", s.RequestID)
	}
	m.sessions[s.RequestID] = clone(*s)
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, requestID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	c := clone(s)
	return &c, nil
}

func (m *MemorySessionStore) Update(_ context.Context, requestID string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	c := clone(s)
	if err := fn(&c); err != nil {
		return nil, err
	}
	m.sessions[requestID] = clone(c)
	return &c, nil
}

func clone(s Session) Session {
	s.Attempted = append([]string(nil), s.Attempted...)
	if s.Current != nil {
		cur := *s.Current
		s.Current = &cur
	}
	return s
}
