package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// MemoryStore is an in-process Store. A single mutex serializes every mutation.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*models.CreditAccount
	transactions []models.CreditTransaction

	// conflicts makes the next n Debit calls report contention
	conflicts int
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*models.CreditAccount)}
}

func (s *MemoryStore) InsertAccountIfAbsent(_ context.Context, callerID string, tier models.Tier, starter decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[callerID]; ok {
		return false, nil
	}
	now := time.Now()
	s.accounts[callerID] = &models.CreditAccount{
		CallerID:          callerID,
		Balance:           starter,
		LifetimeAllocated: starter,
		Tier:              tier,
		LastResetAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if !starter.IsZero() {
		s.append(callerID, models.TxStarter, starter, starter, "starter allocation", models.ServiceMetadata{})
	}
	return true, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, callerID string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[callerID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", callerID, models.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Debit(_ context.Context, callerID string, amount decimal.Decimal, meta models.ServiceMetadata) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflicts > 0 {
		s.conflicts--
		return nil, models.ErrLedgerConflict
	}
	a, ok := s.accounts[callerID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", callerID, models.ErrNotFound)
	}
	if a.Balance.LessThan(amount) {
		return nil, models.ErrInsufficientBalance
	}
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = time.Now()

	tx := s.append(callerID, models.TxUsage, amount.Neg(), a.Balance, "usage", meta)
	return &models.Receipt{
		TransactionID: tx.ID,
		CallerID:      callerID,
		Amount:        amount,
		BalanceAfter:  a.Balance,
		CreatedAt:     tx.CreatedAt,
	}, nil
}

func (s *MemoryStore) CreditBalance(_ context.Context, callerID string, amount decimal.Decimal, txType models.TransactionType, reason string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[callerID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", callerID, models.ErrNotFound)
	}
	a.Balance = a.Balance.Add(amount)
	a.LifetimeAllocated = a.LifetimeAllocated.Add(amount)
	a.UpdatedAt = time.Now()
	s.append(callerID, txType, amount, a.Balance, reason, models.ServiceMetadata{})

	cp := *a
	return &cp, nil
}

// Transactions returns a copy of the caller's ledger rows in insertion order
func (s *MemoryStore) Transactions(callerID string) []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CreditTransaction
	for _, tx := range s.transactions {
		if tx.CallerID == callerID {
			out = append(out, tx)
		}
	}
	return out
}

// Accounts is the number of accounts held
func (s *MemoryStore) Accounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (s *MemoryStore) append(callerID string, txType models.TransactionType, amount, after decimal.Decimal, reason string, meta models.ServiceMetadata) models.CreditTransaction {
	tx := models.CreditTransaction{
		ID:           uuid.NewString(),
		CallerID:     callerID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: after,
		Reason:       reason,
		Service:      meta,
		CreatedAt:    time.Now(),
	}
	s.transactions = append(s.transactions, tx)
	return tx
}
