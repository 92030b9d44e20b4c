package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

const (
	defaultMaxRetries = 5
	defaultBackoff    = 10 * time.Millisecond
)

// Store persists accounts. Debit must verify and reduce the balance in one
// isolated step and return models.ErrLedgerConflict on write contention.
type Store interface {
	InsertAccountIfAbsent(ctx context.Context, callerID string, tier models.Tier, starter decimal.Decimal) (bool, error)
	GetAccount(ctx context.Context, callerID string) (*models.CreditAccount, error)
	Debit(ctx context.Context, callerID string, amount decimal.Decimal, meta models.ServiceMetadata) (*models.Receipt, error)
	CreditBalance(ctx context.Context, callerID string, amount decimal.Decimal, txType models.TransactionType, reason string) (*models.CreditAccount, error)
}

// Ledger is the sole mutator of caller balances
type Ledger struct {
	store       Store
	starter     decimal.Decimal
	defaultTier models.Tier
	maxRetries  int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Ledger
type Option func(*Ledger)

// WithRetry sets the conflict retry budget
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(l *Ledger) {
		l.maxRetries = maxRetries
		l.backoff = backoff
	}
}

// New creates a Ledger granting starter credits to auto-created accounts
func New(store Store, starter decimal.Decimal, defaultTier models.Tier, opts ...Option) *Ledger {
	if defaultTier == "" {
		defaultTier = models.TierFree
	}
	l := &Ledger{
		store:       store,
		starter:     starter,
		defaultTier: defaultTier,
		maxRetries:  defaultMaxRetries,
		backoff:     defaultBackoff,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs op again while it reports write contention, with jittered exponential backoff
func (l *Ledger) retry(ctx context.Context, op func() error) error {
	backoff := l.backoff
	for attempt := 0; ; attempt++ {
		err := op()
		if !errors.Is(err, models.ErrLedgerConflict) {
			return err
		}
		if attempt >= l.maxRetries {
			return fmt.Errorf("ledger: contention persisted after %d retries: %w", attempt, err)
		}
		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		backoff *= 2
	}
}

// EnsureAccount returns the caller's account, creating it with the starter allocation if absent
func (l *Ledger) EnsureAccount(ctx context.Context, callerID string) (*models.CreditAccount, error) {
	var created bool
	err := l.retry(ctx, func() error {
		var err error
		created, err = l.store.InsertAccountIfAbsent(ctx, callerID, l.defaultTier, l.starter)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		log.WithFields(log.Fields{
			"caller_id": callerID,
			"starter":   l.starter.String(),
		}).Info("ledger: account created")
	}
	return l.store.GetAccount(ctx, callerID)
}

// HasSufficientBalance checks without holding anything whether needed credits are available
func (l *Ledger) HasSufficientBalance(ctx context.Context, callerID string, needed decimal.Decimal) (bool, error) {
	account, err := l.EnsureAccount(ctx, callerID)
	if err != nil {
		return false, err
	}
	return account.Balance.GreaterThanOrEqual(needed), nil
}

// Deduct verifies and reduces the balance atomically and records the attribution.
// It returns models.ErrInsufficientBalance when the balance does not cover amount.
func (l *Ledger) Deduct(ctx context.Context, callerID string, amount decimal.Decimal, meta models.ServiceMetadata) (*models.Receipt, error) {
	if !amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}
	amount = amount.Round(CostPlaces)

	var receipt *models.Receipt
	debit := func() error {
		var err error
		receipt, err = l.store.Debit(ctx, callerID, amount, meta)
		return err
	}

	err := l.retry(ctx, debit)
	if errors.Is(err, models.ErrNotFound) {
		if _, err = l.EnsureAccount(ctx, callerID); err != nil {
			return nil, err
		}
		err = l.retry(ctx, debit)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"caller_id":  callerID,
		"request_id": meta.RequestID,
		"amount":     amount.String(),
		"balance":    receipt.BalanceAfter.String(),
	}).Debug("ledger: deducted")
	return receipt, nil
}

// Credit adds a purchase, bonus or refund to the caller's balance
func (l *Ledger) Credit(ctx context.Context, callerID string, amount decimal.Decimal, txType models.TransactionType, reason string) (*models.CreditAccount, error) {
	if !amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}
	switch txType {
	case models.TxPurchase, models.TxBonus, models.TxRefund:
	default:
		return nil, fmt.Errorf("ledger: %q is not a credit type", txType)
	}
	if _, err := l.EnsureAccount(ctx, callerID); err != nil {
		return nil, err
	}

	var account *models.CreditAccount
	err := l.retry(ctx, func() error {
		var err error
		account, err = l.store.CreditBalance(ctx, callerID, amount.Round(CostPlaces), txType, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"caller_id": callerID,
		"type":      txType,
		"amount":    amount.String(),
	}).Info("ledger: credited")
	return account, nil
}
