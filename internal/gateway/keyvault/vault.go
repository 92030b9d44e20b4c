package keyvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Store persists caller credentials
type Store interface {
	UpsertCredential(ctx context.Context, c models.CallerCredential) (*models.CallerCredential, error)
	GetCredential(ctx context.Context, callerID, providerID string) (*models.CallerCredential, error)
	ListCredentials(ctx context.Context, callerID string) ([]models.CallerCredential, error)
	UpdateCredentialValidation(ctx context.Context, callerID, providerID string, status models.ValidationStatus, message string, at time.Time) error
	SetCredentialEnabled(ctx context.Context, callerID, providerID string, enabled bool) error
	DeleteCredential(ctx context.Context, callerID, providerID string) error
}

// ProviderLookup resolves the provider a credential belongs to
type ProviderLookup interface {
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
}

// Prober makes the lightweight upstream call behind Validate
type Prober interface {
	Probe(ctx context.Context, target providers.Target, apiKey string) providers.ProbeResult
}

// ValidationResult is the outcome of a validate call
type ValidationResult struct {
	Status      models.ValidationStatus `json:"status"`
	Message     string                  `json:"message,omitempty"`
	RateLimited bool                    `json:"rate_limited"`
	LatencyMs   int64                   `json:"latency_ms"`
}

// Err maps the result onto the error taxonomy; nil when the key is valid
func (r ValidationResult) Err() error {
	switch {
	case r.RateLimited:
		return models.ErrRateLimited
	case r.Status == models.ValidationInvalid:
		return models.ErrCredentialInvalid
	}
	return nil
}

// MaskedCredential is a credential safe to return to its owner
type MaskedCredential struct {
	models.CallerCredential
	Masked string `json:"masked_key"`
}

// Vault encrypts, stores and validates caller-supplied provider keys
type Vault struct {
	cipher    *Cipher
	store     Store
	providers ProviderLookup
	prober    Prober
	limiter   Limiter
	now       func() time.Time
}

// New creates a Vault. The cipher carries the encryption key.
func New(c *Cipher, store Store, providerLookup ProviderLookup, prober Prober, limiter Limiter) *Vault {
	return &Vault{
		cipher:    c,
		store:     store,
		providers: providerLookup,
		prober:    prober,
		limiter:   limiter,
		now:       time.Now,
	}
}

func aad(callerID, providerID string) []byte {
	return []byte(callerID + "\x00" + providerID)
}

// Store encrypts and saves a credential. Storing again for the same provider rotates it.
func (v *Vault) Store(ctx context.Context, callerID, providerID, raw string) (*models.CallerCredential, error) {
	raw = normalize(raw)
	if raw == "" {
		return nil, errors.New("keyvault: empty credential")
	}

	p, err := v.providers.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("provider %s: %w", providerID, models.ErrProviderInactive)
	}
	if !p.AllowsCallerKeys {
		return nil, fmt.Errorf("keyvault: provider %s does not accept caller keys", providerID)
	}

	blob, err := v.cipher.Seal([]byte(raw), aad(callerID, providerID))
	if err != nil {
		return nil, err
	}
	prefix, suffix := split(raw)

	stored, err := v.store.UpsertCredential(ctx, models.CallerCredential{
		ID:           uuid.NewString(),
		CallerID:     callerID,
		ProviderID:   providerID,
		EncryptedKey: blob,
		KeyPrefix:    prefix,
		KeySuffix:    suffix,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"caller_id": callerID,
		"provider":  providerID,
		"key":       Mask(raw),
	}).Info("keyvault: credential stored")
	return stored, nil
}

// RetrieveDecrypted returns the raw credential
func (v *Vault) RetrieveDecrypted(ctx context.Context, callerID, providerID string) (string, error) {
	c, err := v.store.GetCredential(ctx, callerID, providerID)
	if err != nil {
		return "", err
	}
	plaintext, err := v.cipher.Open(c.EncryptedKey, aad(callerID, providerID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Validate probes the provider with the stored key and records the outcome.
// A rejected key is kept and flagged invalid.
func (v *Vault) Validate(ctx context.Context, callerID, providerID string) (*ValidationResult, error) {
	allowed, err := v.limiter.Allow(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("keyvault: rate limiter: %w", err)
	}
	if !allowed {
		log.WithField("caller_id", callerID).Warn("keyvault: validate rate limited")
		return &ValidationResult{RateLimited: true, Message: "too many validation attempts, try again in a minute"}, nil
	}

	c, err := v.store.GetCredential(ctx, callerID, providerID)
	if err != nil {
		return nil, err
	}
	p, err := v.providers.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	raw, err := v.cipher.Open(c.EncryptedKey, aad(callerID, providerID))
	if err != nil {
		return nil, err
	}

	res := v.prober.Probe(ctx, providers.Target{BaseURL: p.BaseURL, AuthScheme: p.AuthScheme}, string(raw))
	result := &ValidationResult{LatencyMs: res.Latency.Milliseconds()}

	switch {
	case res.Err == nil:
		result.Status = models.ValidationValid
	case errors.Is(res.Err, providers.ErrCredentialRejected):
		result.Status = models.ValidationInvalid
		result.Message = "the provider rejected this key"
	case errors.Is(res.Err, providers.ErrUnsupportedScheme):
		result.Status = models.ValidationInvalid
		result.Message = "this provider cannot be validated"
	default:
		// the provider could not answer; the key keeps its previous standing
		result.Status = c.ValidationStatus
		result.Message = "provider unreachable, validation inconclusive"
	}

	if err := v.store.UpdateCredentialValidation(ctx, callerID, providerID, result.Status, result.Message, v.now()); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"caller_id": callerID,
		"provider":  providerID,
		"key":       MaskCredential(*c),
		"status":    result.Status,
	}).Info("keyvault: credential validated")
	return result, nil
}

// List returns the caller's credentials in masked form
func (v *Vault) List(ctx context.Context, callerID string) ([]MaskedCredential, error) {
	creds, err := v.store.ListCredentials(ctx, callerID)
	if err != nil {
		return nil, err
	}
	out := make([]MaskedCredential, 0, len(creds))
	for _, c := range creds {
		out = append(out, MaskedCredential{CallerCredential: c, Masked: MaskCredential(c)})
	}
	return out, nil
}

// UsableCredentials returns the caller's enabled and validated credentials keyed by provider
func (v *Vault) UsableCredentials(ctx context.Context, callerID string) (map[string]models.CallerCredential, error) {
	creds, err := v.store.ListCredentials(ctx, callerID)
	if err != nil {
		return nil, err
	}
	usable := make(map[string]models.CallerCredential)
	for _, c := range creds {
		if c.Usable() {
			usable[c.ProviderID] = c
		}
	}
	return usable, nil
}

// Disable keeps the record for audit but removes it from routing
func (v *Vault) Disable(ctx context.Context, callerID, providerID string) error {
	return v.store.SetCredentialEnabled(ctx, callerID, providerID, false)
}

// Delete removes the credential permanently
func (v *Vault) Delete(ctx context.Context, callerID, providerID string) error {
	if err := v.store.DeleteCredential(ctx, callerID, providerID); err != nil {
		return err
	}
	log.WithFields(log.Fields{"caller_id": callerID, "provider": providerID}).Info("keyvault: credential deleted")
	return nil
}
