package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PowerLevel is a coarse quality/cost/latency tier requested by the caller
type PowerLevel string

const (
	PowerEco       PowerLevel = "eco"
	PowerBalanced  PowerLevel = "balanced"
	PowerPrecision PowerLevel = "precision"
)

// ParsePowerLevel parses a power level, defaulting to balanced when empty
func ParsePowerLevel(s string) (PowerLevel, error) {
	switch PowerLevel(s) {
	case "":
		return PowerBalanced, nil
	case PowerEco, PowerBalanced, PowerPrecision:
		return PowerLevel(s), nil
	}
	return "", fmt.Errorf("unknown power level %q", s)
}

// Tier is a caller entitlement tier
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierEnterprise: 2,
	TierAdmin:      3,
}

// Rank orders tiers; unknown tiers rank lowest
func (t Tier) Rank() int {
	return tierRank[t]
}

// Satisfies reports whether t meets the minimum tier min. An empty minimum is open to all.
func (t Tier) Satisfies(min Tier) bool {
	if min == "" {
		return true
	}
	return t.Rank() >= min.Rank()
}

// HealthStatus of an upstream provider
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
	HealthUnknown  HealthStatus = "unknown"
)

// CredentialSource says who pays for an upstream call
type CredentialSource string

const (
	SourceOwnKey CredentialSource = "own-key"
	SourcePooled CredentialSource = "pooled"
)

// ValidationStatus of a caller-supplied credential
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// Capabilities are feature flags of a provider or model, or the set a request needs
type Capabilities struct {
	Streaming       bool `json:"streaming" yaml:"streaming"`
	FunctionCalling bool `json:"function_calling" yaml:"function_calling"`
	Vision          bool `json:"vision" yaml:"vision"`
}

// Covers reports whether c provides every capability in required
func (c Capabilities) Covers(required Capabilities) bool {
	if required.Streaming && !c.Streaming {
		return false
	}
	if required.FunctionCalling && !c.FunctionCalling {
		return false
	}
	if required.Vision && !c.Vision {
		return false
	}
	return true
}

// Provider is an upstream vendor
type Provider struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	BaseURL           string       `json:"base_url"`
	AuthScheme        string       `json:"auth_scheme"`
	Capabilities      Capabilities `json:"capabilities"`
	RateLimitRPM      int          `json:"rate_limit_rpm"`
	HealthStatus      HealthStatus `json:"health_status"`
	HealthLastChecked *time.Time   `json:"health_last_checked,omitempty"`
	HealthLatencyMs   int          `json:"health_latency_ms"`
	MinTier           Tier         `json:"min_tier"`
	AllowsCallerKeys  bool         `json:"allows_caller_keys"`
	IsSystem          bool         `json:"is_system"`
	IsActive          bool         `json:"is_active"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Model belongs to exactly one provider. Costs are credits per million tokens.
type Model struct {
	ID                 string          `json:"id"`
	ProviderID         string          `json:"provider_id"`
	ModelID            string          `json:"model_id"`
	ContextWindow      int             `json:"context_window"`
	InputCostPerM      decimal.Decimal `json:"input_cost_per_m"`
	OutputCostPerM     decimal.Decimal `json:"output_cost_per_m"`
	CachedCostPerM     decimal.Decimal `json:"cached_cost_per_m"`
	Capabilities       Capabilities    `json:"capabilities"`
	PowerLevel         PowerLevel      `json:"power_level"`
	Priority           int             `json:"priority"`
	IsActive           bool            `json:"is_active"`
	IsDeprecated       bool            `json:"is_deprecated"`
	ReplacementModelID *string         `json:"replacement_model_id,omitempty"`
	MinTier            Tier            `json:"min_tier"`
	AvgLatencyMs       int             `json:"avg_latency_ms"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PeakCostPerM is the larger of the input and output rates, used against power level ceilings
func (m Model) PeakCostPerM() decimal.Decimal {
	if m.OutputCostPerM.GreaterThan(m.InputCostPerM) {
		return m.OutputCostPerM
	}
	return m.InputCostPerM
}

// RoutingRule maps a (power level, tier, task type) tuple to a candidate model.
// A nil TaskType is the wildcard rule set.
type RoutingRule struct {
	ID             string     `json:"id"`
	PowerLevel     PowerLevel `json:"power_level"`
	CallerTier     Tier       `json:"caller_tier"`
	TaskType       *string    `json:"task_type,omitempty"`
	ModelID        string     `json:"model_id"`
	Priority       int        `json:"priority"`
	Weight         int        `json:"weight"`
	MinTokens      *int       `json:"min_tokens,omitempty"`
	MaxTokens      *int       `json:"max_tokens,omitempty"`
	RequiresOwnKey bool       `json:"requires_own_key"`
	IsFallback     bool       `json:"is_fallback"`
	FallbackOrder  int        `json:"fallback_order"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AcceptsTokens reports whether n falls inside the rule's token bounds
func (r RoutingRule) AcceptsTokens(n int) bool {
	if r.MinTokens != nil && n < *r.MinTokens {
		return false
	}
	if r.MaxTokens != nil && n > *r.MaxTokens {
		return false
	}
	return true
}

// CallerCredential is a bring-your-own-key record, unique per (caller, provider)
type CallerCredential struct {
	ID                string           `json:"id"`
	CallerID          string           `json:"caller_id"`
	ProviderID        string           `json:"provider_id"`
	EncryptedKey      []byte           `json:"-"`
	KeyPrefix         string           `json:"-"`
	KeySuffix         string           `json:"-"`
	Enabled           bool             `json:"enabled"`
	ValidationStatus  ValidationStatus `json:"validation_status"`
	ValidationMessage string           `json:"validation_message,omitempty"`
	LastValidatedAt   *time.Time       `json:"last_validated_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Usable reports whether routing may pick this credential
func (c CallerCredential) Usable() bool {
	return c.Enabled && c.ValidationStatus == ValidationValid
}

// CreditAccount holds a caller's pooled-credit balance
type CreditAccount struct {
	CallerID          string          `json:"caller_id"`
	Balance           decimal.Decimal `json:"balance"`
	LifetimeAllocated decimal.Decimal `json:"lifetime_allocated"`
	Tier              Tier            `json:"tier"`
	LastResetAt       time.Time       `json:"last_reset_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TransactionType classifies a ledger movement
type TransactionType string

const (
	TxStarter  TransactionType = "starter"
	TxUsage    TransactionType = "usage"
	TxPurchase TransactionType = "purchase"
	TxBonus    TransactionType = "bonus"
	TxRefund   TransactionType = "refund"
)

// CreditTransaction is an append-only ledger row. Amount is negative for debits.
type CreditTransaction struct {
	ID           string
	CallerID     string
	Type         TransactionType
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Reason       string
	Service      ServiceMetadata
	CreatedAt    time.Time
}

// ServiceMetadata attributes a deduction to the service call that caused it
type ServiceMetadata struct {
	ServiceType string
	RequestID   string
	ProviderID  string
	ModelID     string
	TotalTokens int
}

// Receipt is returned by a successful deduction
type Receipt struct {
	TransactionID string          `json:"transaction_id"`
	CallerID      string          `json:"caller_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

// UsageRecord is the immutable audit row of one attempt.
// ExternalEventID is the only field written after creation.
type UsageRecord struct {
	ID               string          `json:"id"`
	CallerID         string          `json:"caller_id"`
	ProviderID       *string         `json:"provider_id,omitempty"`
	ModelID          *string         `json:"model_id,omitempty"`
	RequestID        string          `json:"request_id"`
	AttemptNumber    int             `json:"attempt"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CachedTokens     int             `json:"cached_tokens"`
	InputCost        decimal.Decimal `json:"input_cost"`
	OutputCost       decimal.Decimal `json:"output_cost"`
	CachedCost       decimal.Decimal `json:"cached_cost"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	CreditsCharged   decimal.Decimal `json:"credits_charged"`
	UsedBYOK         bool            `json:"used_own_key"`
	LatencyMs        int             `json:"latency_ms"`
	StatusCode       int             `json:"status"`
	ErrorMessage     *string         `json:"error,omitempty"`
	WasFallback      bool            `json:"was_fallback"`
	FallbackReason   *string         `json:"fallback_reason,omitempty"`
	ReceiptID        *string         `json:"receipt_id,omitempty"`
	ExternalEventID  *string         `json:"external_event_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TotalTokens is prompt plus completion tokens
func (u UsageRecord) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// APIKey represents a caller's gateway API key
type APIKey struct {
	ID         string
	KeyHash    string
	KeyPrefix  string
	Name       string
	CallerID   string
	Tier       Tier
	IsActive   bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Caller is the resolved identity of a request
type Caller struct {
	ID   string
	Tier Tier
}
