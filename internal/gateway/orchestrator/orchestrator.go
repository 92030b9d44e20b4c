package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-router/internal/gateway/routing"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Router picks models for attempts
type Router interface {
	SelectModel(ctx context.Context, req routing.Request) (*routing.Selection, error)
	SelectFallback(ctx context.Context, req routing.Request, exclude []string) (*routing.Selection, error)
	AllowsFallback(level models.PowerLevel) bool
}

// Ledger checks and charges pooled credit
type Ledger interface {
	HasSufficientBalance(ctx context.Context, callerID string, needed decimal.Decimal) (bool, error)
	Deduct(ctx context.Context, callerID string, amount decimal.Decimal, meta models.ServiceMetadata) (*models.Receipt, error)
}

// Recorder writes usage records
type Recorder interface {
	Record(ctx context.Context, rec *models.UsageRecord) (string, error)
}

// Outcome is the result class of a settlement
type Outcome string

const (
	OutcomeSucceeded           Outcome = "succeeded"
	OutcomeFallback            Outcome = "fallback"
	OutcomeCancelled           Outcome = "cancelled"
	OutcomeUpstreamFailure     Outcome = "upstream_failure"
	OutcomeNoEligibleModel     Outcome = "no_eligible_model"
	OutcomeInsufficientBalance Outcome = "insufficient_balance"
)

// Err maps a terminal failure outcome onto the error taxonomy
func (o Outcome) Err() error {
	switch o {
	case OutcomeUpstreamFailure, OutcomeCancelled:
		return models.ErrUpstreamFailure
	case OutcomeNoEligibleModel:
		return models.ErrNoEligibleModel
	case OutcomeInsufficientBalance:
		return models.ErrInsufficientBalance
	}
	return nil
}

// InboundRequest asks for a route
type InboundRequest struct {
	Caller     models.Caller
	PowerLevel string
	TaskType   string
	Messages   []Message
	MaxTokens  int
	Required   models.Capabilities
}

// Route is the dispatch instruction for one attempt
type Route struct {
	RequestID        string                  `json:"request_id"`
	Attempt          int                     `json:"attempt"`
	Provider         string                  `json:"provider"`
	Model            string                  `json:"model"`
	ModelRef         string                  `json:"model_ref"`
	BaseURL          string                  `json:"base_url"`
	CredentialSource models.CredentialSource `json:"credential_source"`
	WasFallback      bool                    `json:"was_fallback"`
}

// SettleRequest reports how a dispatched attempt ended
type SettleRequest struct {
	Caller     models.Caller
	RequestID  string
	Attempt    int
	StatusCode int
	Usage      ledger.Usage
	LatencyMs  int
	Error      string
	Cancelled  bool
}

func (r SettleRequest) succeeded() bool {
	return !r.Cancelled && r.StatusCode >= 200 && r.StatusCode < 300
}

// Settlement is the answer to a SettleRequest
type Settlement struct {
	Outcome       Outcome         `json:"outcome"`
	CostCharged   decimal.Decimal `json:"cost_charged"`
	WasFallback   bool            `json:"was_fallback"`
	UsageRecordID string          `json:"usage_record_id"`
	Next          *Route          `json:"next,omitempty"`
}

// Orchestrator drives one logical request through selection, dispatch and settlement
type Orchestrator struct {
	router   Router
	ledger   Ledger
	recorder Recorder
	sessions SessionStore
	newID    func() string
}

// New creates an Orchestrator
func New(router Router, l Ledger, recorder Recorder, sessions SessionStore) *Orchestrator {
	return &Orchestrator{
		router:   router,
		ledger:   l,
		recorder: recorder,
		sessions: sessions,
		newID:    uuid.NewString,
	}
}

func (s *Session) routingRequest() routing.Request {
	return routing.Request{
		CallerID:        s.CallerID,
		Tier:            s.Tier,
		PowerLevel:      s.PowerLevel,
		TaskType:        s.TaskType,
		EstimatedTokens: s.EstimatedTokens,
		Required:        s.Required,
	}
}

// Route selects the first attempt's model, pre-checks pooled credit and opens a session.
// Normal refusals return models.ErrNoEligibleModel or models.ErrInsufficientBalance.
func (o *Orchestrator) Route(ctx context.Context, in InboundRequest) (*Route, error) {
	level, err := models.ParsePowerLevel(in.PowerLevel)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		RequestID:       o.newID(),
		CallerID:        in.Caller.ID,
		Tier:            in.Caller.Tier,
		PowerLevel:      level,
		TaskType:        in.TaskType,
		EstimatedTokens: EstimateTokens(in.Messages),
		MaxTokens:       in.MaxTokens,
		Required:        in.Required,
		State:           StateSelecting,
		CreatedAt:       time.Now(),
	}

	sel, err := o.router.SelectModel(ctx, sess.routingRequest())
	if errors.Is(err, models.ErrNoEligibleModel) {
		o.recordRefusal(ctx, sess, nil, 1, http.StatusServiceUnavailable, err)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := o.precheck(ctx, sess, sel); err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			o.recordRefusal(ctx, sess, sel, 1, http.StatusPaymentRequired, err)
		}
		return nil, err
	}

	sess.dispatch(sel, 1, "")
	if err := sess.moveTo(StateDispatched); err != nil {
		return nil, err
	}
	if err := o.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("orchestrator: save session: %w", err)
	}

	log.WithFields(log.Fields{
		"request_id": sess.RequestID,
		"caller_id":  sess.CallerID,
		"model":      sel.Model.ID,
		"source":     sel.Source,
	}).Info("orchestrator: request routed")
	return sess.route(sel.Provider.BaseURL), nil
}

// precheck verifies pooled credit covers the estimated cost without holding anything
func (o *Orchestrator) precheck(ctx context.Context, sess *Session, sel *routing.Selection) error {
	if sel.Source != models.SourcePooled {
		return nil
	}
	estimate := ledger.EstimateCost(sel.Model, sess.EstimatedTokens, sess.MaxTokens)
	ok, err := o.ledger.HasSufficientBalance(ctx, sess.CallerID, estimate)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInsufficientBalance
	}
	return nil
}

func (s *Session) dispatch(sel *routing.Selection, number int, reason string) {
	s.Attempted = append(s.Attempted, sel.Model.ID)
	s.Current = &Attempt{
		Number:         number,
		Model:          sel.Model,
		ProviderID:     sel.Provider.ID,
		Source:         sel.Source,
		Fallback:       number > 1 || sel.Fallback,
		FallbackReason: reason,
	}
}

func (s *Session) route(baseURL string) *Route {
	return &Route{
		RequestID:        s.RequestID,
		Attempt:          s.Current.Number,
		Provider:         s.Current.ProviderID,
		Model:            s.Current.Model.ModelID,
		ModelRef:         s.Current.Model.ID,
		BaseURL:          baseURL,
		CredentialSource: s.Current.Source,
		WasFallback:      s.Current.Fallback,
	}
}

// Settle closes a dispatched attempt. Success is charged on measured usage;
// failure is recorded without charge and may schedule a fallback attempt.
func (o *Orchestrator) Settle(ctx context.Context, req SettleRequest) (*Settlement, error) {
	success := req.succeeded()

	// claim the attempt so a repeated settle cannot charge twice
	sess, err := o.sessions.Update(ctx, req.RequestID, func(s *Session) error {
		if s.CallerID != req.Caller.ID {
			return models.ErrSessionNotFound
		}
		if s.Current == nil || s.Current.Number != req.Attempt {
			return fmt.Errorf("request %s attempt %d: %w", req.RequestID, req.Attempt, models.ErrAttemptSettled)
		}
		switch {
		case success:
			return s.moveTo(StateSucceeded)
		case !req.Cancelled && o.router.AllowsFallback(s.PowerLevel):
			return s.moveTo(StateSelecting)
		default:
			return s.moveTo(StateFailed)
		}
	})
	if err != nil {
		return nil, err
	}

	var st *Settlement
	if success {
		st, err = o.settleSuccess(ctx, sess, req)
	} else {
		st, err = o.settleFailure(ctx, sess, req)
	}
	if err != nil {
		o.release(ctx, sess)
		return nil, err
	}
	return st, nil
}

// release hands a claimed attempt back after an infrastructure fault. A charge
// already taken stays on the attempt and the usage record id is stable, so the
// retried settle neither charges nor records twice.
func (o *Orchestrator) release(ctx context.Context, claimed *Session) {
	_, err := o.sessions.Update(ctx, claimed.RequestID, func(s *Session) error {
		return s.reopen(claimed.Current)
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"request_id": claimed.RequestID,
			"attempt":    claimed.Current.Number,
		}).Error("orchestrator: could not release attempt")
	}
}

func (o *Orchestrator) settleSuccess(ctx context.Context, sess *Session, req SettleRequest) (*Settlement, error) {
	cur := sess.Current
	cost := ledger.CalculateCost(cur.Model, req.Usage)
	rec := o.attemptRecord(sess, req)
	rec.InputCost, rec.OutputCost, rec.CachedCost, rec.TotalCost = cost.Input, cost.Output, cost.Cached, cost.Total

	if cur.ReceiptID != nil {
		rec.CreditsCharged = cur.Charged
		rec.ReceiptID = cur.ReceiptID
	} else if cur.Source == models.SourcePooled && cost.Total.IsPositive() {
		receipt, err := o.ledger.Deduct(ctx, sess.CallerID, cost.Total, models.ServiceMetadata{
			ServiceType: "llm",
			RequestID:   sess.RequestID,
			ProviderID:  cur.ProviderID,
			ModelID:     cur.Model.ID,
			TotalTokens: req.Usage.PromptTokens + req.Usage.CompletionTokens,
		})
		switch {
		case errors.Is(err, models.ErrInsufficientBalance):
			// measured cost outran the estimate; the attempt is audited but not billed
			rec.StatusCode = http.StatusPaymentRequired
			rec.ErrorMessage = strPtr("insufficient balance at settlement")
			id, rerr := o.record(ctx, rec)
			if rerr != nil {
				return nil, rerr
			}
			log.WithFields(log.Fields{
				"request_id": sess.RequestID,
				"caller_id":  sess.CallerID,
				"cost":       cost.Total.String(),
			}).Warn("orchestrator: settlement exceeded balance")
			return &Settlement{Outcome: OutcomeInsufficientBalance, CostCharged: decimal.Zero, WasFallback: cur.Fallback, UsageRecordID: id}, nil
		case err != nil:
			return nil, err
		}
		rec.CreditsCharged = receipt.Amount
		rec.ReceiptID = &receipt.TransactionID
		cur.Charged = receipt.Amount
		cur.ReceiptID = rec.ReceiptID
	}

	id, err := o.record(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &Settlement{
		Outcome:       OutcomeSucceeded,
		CostCharged:   rec.CreditsCharged,
		WasFallback:   cur.Fallback,
		UsageRecordID: id,
	}, nil
}

func (o *Orchestrator) settleFailure(ctx context.Context, sess *Session, req SettleRequest) (*Settlement, error) {
	rec := o.attemptRecord(sess, req)
	if rec.StatusCode == 0 || rec.StatusCode < 400 {
		rec.StatusCode = http.StatusBadGateway
	}
	msg := req.Error
	if req.Cancelled {
		rec.StatusCode = 499
		if msg == "" {
			msg = "cancelled before completion"
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned %d", req.StatusCode)
	}
	rec.ErrorMessage = &msg

	id, err := o.record(ctx, rec)
	if err != nil {
		return nil, err
	}
	result := &Settlement{CostCharged: decimal.Zero, WasFallback: sess.Current.Fallback, UsageRecordID: id}

	entry := log.WithFields(log.Fields{
		"request_id": sess.RequestID,
		"caller_id":  sess.CallerID,
		"attempt":    sess.Current.Number,
		"model":      sess.Current.Model.ID,
	})

	switch {
	case req.Cancelled:
		result.Outcome = OutcomeCancelled
		entry.Info("orchestrator: attempt cancelled")
		return result, nil
	case sess.State == StateFailed:
		result.Outcome = OutcomeUpstreamFailure
		entry.Warn("orchestrator: attempt failed, fallback not permitted")
		return result, nil
	}

	next, outcome, err := o.fallback(ctx, sess, msg)
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome
	result.Next = next
	if next != nil {
		entry.WithField("next_model", next.ModelRef).Info("orchestrator: falling back")
	} else {
		entry.WithField("outcome", outcome).Warn("orchestrator: fallback exhausted")
	}
	return result, nil
}

// fallback moves a Selecting session to its next attempt, or to Failed.
// Infrastructure errors leave the session in Selecting for Settle to release.
func (o *Orchestrator) fallback(ctx context.Context, sess *Session, reason string) (*Route, Outcome, error) {
	nextNumber := sess.Current.Number + 1
	sel, err := o.router.SelectFallback(ctx, sess.routingRequest(), sess.Attempted)

	outcome := OutcomeFallback
	switch {
	case errors.Is(err, models.ErrNoEligibleModel):
		outcome = OutcomeNoEligibleModel
	case err != nil:
		return nil, "", err
	default:
		if perr := o.precheck(ctx, sess, sel); errors.Is(perr, models.ErrInsufficientBalance) {
			outcome = OutcomeInsufficientBalance
			o.recordRefusal(ctx, sess, sel, nextNumber, http.StatusPaymentRequired, perr)
		} else if perr != nil {
			return nil, "", perr
		}
	}

	if outcome != OutcomeFallback {
		o.fail(ctx, sess.RequestID)
		return nil, outcome, nil
	}

	updated, err := o.sessions.Update(ctx, sess.RequestID, func(s *Session) error {
		if err := s.moveTo(StateDispatched); err != nil {
			return err
		}
		s.dispatch(sel, nextNumber, reason)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return updated.route(sel.Provider.BaseURL), OutcomeFallback, nil
}

// record writes an attempt under an id derived from request and attempt.
// A write that already landed is reported as success with that id.
func (o *Orchestrator) record(ctx context.Context, rec *models.UsageRecord) (string, error) {
	rec.ID = attemptRecordID(rec.RequestID, rec.AttemptNumber)
	id, err := o.recorder.Record(ctx, rec)
	if errors.Is(err, models.ErrAttemptSettled) {
		return rec.ID, nil
	}
	return id, err
}

func attemptRecordID(requestID string, attempt int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", requestID, attempt))).String()
}

func (o *Orchestrator) fail(ctx context.Context, requestID string) {
	_, err := o.sessions.Update(ctx, requestID, func(s *Session) error {
		return s.moveTo(StateFailed)
	})
	if err != nil {
		log.WithError(err).WithField("request_id", requestID).Warn("orchestrator: could not close session")
	}
}

func (o *Orchestrator) attemptRecord(sess *Session, req SettleRequest) *models.UsageRecord {
	cur := sess.Current
	rec := &models.UsageRecord{
		CallerID:         sess.CallerID,
		ProviderID:       strPtr(cur.ProviderID),
		ModelID:          strPtr(cur.Model.ID),
		RequestID:        sess.RequestID,
		AttemptNumber:    cur.Number,
		PromptTokens:     req.Usage.PromptTokens,
		CompletionTokens: req.Usage.CompletionTokens,
		CachedTokens:     req.Usage.CachedTokens,
		CreditsCharged:   decimal.Zero,
		UsedBYOK:         cur.Source == models.SourceOwnKey,
		LatencyMs:        req.LatencyMs,
		StatusCode:       req.StatusCode,
		WasFallback:      cur.Fallback,
	}
	if cur.Fallback && cur.FallbackReason != "" {
		rec.FallbackReason = strPtr(cur.FallbackReason)
	}
	return rec
}

// recordRefusal audits an attempt that was refused before dispatch
func (o *Orchestrator) recordRefusal(ctx context.Context, sess *Session, sel *routing.Selection, attempt, status int, cause error) {
	msg := cause.Error()
	rec := &models.UsageRecord{
		CallerID:       sess.CallerID,
		RequestID:      sess.RequestID,
		AttemptNumber:  attempt,
		CreditsCharged: decimal.Zero,
		StatusCode:     status,
		ErrorMessage:   &msg,
		WasFallback:    attempt > 1,
	}
	if sel != nil {
		rec.ProviderID = strPtr(sel.Provider.ID)
		rec.ModelID = strPtr(sel.Model.ID)
		rec.UsedBYOK = sel.Source == models.SourceOwnKey
	}
	if _, err := o.recorder.Record(ctx, rec); err != nil {
		log.WithError(err).WithField("request_id", sess.RequestID).Error("orchestrator: could not record refusal")
	}
}

func strPtr(s string) *string {
	return &s
}
