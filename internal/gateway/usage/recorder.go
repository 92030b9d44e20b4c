package usage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Store appends usage records
type Store interface {
	InsertUsageRecord(ctx context.Context, u *models.UsageRecord) error
	MarkUsageSynced(ctx context.Context, id, externalEventID string) error
}

// Sink receives committed records for external billing
type Sink interface {
	Enqueue(rec models.UsageRecord) bool
}

// Recorder writes one immutable record per attempt
type Recorder struct {
	store Store
	sink  Sink
}

// NewRecorder creates a Recorder. sink may be nil when billing sync is disabled.
func NewRecorder(store Store, sink Sink) *Recorder {
	return &Recorder{store: store, sink: sink}
}

// Record persists an attempt and hands it to billing sync. It returns the record id.
// A second record for the same request attempt returns models.ErrAttemptSettled.
func (r *Recorder) Record(ctx context.Context, rec *models.UsageRecord) (string, error) {
	if rec.RequestID == "" || rec.AttemptNumber < 1 {
		return "", fmt.Errorf("usage: request id and attempt number are required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := r.store.InsertUsageRecord(ctx, rec); err != nil {
		return "", err
	}

	fields := log.Fields{
		"caller_id":  rec.CallerID,
		"request_id": rec.RequestID,
		"attempt":    rec.AttemptNumber,
		"status":     rec.StatusCode,
		"charged":    rec.CreditsCharged.String(),
		"byok":       rec.UsedBYOK,
	}
	if rec.ModelID != nil {
		fields["model"] = *rec.ModelID
	}
	log.WithFields(fields).Info("usage: attempt recorded")

	if r.sink != nil && billable(*rec) {
		r.sink.Enqueue(*rec)
	}
	return rec.ID, nil
}

// MarkSynced attaches the external billing event id
func (r *Recorder) MarkSynced(ctx context.Context, id, externalEventID string) error {
	return r.store.MarkUsageSynced(ctx, id, externalEventID)
}

// billable records are successful attempts that reached a model
func billable(rec models.UsageRecord) bool {
	return rec.ModelID != nil && rec.StatusCode > 0 && rec.StatusCode < 400
}
