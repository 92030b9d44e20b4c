package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Event is what the billing collaborator receives per billable attempt
type Event struct {
	CallerID    string          `json:"caller_id"`
	ServiceType string          `json:"service_type"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	TotalTokens int             `json:"total_tokens"`
	CostAmount  decimal.Decimal `json:"cost_amount"`
	UsedOwnKey  bool            `json:"used_own_key"`
	ReferenceID string          `json:"reference_id"`
}

// EventFromRecord builds the billing event of a usage record
func EventFromRecord(rec models.UsageRecord) Event {
	e := Event{
		CallerID:    rec.CallerID,
		ServiceType: "llm",
		TotalTokens: rec.TotalTokens(),
		CostAmount:  rec.TotalCost,
		UsedOwnKey:  rec.UsedBYOK,
		ReferenceID: rec.ID,
	}
	if rec.ProviderID != nil {
		e.Provider = *rec.ProviderID
	}
	if rec.ModelID != nil {
		e.Model = *rec.ModelID
	}
	return e
}

// Publisher delivers events and returns the collaborator's event id
type Publisher interface {
	Publish(ctx context.Context, e Event) (string, error)
}

// WebhookPublisher posts events as JSON to the billing endpoint
type WebhookPublisher struct {
	url    string
	client *http.Client
}

// NewWebhookPublisher creates a WebhookPublisher; a nil client gets a 10s timeout
func NewWebhookPublisher(url string, client *http.Client) *WebhookPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookPublisher{url: url, client: client}
}

func (p *WebhookPublisher) Publish(ctx context.Context, e Event) (string, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("billing webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("billing webhook: status %d", resp.StatusCode)
	}

	var out struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("billing webhook: decode: %w", err)
	}
	if out.EventID == "" {
		return "", fmt.Errorf("billing webhook: empty event id")
	}
	return out.EventID, nil
}

// Marker attaches external event ids to records
type Marker interface {
	MarkSynced(ctx context.Context, id, externalEventID string) error
}

// Syncer forwards records to billing on a fixed pool of workers.
// A full queue drops records instead of blocking settlement.
type Syncer struct {
	publisher Publisher
	marker    Marker
	workers   int
	timeout   time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan models.UsageRecord
	wg     sync.WaitGroup
}

// NewSyncer creates a Syncer with the given worker count and queue capacity
func NewSyncer(publisher Publisher, marker Marker, workers, queueSize int) *Syncer {
	if workers < 1 {
		workers = 1
	}
	return &Syncer{
		publisher: publisher,
		marker:    marker,
		workers:   workers,
		timeout:   15 * time.Second,
		queue:     make(chan models.UsageRecord, queueSize),
	}
}

// SetMarker wires the record store after construction
func (s *Syncer) SetMarker(m Marker) {
	s.marker = m
}

// Start launches the workers
func (s *Syncer) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
}

// Enqueue schedules a record for sync; false when it was dropped
func (s *Syncer) Enqueue(rec models.UsageRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.queue <- rec:
		return true
	default:
		log.WithFields(log.Fields{
			"usage_id":   rec.ID,
			"request_id": rec.RequestID,
		}).Warn("usage: billing sync queue full, event dropped")
		return false
	}
}

// Stop drains the queue and waits for the workers
func (s *Syncer) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Syncer) run() {
	defer s.wg.Done()
	for rec := range s.queue {
		s.sync(rec)
	}
}

func (s *Syncer) sync(rec models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	entry := log.WithFields(log.Fields{"usage_id": rec.ID, "request_id": rec.RequestID})

	eventID, err := s.publisher.Publish(ctx, EventFromRecord(rec))
	if err != nil {
		entry.WithError(err).Warn("usage: billing sync failed")
		return
	}
	if err := s.marker.MarkSynced(ctx, rec.ID, eventID); err != nil {
		entry.WithError(err).Warn("usage: could not attach billing event id")
		return
	}
	entry.WithField("event_id", eventID).Debug("usage: billing synced")
}
