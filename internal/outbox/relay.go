// Package outbox relays facts written alongside status changes: every event
// is published to Kafka and dispatched to the in-process handlers registered
// for its type.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

const (
	TopicPaymentStateChanged      = "payment.state.changed"
	TopicDisbursementStateChanged = "disbursement.state.changed"
)

// Publisher sends one message to a topic, keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Handler reacts to an event. A handler that succeeded is recorded on the
// event and skipped when the event is retried, but a crash between the side
// effect and that record can still repeat it, so handlers must be idempotent.
type Handler func(ctx context.Context, evt models.OutboxEvent) error

type namedHandler struct {
	name string
	fn   Handler
}

// Envelope is the Kafka message body.
type Envelope struct {
	EventID       int64           `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Relay struct {
	repo      interfaces.OutboxRepository
	publisher Publisher
	handlers  map[string][]namedHandler
	batchSize int
}

func NewRelay(repo interfaces.OutboxRepository, publisher Publisher, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Relay{
		repo:      repo,
		publisher: publisher,
		handlers:  make(map[string][]namedHandler),
		batchSize: batchSize,
	}
}

// Handle registers h for eventType under name. Handlers run in registration
// order. The name is persisted on the event once h succeeds, so it must stay
// stable across releases.
func (r *Relay) Handle(eventType, name string, h Handler) {
	r.handlers[eventType] = append(r.handlers[eventType], namedHandler{name: name, fn: h})
}

// RelayOnce processes one batch of unpublished events and returns how many
// were marked published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.repo.GetUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	published := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		if err := r.deliver(ctx, evt); err != nil {
			telemetry.OutboxRelayed.WithLabelValues(evt.EventType, "failed").Inc()
			telemetry.Logger.Warn("Outbox delivery failed",
				zap.Int64("event_id", evt.ID),
				zap.String("event_type", evt.EventType),
				zap.Int("attempts", evt.Attempts+1),
				zap.Error(err),
			)
			if markErr := r.repo.MarkFailed(ctx, evt.ID, err.Error()); markErr != nil {
				telemetry.Logger.Error("Failed to record outbox failure", zap.Int64("event_id", evt.ID), zap.Error(markErr))
			}
			continue
		}

		if err := r.repo.MarkPublished(ctx, evt.ID); err != nil {
			return published, fmt.Errorf("mark event %d published: %w", evt.ID, err)
		}
		telemetry.OutboxRelayed.WithLabelValues(evt.EventType, "published").Inc()
		published++
	}
	return published, nil
}

func (r *Relay) deliver(ctx context.Context, evt models.OutboxEvent) error {
	for _, h := range r.handlers[evt.EventType] {
		if evt.Handled(h.name) {
			continue
		}
		if err := h.fn(ctx, evt); err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		if err := r.repo.MarkHandled(ctx, evt.ID, h.name); err != nil {
			return fmt.Errorf("record %s for event %d: %w", h.name, evt.ID, err)
		}
	}

	value, err := json.Marshal(Envelope{
		EventID:       evt.ID,
		EventType:     evt.EventType,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		Payload:       evt.Payload,
		CreatedAt:     evt.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, topicFor(evt.AggregateType), evt.AggregateID, value); err != nil {
		return fmt.Errorf("publish event %d: %w", evt.ID, err)
	}
	return nil
}

func topicFor(aggregateType string) string {
	if aggregateType == models.AggregateDisbursement {
		return TopicDisbursementStateChanged
	}
	return TopicPaymentStateChanged
}
