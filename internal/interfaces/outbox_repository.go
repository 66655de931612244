package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

// OutboxRepository reads and acknowledges relayed events. Events are written
// by the payment and disbursement repositories inside transitions.
type OutboxRepository interface {
	GetUnpublished(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	// MarkHandled records that a side-effect handler completed for the event so
	// a later retry of the event skips it.
	MarkHandled(ctx context.Context, id int64, handler string) error
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// WebhookEventRepository keeps the raw audit trail of provider callbacks.
type WebhookEventRepository interface {
	// Record stores the callback, or bumps its receive counter when the dedupe
	// key was seen before. processed is true if an earlier delivery was applied.
	Record(ctx context.Context, evt *models.WebhookEvent) (processed bool, err error)
	MarkProcessed(ctx context.Context, provider models.PaymentMethod, dedupeKey string, processErr error) error
}
