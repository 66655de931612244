package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

// MaxOutboxAttempts is how many relay failures an event tolerates before the
// relay stops picking it up.
const MaxOutboxAttempts = 20

type OutboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) InitDB(ctx context.Context) error {
	return execAll(ctx, r.db, []string{
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_type VARCHAR(32) NOT NULL,
			aggregate_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			handled_by TEXT[] NOT NULL DEFAULT '{}',
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ
		)`,
		`ALTER TABLE outbox_events ADD COLUMN IF NOT EXISTS handled_by TEXT[] NOT NULL DEFAULT '{}'`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_events(id) WHERE published_at IS NULL`,
	})
}

func (r *OutboxRepository) GetUnpublished(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, attempts, handled_by, last_error, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL AND attempts < $1
		ORDER BY id
		LIMIT $2
	`, MaxOutboxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload,
			&e.Attempts, pq.Array(&e.HandledBy), &e.LastError, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *OutboxRepository) MarkHandled(ctx context.Context, id int64, handler string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events SET handled_by = array_append(handled_by, $1::text)
		WHERE id = $2 AND NOT ($1::text = ANY(handled_by))
	`, handler, id)
	return err
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET published_at = NOW(), last_error = NULL WHERE id = $1`, id)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = $1 WHERE id = $2`, reason, id)
	return err
}

type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

func (r *WebhookEventRepository) InitDB(ctx context.Context) error {
	return execAll(ctx, r.db, []string{
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id BIGSERIAL PRIMARY KEY,
			provider VARCHAR(20) NOT NULL,
			dedupe_key VARCHAR(255) NOT NULL,
			payload JSONB NOT NULL,
			received_count INT NOT NULL DEFAULT 1,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			process_error TEXT,
			UNIQUE (provider, dedupe_key)
		)`,
	})
}

func (r *WebhookEventRepository) Record(ctx context.Context, evt *models.WebhookEvent) (bool, error) {
	var processed bool
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (provider, dedupe_key, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, dedupe_key)
		DO UPDATE SET received_count = webhook_events.received_count + 1
		RETURNING id, received_count, received_at, processed_at IS NOT NULL AND process_error IS NULL
	`, evt.Provider, evt.DedupeKey, string(evt.Payload)).Scan(&evt.ID, &evt.ReceivedCount, &evt.ReceivedAt, &processed)
	if err != nil {
		return false, err
	}
	return processed, nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, provider models.PaymentMethod, dedupeKey string, processErr error) error {
	var errText *string
	if processErr != nil {
		s := processErr.Error()
		errText = &s
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed_at = NOW(), process_error = $1
		WHERE provider = $2 AND dedupe_key = $3
	`, errText, provider, dedupeKey)
	return err
}
