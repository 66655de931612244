package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

const uniqueViolation = "23505"

// Migrate creates every table and index the orchestrator needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, step := range []interface {
		InitDB(ctx context.Context) error
	}{
		NewPaymentRepository(db),
		NewDisbursementRepository(db),
		NewOutboxRepository(db),
		NewWebhookEventRepository(db),
	} {
		if err := step.InitDB(ctx); err != nil {
			return err
		}
	}
	return nil
}

func execAll(ctx context.Context, db *sql.DB, queries []string) error {
	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// mapErr translates driver errors into the repository sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, pqErr.Constraint)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertOutbox(ctx context.Context, tx *sql.Tx, evt *models.OutboxEvent) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, evt.AggregateType, evt.AggregateID, evt.EventType, string(evt.Payload)).Scan(&evt.ID, &evt.CreatedAt)
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
