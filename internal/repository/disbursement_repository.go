package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

type DisbursementRepository struct {
	db *sql.DB
}

func NewDisbursementRepository(db *sql.DB) *DisbursementRepository {
	return &DisbursementRepository{db: db}
}

func (r *DisbursementRepository) InitDB(ctx context.Context) error {
	return execAll(ctx, r.db, []string{
		`CREATE TABLE IF NOT EXISTS disbursements (
			id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(32) NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			recipient_phone VARCHAR(32) NOT NULL,
			recipient_name VARCHAR(255) NOT NULL DEFAULT '',
			reference VARCHAR(64) NOT NULL UNIQUE,
			provider VARCHAR(20) NOT NULL,
			provider_tx_id VARCHAR(255),
			status VARCHAR(20) NOT NULL,
			order_id VARCHAR(255),
			payment_id VARCHAR(64),
			scheduled_for TIMESTAMPTZ,
			requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
			approved_by VARCHAR(255),
			approved_at TIMESTAMPTZ,
			failure_reason TEXT,
			metadata JSONB NOT NULL DEFAULT '{}',
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_disbursements_order_payout ON disbursements(order_id)
			WHERE type = 'MERCHANT_PAYOUT' AND status NOT IN ('FAILED', 'REJECTED', 'CANCELLED')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_disbursements_provider_tx_id ON disbursements(provider_tx_id) WHERE provider_tx_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_disbursements_status ON disbursements(status)`,
	})
}

const disbursementColumns = `id, type, amount, currency, recipient_phone, recipient_name, reference, provider,
	provider_tx_id, status, order_id, payment_id, scheduled_for, requires_approval, approved_by, approved_at,
	failure_reason, metadata, completed_at, created_at, updated_at`

func scanDisbursement(row rowScanner) (*models.Disbursement, error) {
	var d models.Disbursement
	err := row.Scan(&d.ID, &d.Type, &d.Amount, &d.Currency, &d.RecipientPhone, &d.RecipientName, &d.Reference,
		&d.Provider, &d.ProviderTxID, &d.Status, &d.OrderID, &d.PaymentID, &d.ScheduledFor, &d.RequiresApproval,
		&d.ApprovedBy, &d.ApprovedAt, &d.FailureReason, &d.Metadata, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (r *DisbursementRepository) Create(ctx context.Context, d *models.Disbursement) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO disbursements (id, type, amount, currency, recipient_phone, recipient_name, reference, provider,
			status, order_id, payment_id, scheduled_for, requires_approval, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, d.ID, d.Type, d.Amount, d.Currency, d.RecipientPhone, d.RecipientName, d.Reference, d.Provider,
		d.Status, d.OrderID, d.PaymentID, d.ScheduledFor, d.RequiresApproval, d.Metadata,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	return mapErr(err)
}

func (r *DisbursementRepository) GetByID(ctx context.Context, id string) (*models.Disbursement, error) {
	return scanDisbursement(r.db.QueryRowContext(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE id = $1`, id))
}

func (r *DisbursementRepository) GetByProviderTxID(ctx context.Context, providerTxID string) (*models.Disbursement, error) {
	return scanDisbursement(r.db.QueryRowContext(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE provider_tx_id = $1`, providerTxID))
}

func (r *DisbursementRepository) GetByReference(ctx context.Context, reference string) (*models.Disbursement, error) {
	return scanDisbursement(r.db.QueryRowContext(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE reference = $1`, reference))
}

func (r *DisbursementRepository) GetPayoutByOrder(ctx context.Context, orderID string) (*models.Disbursement, error) {
	return scanDisbursement(r.db.QueryRowContext(ctx,
		`SELECT `+disbursementColumns+` FROM disbursements WHERE order_id = $1 AND type = 'MERCHANT_PAYOUT'
		ORDER BY created_at DESC LIMIT 1`, orderID))
}

func (r *DisbursementRepository) List(ctx context.Context, filter models.DisbursementFilter) ([]*models.Disbursement, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}

	query := `SELECT ` + disbursementColumns + ` FROM disbursements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.query(ctx, query, args...)
}

// Transition is the disbursement counterpart of PaymentRepository.Transition.
// Nil optional fields leave the stored column untouched.
func (r *DisbursementRepository) Transition(ctx context.Context, t models.DisbursementTransition) (bool, error) {
	applied := false
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE disbursements
			SET status = $1,
				provider_tx_id = COALESCE($2, provider_tx_id),
				failure_reason = COALESCE($3, failure_reason),
				approved_by = COALESCE($4, approved_by),
				approved_at = COALESCE($5, approved_at),
				completed_at = COALESCE($6, completed_at),
				metadata = metadata || $7::jsonb,
				updated_at = NOW()
			WHERE id = $8 AND status = $9
		`, t.To, t.ProviderTxID, t.FailureReason, t.ApprovedBy, t.ApprovedAt, t.CompletedAt, t.Metadata,
			t.DisbursementID, t.From)
		if err != nil {
			return mapErr(err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return nil
		}
		applied = true

		if t.Event != nil {
			return insertOutbox(ctx, tx, t.Event)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *DisbursementRepository) ListProcessing(ctx context.Context, updatedAfter time.Time, limit int) ([]*models.Disbursement, error) {
	return r.query(ctx, `
		SELECT `+disbursementColumns+`
		FROM disbursements
		WHERE status = 'PROCESSING' AND provider_tx_id IS NOT NULL AND updated_at >= $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedAfter, limit)
}

func (r *DisbursementRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Disbursement, error) {
	return r.query(ctx, `
		SELECT `+disbursementColumns+`
		FROM disbursements
		WHERE status = 'APPROVED' AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2
	`, now, limit)
}

func (r *DisbursementRepository) query(ctx context.Context, query string, args ...any) ([]*models.Disbursement, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Disbursement
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
