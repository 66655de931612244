package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB(ctx context.Context) error {
	return execAll(ctx, r.db, []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			order_id VARCHAR(255) NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			method VARCHAR(20) NOT NULL,
			reference VARCHAR(64) NOT NULL UNIQUE,
			provider_tx_id VARCHAR(255),
			status VARCHAR(20) NOT NULL,
			failure_reason TEXT,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_provider_tx_id ON payments(provider_tx_id) WHERE provider_tx_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_order_paid ON payments(order_id) WHERE status = 'PAID'`,
		`CREATE INDEX IF NOT EXISTS idx_payments_order_id ON payments(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_pending ON payments(created_at) WHERE status = 'PENDING'`,
	})
}

const paymentColumns = `id, user_id, order_id, amount, currency, method, reference, provider_tx_id,
	status, failure_reason, metadata, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.OrderID, &p.Amount, &p.Currency, &p.Method, &p.Reference,
		&p.ProviderTxID, &p.Status, &p.FailureReason, &p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, user_id, order_id, amount, currency, method, reference, provider_tx_id,
			status, failure_reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, payment.ID, payment.UserID, payment.OrderID, payment.Amount, payment.Currency, payment.Method,
		payment.Reference, payment.ProviderTxID, payment.Status, payment.FailureReason, payment.Metadata,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	return mapErr(err)
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PaymentRepository) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
}

func (r *PaymentRepository) GetByProviderTxID(ctx context.Context, providerTxID string) (*models.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_tx_id = $1`, providerTxID))
}

func (r *PaymentRepository) FindPaidByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 AND status = 'PAID'`, orderID))
}

func (r *PaymentRepository) AttachProviderTx(ctx context.Context, id, providerTxID string, metadata models.Metadata) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET provider_tx_id = $1, metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $3 AND status = 'PENDING'
	`, providerTxID, metadata, id)
	if err != nil {
		return mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return mapErr(sql.ErrNoRows)
	}
	return nil
}

// Transition moves a payment between statuses with a compare-and-swap on the
// current status. The outbox event, when present, is written in the same
// transaction.
func (r *PaymentRepository) Transition(ctx context.Context, t models.PaymentTransition) (bool, error) {
	applied := false
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE payments
			SET status = $1,
				failure_reason = COALESCE($2, failure_reason),
				metadata = metadata || $3::jsonb,
				updated_at = NOW()
			WHERE id = $4 AND status = $5
		`, t.To, t.FailureReason, t.Metadata, t.PaymentID, t.From)
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

func (r *PaymentRepository) ListPending(ctx context.Context, createdAfter time.Time, limit int) ([]*models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'PENDING' AND method <> 'CASH' AND created_at >= $1
		ORDER BY created_at
		LIMIT $2
	`, createdAfter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
