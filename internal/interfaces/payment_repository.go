package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("duplicate record")

// PaymentRepository defines the contract for payment data access
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByReference(ctx context.Context, reference string) (*models.Payment, error)
	GetByProviderTxID(ctx context.Context, providerTxID string) (*models.Payment, error)
	FindPaidByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	// AttachProviderTx records the provider transaction id on a PENDING payment.
	AttachProviderTx(ctx context.Context, id, providerTxID string, metadata models.Metadata) error
	// Transition applies a status change only if the stored status equals t.From.
	// It reports false when another writer got there first.
	Transition(ctx context.Context, t models.PaymentTransition) (bool, error)
	// ListPending returns non-cash PENDING payments created after createdAfter,
	// including ones whose provider transaction id was never recorded.
	ListPending(ctx context.Context, createdAfter time.Time, limit int) ([]*models.Payment, error)
}
