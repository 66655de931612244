package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

// DisbursementRepository defines the contract for disbursement data access
type DisbursementRepository interface {
	// Create returns ErrDuplicate when a live merchant payout (not failed,
	// rejected or cancelled) already exists for the order.
	Create(ctx context.Context, d *models.Disbursement) error
	GetByID(ctx context.Context, id string) (*models.Disbursement, error)
	GetByProviderTxID(ctx context.Context, providerTxID string) (*models.Disbursement, error)
	GetByReference(ctx context.Context, reference string) (*models.Disbursement, error)
	// GetPayoutByOrder returns the most recent merchant payout for the order.
	GetPayoutByOrder(ctx context.Context, orderID string) (*models.Disbursement, error)
	List(ctx context.Context, filter models.DisbursementFilter) ([]*models.Disbursement, error)
	Transition(ctx context.Context, t models.DisbursementTransition) (bool, error)
	ListProcessing(ctx context.Context, updatedAfter time.Time, limit int) ([]*models.Disbursement, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Disbursement, error)
}
