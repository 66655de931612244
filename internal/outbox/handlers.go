package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

// Handler names recorded on delivered events.
const (
	HandlerMerchantPayout    = "merchant-payout"
	HandlerOrderConfirmation = "order-confirmation"
)

// PayoutCreator creates the merchant payout for a settled payment.
type PayoutCreator interface {
	CreateMerchantPayout(ctx context.Context, p *models.Payment) (*models.Disbursement, error)
}

// MerchantPayout returns a payment.succeeded handler that creates the
// merchant payout. Payments that can never produce a payout (no merchant,
// invalid merchant phone) are logged and acknowledged.
func MerchantPayout(creator PayoutCreator, skip ...error) Handler {
	return func(ctx context.Context, evt models.OutboxEvent) error {
		var e models.PaymentStateChanged
		if err := json.Unmarshal(evt.Payload, &e); err != nil {
			return fmt.Errorf("decode payment event %d: %w", evt.ID, err)
		}
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return fmt.Errorf("payment event %d amount: %w", evt.ID, err)
		}

		meta := models.Metadata{}
		if e.MerchantPhone != "" {
			meta[models.MetaMerchantPhone] = e.MerchantPhone
		}
		if e.MerchantName != "" {
			meta[models.MetaMerchantName] = e.MerchantName
		}

		d, err := creator.CreateMerchantPayout(ctx, &models.Payment{
			ID:        e.PaymentID,
			UserID:    e.UserID,
			OrderID:   e.OrderID,
			Amount:    amount,
			Currency:  e.Currency,
			Method:    e.Method,
			Reference: e.Reference,
			Status:    e.State,
			Metadata:  meta,
		})
		if err != nil {
			if permanent(err, skip) {
				telemetry.Logger.Warn("No merchant payout for payment",
					zap.String("payment_id", e.PaymentID),
					zap.String("order_id", e.OrderID),
					zap.Error(err),
				)
				return nil
			}
			return err
		}
		telemetry.Logger.Info("Merchant payout ready",
			zap.String("order_id", e.OrderID),
			zap.String("disbursement_id", d.ID),
			zap.String("status", string(d.Status)),
		)
		return nil
	}
}

func permanent(err error, skip []error) bool {
	for _, target := range append([]error{
		validation.ErrInvalidPhone,
		validation.ErrUnsupportedCarrier,
		validation.ErrAmountOutOfRange,
		validation.ErrInvalidAmount,
		validation.ErrInvalidInput,
	}, skip...) {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
