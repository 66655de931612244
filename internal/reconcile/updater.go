// Package reconcile owns every provider-driven status change. Webhooks, the
// polling monitor, synchronous adapter results and admin confirmation all go
// through StatusUpdater, which applies compare-and-swap transitions and
// records the resulting outbox facts.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

// Status sources recorded in metadata and metrics.
const (
	SourceWebhook = "webhook"
	SourceMonitor = "monitor"
	SourceSync    = "sync"
	SourceAdmin   = "admin"
	SourceExpiry  = "expiry"
)

const duplicateSettlementReason = "order already paid by another payment"

// PaymentUpdate is a requested payment status change.
type PaymentUpdate struct {
	To            models.PaymentStatus
	FailureReason string
	Source        string
	Metadata      models.Metadata
}

// DisbursementUpdate is a requested disbursement status change.
type DisbursementUpdate struct {
	To            models.DisbursementStatus
	FailureReason string
	ProviderTxID  string
	Source        string
	Metadata      models.Metadata
}

type StatusUpdater struct {
	payments      interfaces.PaymentRepository
	disbursements interfaces.DisbursementRepository
	now           func() time.Time
}

func NewStatusUpdater(payments interfaces.PaymentRepository, disbursements interfaces.DisbursementRepository) *StatusUpdater {
	return &StatusUpdater{payments: payments, disbursements: disbursements, now: time.Now}
}

// ApplyPaymentStatus moves p to upd.To unless p is already there or
// terminal. It returns the payment as stored afterwards and whether this call
// changed it.
func (u *StatusUpdater) ApplyPaymentStatus(ctx context.Context, p *models.Payment, upd PaymentUpdate) (*models.Payment, bool, error) {
	if p.Status == upd.To || upd.To == models.PaymentPending {
		return p, false, nil
	}
	if p.Status.IsTerminal() {
		telemetry.Logger.Warn("Ignoring status change for terminal payment",
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)),
			zap.String("requested", string(upd.To)),
			zap.String("source", upd.Source),
		)
		return p, false, nil
	}

	now := u.now().UTC()
	meta := models.Metadata{models.MetaStatusSource: upd.Source}.Merge(upd.Metadata)

	t := models.PaymentTransition{
		PaymentID: p.ID,
		From:      p.Status,
		To:        upd.To,
		Metadata:  meta,
	}
	if upd.To == models.PaymentFailed {
		reason := upd.FailureReason
		if reason == "" {
			reason = providers.CategoryUnknown.UserMessage()
		}
		t.FailureReason = &reason
	}

	evt, err := paymentEvent(p, upd.To, now)
	if err != nil {
		return nil, false, err
	}
	t.Event = evt

	applied, err := u.payments.Transition(ctx, t)
	if errors.Is(err, interfaces.ErrDuplicate) && upd.To == models.PaymentPaid {
		return u.failDuplicateSettlement(ctx, p, upd, now)
	}
	if err != nil {
		return nil, false, fmt.Errorf("transition payment %s: %w", p.ID, err)
	}
	if !applied {
		current, err := u.payments.GetByID(ctx, p.ID)
		if err != nil {
			return nil, false, err
		}
		telemetry.Logger.Info("Payment changed concurrently, keeping stored status",
			zap.String("payment_id", p.ID),
			zap.String("status", string(current.Status)),
			zap.String("requested", string(upd.To)),
		)
		return current, false, nil
	}

	telemetry.StatusTransitions.WithLabelValues("payment", string(p.Status), string(upd.To), upd.Source).Inc()
	telemetry.Logger.Info("Payment status changed",
		zap.String("payment_id", p.ID),
		zap.String("reference", p.Reference),
		zap.String("from", string(p.Status)),
		zap.String("to", string(upd.To)),
		zap.String("source", upd.Source),
	)

	updated := *p
	updated.Status = upd.To
	updated.FailureReason = t.FailureReason
	updated.Metadata = p.Metadata.Merge(meta)
	updated.UpdatedAt = now
	return &updated, true, nil
}

// failDuplicateSettlement handles a second successful collection for an order
// that is already PAID. The row cannot become PAID, so it is closed as FAILED
// and flagged for a manual refund.
func (u *StatusUpdater) failDuplicateSettlement(ctx context.Context, p *models.Payment, upd PaymentUpdate, now time.Time) (*models.Payment, bool, error) {
	telemetry.Logger.Error("Provider settled a payment for an order that is already paid",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("source", upd.Source),
	)
	meta := upd.Metadata.Merge(models.Metadata{"duplicateSettlement": true, "refundRequired": true})
	return u.ApplyPaymentStatus(ctx, p, PaymentUpdate{
		To:            models.PaymentFailed,
		FailureReason: duplicateSettlementReason,
		Source:        upd.Source,
		Metadata:      meta,
	})
}

// ApplyDisbursementStatus applies a provider-reported outcome to a
// disbursement that is PROCESSING.
func (u *StatusUpdater) ApplyDisbursementStatus(ctx context.Context, d *models.Disbursement, upd DisbursementUpdate) (*models.Disbursement, bool, error) {
	if d.Status == upd.To {
		return d, false, nil
	}
	if d.Status != models.DisbursementProcessing {
		telemetry.Logger.Warn("Ignoring provider status for disbursement that is not processing",
			zap.String("disbursement_id", d.ID),
			zap.String("status", string(d.Status)),
			zap.String("requested", string(upd.To)),
			zap.String("source", upd.Source),
		)
		return d, false, nil
	}

	now := u.now().UTC()
	meta := models.Metadata{models.MetaStatusSource: upd.Source}.Merge(upd.Metadata)
	t := models.DisbursementTransition{
		DisbursementID: d.ID,
		From:           d.Status,
		To:             upd.To,
		Metadata:       meta,
	}
	if upd.ProviderTxID != "" {
		t.ProviderTxID = &upd.ProviderTxID
	}
	switch upd.To {
	case models.DisbursementSuccessful:
		t.CompletedAt = &now
	case models.DisbursementFailed:
		reason := upd.FailureReason
		if reason == "" {
			reason = providers.CategoryUnknown.UserMessage()
		}
		t.FailureReason = &reason
	}

	if upd.To.IsTerminal() {
		evt, err := disbursementEvent(d, upd.To, t.FailureReason, now)
		if err != nil {
			return nil, false, err
		}
		t.Event = evt
	}

	applied, err := u.disbursements.Transition(ctx, t)
	if err != nil {
		return nil, false, fmt.Errorf("transition disbursement %s: %w", d.ID, err)
	}
	if !applied {
		current, err := u.disbursements.GetByID(ctx, d.ID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	telemetry.StatusTransitions.WithLabelValues("disbursement", string(d.Status), string(upd.To), upd.Source).Inc()
	telemetry.Logger.Info("Disbursement status changed",
		zap.String("disbursement_id", d.ID),
		zap.String("reference", d.Reference),
		zap.String("from", string(d.Status)),
		zap.String("to", string(upd.To)),
		zap.String("source", upd.Source),
	)

	updated := *d
	updated.Status = upd.To
	if t.ProviderTxID != nil {
		updated.ProviderTxID = t.ProviderTxID
	}
	if t.FailureReason != nil {
		updated.FailureReason = t.FailureReason
	}
	if t.CompletedAt != nil {
		updated.CompletedAt = t.CompletedAt
	}
	updated.Metadata = d.Metadata.Merge(meta)
	updated.UpdatedAt = now
	return &updated, true, nil
}

func paymentEvent(p *models.Payment, to models.PaymentStatus, now time.Time) (*models.OutboxEvent, error) {
	var eventType string
	switch to {
	case models.PaymentPaid:
		eventType = models.EventPaymentSucceeded
	case models.PaymentFailed:
		eventType = models.EventPaymentFailed
	default:
		return nil, nil
	}

	payload, err := json.Marshal(models.PaymentStateChanged{
		PaymentID:     p.ID,
		Reference:     p.Reference,
		OrderID:       p.OrderID,
		UserID:        p.UserID,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		Method:        p.Method,
		State:         to,
		PreviousState: p.Status,
		MerchantPhone: p.Metadata.String(models.MetaMerchantPhone),
		MerchantName:  p.Metadata.String(models.MetaMerchantName),
		Timestamp:     now,
	})
	if err != nil {
		return nil, err
	}
	return &models.OutboxEvent{
		AggregateType: models.AggregatePayment,
		AggregateID:   p.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

func disbursementEvent(d *models.Disbursement, to models.DisbursementStatus, failureReason *string, now time.Time) (*models.OutboxEvent, error) {
	eventType := models.EventDisbursementFailed
	if to == models.DisbursementSuccessful {
		eventType = models.EventDisbursementSucceeded
	}

	evt := models.DisbursementStateChanged{
		DisbursementID: d.ID,
		Reference:      d.Reference,
		Type:           d.Type,
		Amount:         d.Amount.String(),
		Currency:       d.Currency,
		State:          to,
		PreviousState:  d.Status,
		Timestamp:      now,
	}
	if d.OrderID != nil {
		evt.OrderID = *d.OrderID
	}
	if failureReason != nil {
		evt.FailureReason = *failureReason
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &models.OutboxEvent{
		AggregateType: models.AggregateDisbursement,
		AggregateID:   d.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

// FailureFromReason turns a raw provider reason into the user-facing failure
// text plus the metadata that keeps the raw text for operators.
func FailureFromReason(reason string) (string, models.Metadata) {
	category := providers.CategorizeReason(reason)
	meta := models.Metadata{models.MetaErrorCategory: string(category)}
	if reason != "" {
		meta[models.MetaProviderError] = reason
	}
	return category.UserMessage(), meta
}
