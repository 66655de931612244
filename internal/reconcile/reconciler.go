package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers/mtn"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers/paypack"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

// Outcome describes what a callback did. Callers acknowledge every outcome.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNotFinal  Outcome = "not_final"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnknown   Outcome = "unknown_reference"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// MTNCallback is the body MTN posts to the callback URL.
type MTNCallback struct {
	ReferenceID            string          `json:"referenceId"`
	ExternalID             string          `json:"externalId"`
	Amount                 string          `json:"amount"`
	Currency               string          `json:"currency"`
	Status                 string          `json:"status"`
	FinancialTransactionID string          `json:"financialTransactionId"`
	Reason                 json.RawMessage `json:"reason"`
}

// PaypackCallback is the envelope Paypack posts for transaction events.
type PaypackCallback struct {
	EventID   string              `json:"event_id"`
	EventKind string              `json:"kind"`
	CreatedAt string              `json:"created_at"`
	Data      paypack.Transaction `json:"data"`
}

type Reconciler struct {
	updater       *StatusUpdater
	payments      interfaces.PaymentRepository
	disbursements interfaces.DisbursementRepository
	events        interfaces.WebhookEventRepository
}

func NewReconciler(updater *StatusUpdater, payments interfaces.PaymentRepository,
	disbursements interfaces.DisbursementRepository, events interfaces.WebhookEventRepository) *Reconciler {
	return &Reconciler{
		updater:       updater,
		payments:      payments,
		disbursements: disbursements,
		events:        events,
	}
}

// HandleMTN applies an MTN callback. referenceId is the X-Reference-Id we
// generated, which is stored as the provider transaction id of either a
// payment or a disbursement. externalId (our reference) is a fallback for
// callbacks that omit it.
func (r *Reconciler) HandleMTN(ctx context.Context, cb MTNCallback, raw []byte) (Outcome, error) {
	key := cb.ReferenceID
	if key == "" {
		key = cb.ExternalID
	}
	if key == "" || cb.Status == "" {
		return r.finish(models.MethodMTNMoMo, OutcomeInvalid, nil)
	}

	return r.handle(ctx, models.MethodMTNMoMo, dedupeKey(key, cb.Status), raw, func() (Outcome, error) {
		status := mtn.Vocabulary.Map(cb.Status)
		if !status.IsFinal() {
			return OutcomeNotFinal, nil
		}

		reason := mtn.ReasonText(cb.Reason)
		extra := models.Metadata{}
		if cb.FinancialTransactionID != "" {
			extra[models.MetaFinancialTxID] = cb.FinancialTransactionID
		}

		if cb.ReferenceID != "" {
			outcome, err := r.applyByProviderTx(ctx, cb.ReferenceID, status, reason, extra)
			if outcome != OutcomeUnknown || err != nil {
				return outcome, err
			}
		}
		if cb.ExternalID != "" {
			outcome, err := r.applyByReference(ctx, cb.ExternalID, status, reason, extra)
			if outcome != OutcomeUnknown || err != nil {
				return outcome, err
			}
		}

		telemetry.Logger.Warn("MTN callback for unknown reference",
			zap.String("reference_id", cb.ReferenceID),
			zap.String("external_id", cb.ExternalID),
		)
		return OutcomeUnknown, nil
	})
}

// HandlePaypack applies a Paypack callback. CASHIN events settle payments and
// CASHOUT events settle disbursements; any other kind is ignored.
func (r *Reconciler) HandlePaypack(ctx context.Context, cb PaypackCallback, raw []byte) (Outcome, error) {
	tx := cb.Data
	if tx.Ref == "" || tx.Status == "" {
		return r.finish(models.MethodPaypack, OutcomeInvalid, nil)
	}

	return r.handle(ctx, models.MethodPaypack, dedupeKey(tx.Ref, tx.Status), raw, func() (Outcome, error) {
		status := paypack.Vocabulary.Map(tx.Status)
		if !status.IsFinal() {
			return OutcomeNotFinal, nil
		}

		switch strings.ToUpper(tx.Kind) {
		case paypack.KindCashIn:
			p, err := r.payments.GetByProviderTxID(ctx, tx.Ref)
			if errors.Is(err, interfaces.ErrNotFound) {
				telemetry.Logger.Warn("Paypack cash-in callback for unknown ref", zap.String("ref", tx.Ref))
				return OutcomeUnknown, nil
			}
			if err != nil {
				return OutcomeError, err
			}
			return r.applyPayment(ctx, p, status, "", nil)

		case paypack.KindCashOut:
			d, err := r.disbursements.GetByProviderTxID(ctx, tx.Ref)
			if errors.Is(err, interfaces.ErrNotFound) {
				telemetry.Logger.Warn("Paypack cash-out callback for unknown ref", zap.String("ref", tx.Ref))
				return OutcomeUnknown, nil
			}
			if err != nil {
				return OutcomeError, err
			}
			return r.applyDisbursement(ctx, d, status, "", nil)

		default:
			telemetry.Logger.Info("Ignoring Paypack callback kind",
				zap.String("ref", tx.Ref),
				zap.String("kind", tx.Kind),
			)
			return OutcomeIgnored, nil
		}
	})
}

// handle wraps fn with the webhook audit trail: replays of an already
// processed key stop before any lookup.
func (r *Reconciler) handle(ctx context.Context, provider models.PaymentMethod, key string, raw []byte, fn func() (Outcome, error)) (Outcome, error) {
	payload := raw
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(raw))
	}

	processed, err := r.events.Record(ctx, &models.WebhookEvent{
		Provider:  provider,
		DedupeKey: key,
		Payload:   payload,
	})
	if err != nil {
		// settle even when the audit row could not be written
		telemetry.Logger.Error("Failed to record webhook event",
			zap.String("provider", string(provider)),
			zap.String("dedupe_key", key),
			zap.Error(err),
		)
	} else if processed {
		return r.finish(provider, OutcomeDuplicate, nil)
	}

	outcome, fnErr := fn()
	if err == nil {
		if markErr := r.events.MarkProcessed(ctx, provider, key, fnErr); markErr != nil {
			telemetry.Logger.Error("Failed to mark webhook event processed",
				zap.String("provider", string(provider)),
				zap.String("dedupe_key", key),
				zap.Error(markErr),
			)
		}
	}
	return r.finish(provider, outcome, fnErr)
}

func (r *Reconciler) finish(provider models.PaymentMethod, outcome Outcome, err error) (Outcome, error) {
	if err != nil {
		outcome = OutcomeError
	}
	telemetry.WebhooksReceived.WithLabelValues(string(provider), string(outcome)).Inc()
	return outcome, err
}

func (r *Reconciler) applyByProviderTx(ctx context.Context, providerTxID string, status providers.CanonicalStatus, reason string, extra models.Metadata) (Outcome, error) {
	p, err := r.payments.GetByProviderTxID(ctx, providerTxID)
	if err == nil {
		return r.applyPayment(ctx, p, status, reason, extra)
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return OutcomeError, err
	}

	d, err := r.disbursements.GetByProviderTxID(ctx, providerTxID)
	if err == nil {
		return r.applyDisbursement(ctx, d, status, reason, extra)
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return OutcomeError, err
	}
	return OutcomeUnknown, nil
}

// applyByReference resolves one of our own references, which MTN echoes as
// externalId for both collections and transfers.
func (r *Reconciler) applyByReference(ctx context.Context, reference string, status providers.CanonicalStatus, reason string, extra models.Metadata) (Outcome, error) {
	p, err := r.payments.GetByReference(ctx, reference)
	if err == nil {
		return r.applyPayment(ctx, p, status, reason, extra)
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return OutcomeError, err
	}

	d, err := r.disbursements.GetByReference(ctx, reference)
	if err == nil {
		return r.applyDisbursement(ctx, d, status, reason, extra)
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return OutcomeError, err
	}
	return OutcomeUnknown, nil
}

func (r *Reconciler) applyPayment(ctx context.Context, p *models.Payment, status providers.CanonicalStatus, reason string, extra models.Metadata) (Outcome, error) {
	upd := PaymentUpdate{To: status.PaymentStatus(), Source: SourceWebhook, Metadata: extra}
	if status == providers.StatusFailed {
		text, meta := FailureFromReason(reason)
		upd.FailureReason = text
		upd.Metadata = meta.Merge(extra)
	}

	_, changed, err := r.updater.ApplyPaymentStatus(ctx, p, upd)
	if err != nil {
		return OutcomeError, err
	}
	if !changed {
		return OutcomeUnchanged, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applyDisbursement(ctx context.Context, d *models.Disbursement, status providers.CanonicalStatus, reason string, extra models.Metadata) (Outcome, error) {
	upd := DisbursementUpdate{To: status.DisbursementStatus(), Source: SourceWebhook, Metadata: extra}
	if status == providers.StatusFailed {
		text, meta := FailureFromReason(reason)
		upd.FailureReason = text
		upd.Metadata = meta.Merge(extra)
	}

	_, changed, err := r.updater.ApplyDisbursementStatus(ctx, d, upd)
	if err != nil {
		return OutcomeError, err
	}
	if !changed {
		return OutcomeUnchanged, nil
	}
	return OutcomeApplied, nil
}

func dedupeKey(ref, status string) string {
	return ref + ":" + strings.ToLower(strings.TrimSpace(status))
}
