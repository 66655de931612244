// Package monitor is the polling fallback for lost webhooks. It re-queries
// providers for transactions still open on our side and pushes the answers
// through the same StatusUpdater the webhooks use.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

const (
	JobPendingPayments        = "pending-payments"
	JobProcessingDisbursement = "processing-disbursements"
	JobScheduledDisbursements = "scheduled-disbursements"

	expiredReason = "payment expired"
)

type Config struct {
	// Window bounds how far back pending payments are polled.
	Window time.Duration
	// PendingTTL is how long a payment may stay PENDING before it is expired.
	PendingTTL   time.Duration
	PayoutWindow time.Duration
	CallDelay    time.Duration
	BatchSize    int
}

// DueProcessor runs scheduled disbursements.
type DueProcessor interface {
	ProcessDue(ctx context.Context, now time.Time) (int, error)
}

// Stats summarises one polling pass.
type Stats struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Expired int `json:"expired"`
	Errors  int `json:"errors"`
}

type Monitor struct {
	payments      interfaces.PaymentRepository
	disbursements interfaces.DisbursementRepository
	registry      providers.Registry
	updater       *reconcile.StatusUpdater
	due           DueProcessor
	cfg           Config
	now           func() time.Time
}

func New(payments interfaces.PaymentRepository, disbursements interfaces.DisbursementRepository, registry providers.Registry,
	updater *reconcile.StatusUpdater, due DueProcessor, cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Minute
	}
	if cfg.PayoutWindow <= 0 {
		cfg.PayoutWindow = 72 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Monitor{
		payments:      payments,
		disbursements: disbursements,
		registry:      registry,
		updater:       updater,
		due:           due,
		cfg:           cfg,
		now:           time.Now,
	}
}

// PollPendingPayments asks the provider about every recent PENDING payment
// and expires the ones that outlived PendingTTL.
func (m *Monitor) PollPendingPayments(ctx context.Context) (Stats, error) {
	var stats Stats
	now := m.now()
	pending, err := m.payments.ListPending(ctx, now.Add(-m.cfg.Window), m.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for i, p := range pending {
		if i > 0 {
			if err := m.pause(ctx); err != nil {
				return stats, err
			}
		}
		stats.Checked++
		outcome := m.checkPayment(ctx, p, now)
		switch outcome {
		case "updated":
			stats.Updated++
		case "expired":
			stats.Expired++
		case "error":
			stats.Errors++
		}
		telemetry.MonitorRuns.WithLabelValues(JobPendingPayments, outcome).Inc()
	}

	if stats.Checked > 0 {
		telemetry.Logger.Info("Pending payment poll finished",
			zap.Int("checked", stats.Checked),
			zap.Int("updated", stats.Updated),
			zap.Int("expired", stats.Expired),
			zap.Int("errors", stats.Errors),
		)
	}
	return stats, nil
}

func (m *Monitor) checkPayment(ctx context.Context, p *models.Payment, now time.Time) string {
	expired := now.Sub(p.CreatedAt) > m.cfg.PendingTTL

	// Nothing to ask the provider about; the payment can only age out.
	if p.ProviderTxID == nil {
		if expired {
			return m.expire(ctx, p)
		}
		return "unchanged"
	}

	adapter, err := m.registry.Get(p.Method)
	if err != nil {
		telemetry.Logger.Error("No adapter for pending payment", zap.String("payment_id", p.ID), zap.Error(err))
		return "error"
	}

	res, err := adapter.GetStatus(ctx, *p.ProviderTxID, providers.KindCollection)
	if err != nil {
		telemetry.Logger.Warn("Provider status query failed",
			zap.String("payment_id", p.ID),
			zap.String("provider_tx_id", *p.ProviderTxID),
			zap.Error(err),
		)
		if expired {
			return m.expire(ctx, p)
		}
		return "error"
	}

	if res.Status.IsFinal() {
		upd := reconcile.PaymentUpdate{To: res.Status.PaymentStatus(), Source: reconcile.SourceMonitor}
		if res.Status == providers.StatusFailed {
			upd.FailureReason, upd.Metadata = reconcile.FailureFromReason(res.Reason)
		}
		_, changed, err := m.updater.ApplyPaymentStatus(ctx, p, upd)
		if err != nil {
			telemetry.Logger.Error("Failed to apply polled payment status", zap.String("payment_id", p.ID), zap.Error(err))
			return "error"
		}
		if changed {
			return "updated"
		}
		return "unchanged"
	}

	if expired {
		return m.expire(ctx, p)
	}
	return "unchanged"
}

func (m *Monitor) expire(ctx context.Context, p *models.Payment) string {
	_, changed, err := m.updater.ApplyPaymentStatus(ctx, p, reconcile.PaymentUpdate{
		To:            models.PaymentFailed,
		FailureReason: expiredReason,
		Source:        reconcile.SourceExpiry,
		Metadata:      models.Metadata{"expired": true},
	})
	if err != nil {
		telemetry.Logger.Error("Failed to expire payment", zap.String("payment_id", p.ID), zap.Error(err))
		return "error"
	}
	if !changed {
		return "unchanged"
	}
	return "expired"
}

// PollProcessingDisbursements asks the provider about payouts still
// PROCESSING.
func (m *Monitor) PollProcessingDisbursements(ctx context.Context) (Stats, error) {
	var stats Stats
	open, err := m.disbursements.ListProcessing(ctx, m.now().Add(-m.cfg.PayoutWindow), m.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for i, d := range open {
		if i > 0 {
			if err := m.pause(ctx); err != nil {
				return stats, err
			}
		}
		stats.Checked++
		outcome := m.checkDisbursement(ctx, d)
		switch outcome {
		case "updated":
			stats.Updated++
		case "error":
			stats.Errors++
		}
		telemetry.MonitorRuns.WithLabelValues(JobProcessingDisbursement, outcome).Inc()
	}
	return stats, nil
}

func (m *Monitor) checkDisbursement(ctx context.Context, d *models.Disbursement) string {
	adapter, err := m.registry.Get(d.Provider)
	if err != nil {
		telemetry.Logger.Error("No adapter for disbursement", zap.String("disbursement_id", d.ID), zap.Error(err))
		return "error"
	}
	res, err := adapter.GetStatus(ctx, *d.ProviderTxID, providers.KindPayout)
	if err != nil {
		telemetry.Logger.Warn("Provider payout status query failed",
			zap.String("disbursement_id", d.ID),
			zap.String("provider_tx_id", *d.ProviderTxID),
			zap.Error(err),
		)
		return "error"
	}
	if !res.Status.IsFinal() {
		return "unchanged"
	}

	upd := reconcile.DisbursementUpdate{To: res.Status.DisbursementStatus(), Source: reconcile.SourceMonitor}
	if res.Status == providers.StatusFailed {
		upd.FailureReason, upd.Metadata = reconcile.FailureFromReason(res.Reason)
	}
	_, changed, err := m.updater.ApplyDisbursementStatus(ctx, d, upd)
	if err != nil {
		telemetry.Logger.Error("Failed to apply polled disbursement status", zap.String("disbursement_id", d.ID), zap.Error(err))
		return "error"
	}
	if changed {
		return "updated"
	}
	return "unchanged"
}

// ProcessScheduledDisbursements sends APPROVED disbursements whose schedule
// has passed.
func (m *Monitor) ProcessScheduledDisbursements(ctx context.Context) (int, error) {
	sent, err := m.due.ProcessDue(ctx, m.now())
	if sent > 0 {
		telemetry.MonitorRuns.WithLabelValues(JobScheduledDisbursements, "updated").Add(float64(sent))
	}
	return sent, err
}

func (m *Monitor) pause(ctx context.Context) error {
	if m.cfg.CallDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.cfg.CallDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
