// Package disbursement orchestrates money-out: merchant payouts, refunds and
// admin transfers, with an approval gate for high-value or sensitive types.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/lock"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

var (
	ErrNotFound          = errors.New("disbursement not found")
	ErrApprovalRequired  = errors.New("disbursement requires approval")
	ErrInvalidTransition = errors.New("invalid disbursement status transition")
	ErrConcurrentUpdate  = errors.New("disbursement is being processed by another worker")
	ErrNoMerchant        = errors.New("payment has no merchant details")
)

const (
	processLockTTL = 2 * time.Minute
	dueBatchSize   = 100
	systemApprover = "system"
)

// CreateInput describes a new disbursement. RequiresApproval can only
// tighten the policy decision, never relax it.
type CreateInput struct {
	Type             models.DisbursementType `json:"type" validate:"required"`
	Amount           decimal.Decimal         `json:"amount"`
	Currency         string                  `json:"currency" validate:"omitempty,len=3"`
	RecipientPhone   string                  `json:"recipient_phone" validate:"required"`
	RecipientName    string                  `json:"recipient_name" validate:"max=255"`
	Provider         models.PaymentMethod    `json:"provider"`
	OrderID          string                  `json:"order_id" validate:"max=255"`
	PaymentID        string                  `json:"payment_id" validate:"max=64"`
	ScheduledFor     *time.Time              `json:"scheduled_for"`
	RequiresApproval bool                    `json:"requires_approval"`
	Metadata         models.Metadata         `json:"metadata"`
}

// ProcessResult reports the outcome of a payout attempt. A provider rejection
// is a result with Success false, not an error.
type ProcessResult struct {
	Disbursement *models.Disbursement `json:"disbursement"`
	Success      bool                 `json:"success"`
	Message      string               `json:"message,omitempty"`
}

type BulkItemResult struct {
	Index        int                  `json:"index"`
	Success      bool                 `json:"success"`
	Disbursement *models.Disbursement `json:"disbursement,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Policy decides which disbursements wait for a human.
type Policy struct {
	HighValueThreshold    decimal.Decimal
	RefundReviewThreshold decimal.Decimal
}

func (p Policy) ShouldRequireApproval(t models.DisbursementType, amount decimal.Decimal) bool {
	switch {
	case amount.GreaterThan(p.HighValueThreshold):
		return true
	case t == models.TypeAdminPayout:
		return true
	case t == models.TypeRefund && amount.GreaterThan(p.RefundReviewThreshold):
		return true
	}
	return false
}

type Config struct {
	Policy
	// Provider is the default payout network.
	Provider       models.PaymentMethod
	CommissionRate decimal.Decimal
	Currencies     []string
}

type Service struct {
	repo       interfaces.DisbursementRepository
	registry   providers.Registry
	updater    *reconcile.StatusUpdater
	locker     lock.Locker
	authorizer auth.Authorizer
	cfg        Config
	newID      func() string
	now        func() time.Time
}

func NewService(repo interfaces.DisbursementRepository, registry providers.Registry, updater *reconcile.StatusUpdater,
	locker lock.Locker, authorizer auth.Authorizer, cfg Config) *Service {
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []string{"RWF"}
	}
	if cfg.HighValueThreshold.IsZero() {
		cfg.HighValueThreshold = decimal.NewFromInt(1000000)
	}
	if cfg.RefundReviewThreshold.IsZero() {
		cfg.RefundReviewThreshold = decimal.NewFromInt(100000)
	}
	if cfg.Provider == "" {
		cfg.Provider = models.MethodPaypack
	}
	return &Service{
		repo:       repo,
		registry:   registry,
		updater:    updater,
		locker:     locker,
		authorizer: authorizer,
		cfg:        cfg,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

func (s *Service) ShouldRequireApproval(t models.DisbursementType, amount decimal.Decimal) bool {
	return s.cfg.ShouldRequireApproval(t, amount)
}

// Create persists a PENDING disbursement on behalf of an operator. When no
// approval is needed it is approved by the system and, unless scheduled for
// later, processed at once.
func (s *Service) Create(ctx context.Context, principal auth.Principal, in CreateInput) (*models.Disbursement, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapManageDisbursement); err != nil {
		return nil, err
	}
	return s.create(ctx, in)
}

func (s *Service) create(ctx context.Context, in CreateInput) (*models.Disbursement, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unsupported disbursement type %q", validation.ErrInvalidInput, in.Type)
	}
	currency, err := s.currency(in.Currency)
	if err != nil {
		return nil, err
	}
	provider, phone, overLimit, err := s.route(in)
	if err != nil {
		return nil, err
	}

	d := &models.Disbursement{
		ID:               s.newID(),
		Type:             in.Type,
		Amount:           in.Amount,
		Currency:         currency,
		RecipientPhone:   phone.MSISDN,
		RecipientName:    in.RecipientName,
		Reference:        newReference(),
		Provider:         provider,
		Status:           models.DisbursementPending,
		ScheduledFor:     in.ScheduledFor,
		RequiresApproval: in.RequiresApproval || s.ShouldRequireApproval(in.Type, in.Amount),
		Metadata:         models.Metadata{}.Merge(in.Metadata),
	}
	if in.OrderID != "" {
		d.OrderID = &in.OrderID
	}
	if in.PaymentID != "" {
		d.PaymentID = &in.PaymentID
	}
	if overLimit {
		d.RequiresApproval = true
		d.Metadata[models.MetaProviderLimit] = true
		telemetry.Logger.Warn("Disbursement exceeds every provider limit, holding for review",
			zap.String("disbursement_id", d.ID),
			zap.String("provider", string(provider)),
			zap.String("amount", d.Amount.String()),
		)
	}

	if err := s.repo.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create disbursement: %w", err)
	}
	telemetry.Logger.Info("Disbursement created",
		zap.String("disbursement_id", d.ID),
		zap.String("reference", d.Reference),
		zap.String("type", string(d.Type)),
		zap.String("amount", d.Amount.String()),
		zap.Bool("requires_approval", d.RequiresApproval),
	)

	if d.RequiresApproval {
		return d, nil
	}
	return s.approveAndRun(ctx, d, systemApprover)
}

// route picks the payout network. An explicit provider is used as given.
// Otherwise the default network is tried first, then the other registered
// networks in name order, and the first that accepts the recipient and the
// amount wins. An amount above the ceiling of every network that serves the
// recipient is not rejected: overLimit is set and the disbursement is kept
// for review on the first such network.
func (s *Service) route(in CreateInput) (method models.PaymentMethod, phone validation.Phone, overLimit bool, err error) {
	candidates := []models.PaymentMethod{in.Provider}
	if in.Provider == "" {
		candidates = []models.PaymentMethod{s.cfg.Provider}
		var others []string
		for m := range s.registry {
			if m != s.cfg.Provider {
				others = append(others, string(m))
			}
		}
		sort.Strings(others)
		for _, m := range others {
			candidates = append(candidates, models.PaymentMethod(m))
		}
	}

	var firstErr error
	var limited models.PaymentMethod
	for i, m := range candidates {
		adapter, err := s.registry.Get(m)
		if err != nil {
			if i == 0 {
				return "", validation.Phone{}, false, err
			}
			continue
		}
		p, err := adapter.ValidateRecipient(in.RecipientPhone, in.Amount)
		if err == nil {
			return m, p, false, nil
		}
		if errors.Is(err, validation.ErrAmountAboveLimit) && limited == "" {
			limited = m
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if limited == "" {
		return "", validation.Phone{}, false, firstErr
	}
	p, err := validation.NormalizePhone(in.RecipientPhone)
	if err != nil {
		return "", validation.Phone{}, false, err
	}
	return limited, p, true, nil
}

// BulkCreate creates each item independently; one failure does not stop the
// rest.
func (s *Service) BulkCreate(ctx context.Context, principal auth.Principal, inputs []CreateInput) ([]BulkItemResult, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapManageDisbursement); err != nil {
		return nil, err
	}
	results := make([]BulkItemResult, len(inputs))
	for i, in := range inputs {
		results[i].Index = i
		d, err := s.create(ctx, in)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Success = true
		results[i].Disbursement = d
	}
	return results, nil
}

func (s *Service) Approve(ctx context.Context, principal auth.Principal, id string) (*models.Disbursement, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapApproveDisbursement); err != nil {
		return nil, err
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DisbursementPending {
		return nil, fmt.Errorf("%w: disbursement is %s", ErrInvalidTransition, d.Status)
	}
	return s.approveAndRun(ctx, d, principal.ID)
}

// approveAndRun moves a PENDING disbursement to APPROVED and processes it
// unless it is scheduled in the future.
func (s *Service) approveAndRun(ctx context.Context, d *models.Disbursement, approver string) (*models.Disbursement, error) {
	now := s.now().UTC()
	applied, err := s.repo.Transition(ctx, models.DisbursementTransition{
		DisbursementID: d.ID,
		From:           models.DisbursementPending,
		To:             models.DisbursementApproved,
		ApprovedBy:     &approver,
		ApprovedAt:     &now,
	})
	if err != nil {
		return nil, fmt.Errorf("approve disbursement %s: %w", d.ID, err)
	}
	if !applied {
		return nil, ErrConcurrentUpdate
	}
	source := reconcile.SourceAdmin
	if approver == systemApprover {
		source = reconcile.SourceSync
	}
	telemetry.StatusTransitions.WithLabelValues("disbursement", string(d.Status), string(models.DisbursementApproved), source).Inc()
	d.Status = models.DisbursementApproved
	d.ApprovedBy = &approver
	d.ApprovedAt = &now

	if d.ScheduledFor != nil && d.ScheduledFor.After(now) {
		telemetry.Logger.Info("Disbursement scheduled",
			zap.String("disbursement_id", d.ID),
			zap.Time("scheduled_for", *d.ScheduledFor),
		)
		return d, nil
	}

	res, err := s.process(ctx, d.ID)
	if err != nil {
		return d, err
	}
	return res.Disbursement, nil
}

func (s *Service) Reject(ctx context.Context, principal auth.Principal, id, reason string) (*models.Disbursement, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapApproveDisbursement); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by an administrator"
	}
	return s.close(ctx, principal, id, models.DisbursementRejected, reason, models.DisbursementPending)
}

// Cancel stops a disbursement that has not completed. Cancelling one that is
// already PROCESSING cannot recall the provider transfer; it is flagged for
// manual follow-up.
func (s *Service) Cancel(ctx context.Context, principal auth.Principal, id, reason string) (*models.Disbursement, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapManageDisbursement); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by an administrator"
	}
	return s.close(ctx, principal, id, models.DisbursementCancelled, reason,
		models.DisbursementPending, models.DisbursementApproved, models.DisbursementProcessing)
}

func (s *Service) close(ctx context.Context, principal auth.Principal, id string, to models.DisbursementStatus,
	reason string, allowed ...models.DisbursementStatus) (*models.Disbursement, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(d.Status, allowed) {
		return nil, fmt.Errorf("%w: disbursement is %s", ErrInvalidTransition, d.Status)
	}

	meta := models.Metadata{models.MetaStatusSource: reconcile.SourceAdmin, "closedBy": principal.ID}
	if d.Status == models.DisbursementProcessing {
		meta["cancelledWhileProcessing"] = true
		telemetry.Logger.Warn("Cancelling disbursement that is already at the provider",
			zap.String("disbursement_id", d.ID),
			zap.Stringp("provider_tx_id", d.ProviderTxID),
		)
	}
	applied, err := s.repo.Transition(ctx, models.DisbursementTransition{
		DisbursementID: d.ID,
		From:           d.Status,
		To:             to,
		FailureReason:  &reason,
		Metadata:       meta,
	})
	if err != nil {
		return nil, fmt.Errorf("close disbursement %s: %w", d.ID, err)
	}
	if !applied {
		return nil, ErrConcurrentUpdate
	}
	telemetry.StatusTransitions.WithLabelValues("disbursement", string(d.Status), string(to), reconcile.SourceAdmin).Inc()
	telemetry.Logger.Info("Disbursement closed",
		zap.String("disbursement_id", d.ID),
		zap.String("status", string(to)),
		zap.String("by", principal.ID),
	)

	d.Status = to
	d.FailureReason = &reason
	d.Metadata = d.Metadata.Merge(meta)
	return d, nil
}

// Process sends an approved disbursement to the provider on behalf of an
// operator.
func (s *Service) Process(ctx context.Context, principal auth.Principal, id string) (*ProcessResult, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapManageDisbursement); err != nil {
		return nil, err
	}
	return s.process(ctx, id)
}

// process holds the per-disbursement lock; together with the APPROVED to
// PROCESSING swap it guarantees at most one payout call.
func (s *Service) process(ctx context.Context, id string) (*ProcessResult, error) {
	release, err := s.locker.Acquire(ctx, "disbursement:"+id, processLockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case d.Status == models.DisbursementApproved:
	case d.Status == models.DisbursementPending && !d.RequiresApproval:
	case d.Status == models.DisbursementPending:
		return nil, ErrApprovalRequired
	default:
		return nil, fmt.Errorf("%w: disbursement is %s", ErrInvalidTransition, d.Status)
	}

	applied, err := s.repo.Transition(ctx, models.DisbursementTransition{
		DisbursementID: d.ID,
		From:           d.Status,
		To:             models.DisbursementProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("start disbursement %s: %w", d.ID, err)
	}
	if !applied {
		return nil, ErrConcurrentUpdate
	}
	telemetry.StatusTransitions.WithLabelValues("disbursement", string(d.Status), string(models.DisbursementProcessing), reconcile.SourceSync).Inc()
	d.Status = models.DisbursementProcessing

	adapter, err := s.registry.Get(d.Provider)
	if err != nil {
		return s.fail(ctx, d, providers.UserMessage(err), providerErrorMeta(err))
	}
	phone, err := adapter.ValidateRecipient(d.RecipientPhone, d.Amount)
	if err != nil {
		return s.fail(ctx, d, err.Error(), models.Metadata{models.MetaProviderError: err.Error()})
	}

	res, err := adapter.ProcessPayout(ctx, providers.TransferRequest{
		Reference:   d.Reference,
		Amount:      d.Amount,
		Currency:    d.Currency,
		Phone:       phone,
		Description: description(d),
	})
	if err != nil {
		telemetry.Logger.Warn("Provider rejected payout",
			zap.String("disbursement_id", d.ID),
			zap.Error(err),
		)
		return s.fail(ctx, d, providers.UserMessage(err), providerErrorMeta(err))
	}
	if !res.Success || res.Status == providers.StatusFailed {
		reason := res.Reason
		if reason == "" {
			reason = res.Message
		}
		text, meta := reconcile.FailureFromReason(reason)
		return s.fail(ctx, d, text, meta)
	}

	meta := models.Metadata{}
	if res.Message != "" {
		meta[models.MetaProviderResponse] = res.Message
	}
	if res.Status.IsFinal() {
		updated, _, err := s.updater.ApplyDisbursementStatus(ctx, d, reconcile.DisbursementUpdate{
			To:           res.Status.DisbursementStatus(),
			ProviderTxID: res.ProviderTxID,
			Source:       reconcile.SourceSync,
			Metadata:     meta,
		})
		if err != nil {
			return nil, err
		}
		return &ProcessResult{Disbursement: updated, Success: true, Message: res.Message}, nil
	}

	if _, err := s.repo.Transition(ctx, models.DisbursementTransition{
		DisbursementID: d.ID,
		From:           models.DisbursementProcessing,
		To:             models.DisbursementProcessing,
		ProviderTxID:   &res.ProviderTxID,
		Metadata:       meta,
	}); err != nil {
		telemetry.Logger.Error("Failed to record payout transaction id",
			zap.String("disbursement_id", d.ID),
			zap.String("provider_tx_id", res.ProviderTxID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record provider transaction: %w", err)
	}
	d.ProviderTxID = &res.ProviderTxID
	d.Metadata = d.Metadata.Merge(meta)

	telemetry.Logger.Info("Payout submitted",
		zap.String("disbursement_id", d.ID),
		zap.String("provider_tx_id", res.ProviderTxID),
	)
	return &ProcessResult{Disbursement: d, Success: true, Message: res.Message}, nil
}

func (s *Service) fail(ctx context.Context, d *models.Disbursement, userText string, meta models.Metadata) (*ProcessResult, error) {
	updated, _, err := s.updater.ApplyDisbursementStatus(ctx, d, reconcile.DisbursementUpdate{
		To:            models.DisbursementFailed,
		FailureReason: userText,
		Source:        reconcile.SourceSync,
		Metadata:      meta,
	})
	if err != nil {
		return nil, fmt.Errorf("persist failed disbursement: %w", err)
	}
	return &ProcessResult{Disbursement: updated, Success: false, Message: userText}, nil
}

// Retry creates a fresh disbursement from a FAILED one. The failed row is
// left untouched and the new one links back through previousDisbursementId.
func (s *Service) Retry(ctx context.Context, principal auth.Principal, id string) (*models.Disbursement, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapManageDisbursement); err != nil {
		return nil, err
	}
	prev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.DisbursementFailed {
		return nil, fmt.Errorf("%w: only failed disbursements can be retried, this one is %s", ErrInvalidTransition, prev.Status)
	}

	in := CreateInput{
		Type:             prev.Type,
		Amount:           prev.Amount,
		Currency:         prev.Currency,
		RecipientPhone:   prev.RecipientPhone,
		RecipientName:    prev.RecipientName,
		Provider:         prev.Provider,
		RequiresApproval: prev.RequiresApproval,
		Metadata: models.Metadata{
			models.MetaPreviousID:        prev.ID,
			models.MetaPreviousReference: prev.Reference,
		},
	}
	if prev.OrderID != nil {
		in.OrderID = *prev.OrderID
	}
	if prev.PaymentID != nil {
		in.PaymentID = *prev.PaymentID
	}
	if v := prev.Metadata.String(models.MetaPaymentReference); v != "" {
		in.Metadata[models.MetaPaymentReference] = v
	}

	telemetry.Logger.Info("Retrying disbursement",
		zap.String("previous_disbursement_id", prev.ID),
		zap.String("previous_reference", prev.Reference),
	)
	return s.create(ctx, in)
}

// CreateMerchantPayout pays the merchant of a settled payment, less the
// platform commission. It is idempotent per order: an existing payout for
// the order is returned as is.
func (s *Service) CreateMerchantPayout(ctx context.Context, p *models.Payment) (*models.Disbursement, error) {
	merchantPhone := p.Metadata.String(models.MetaMerchantPhone)
	if merchantPhone == "" {
		return nil, fmt.Errorf("%w: payment %s", ErrNoMerchant, p.ID)
	}

	existing, err := s.repo.GetPayoutByOrder(ctx, p.OrderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	commission := p.Amount.Mul(s.cfg.CommissionRate).Ceil()
	amount := p.Amount.Sub(commission)

	d, err := s.create(ctx, CreateInput{
		Type:           models.TypeMerchantPayout,
		Amount:         amount,
		Currency:       p.Currency,
		RecipientPhone: merchantPhone,
		RecipientName:  p.Metadata.String(models.MetaMerchantName),
		OrderID:        p.OrderID,
		PaymentID:      p.ID,
		Metadata: models.Metadata{
			models.MetaPaymentReference: p.Reference,
			"commission":                commission.String(),
			"grossAmount":               p.Amount.String(),
		},
	})
	if errors.Is(err, interfaces.ErrDuplicate) {
		return s.repo.GetPayoutByOrder(ctx, p.OrderID)
	}
	return d, err
}

// ProcessDue runs APPROVED disbursements whose schedule has passed. It
// returns how many were sent to the provider.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListDue(ctx, now, dueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due disbursements: %w", err)
	}

	sent := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if _, err := s.process(ctx, d.ID); err != nil {
			telemetry.Logger.Warn("Scheduled disbursement not processed",
				zap.String("disbursement_id", d.ID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Disbursement, error) {
	d, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, err
}

func (s *Service) List(ctx context.Context, filter models.DisbursementFilter) ([]*models.Disbursement, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) currency(requested string) (string, error) {
	if requested == "" {
		return s.cfg.Currencies[0], nil
	}
	if err := validation.CheckCurrency(requested, s.cfg.Currencies...); err != nil {
		return "", err
	}
	return strings.ToUpper(requested), nil
}

func statusIn(s models.DisbursementStatus, set []models.DisbursementStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func description(d *models.Disbursement) string {
	if d.OrderID != nil {
		return "Payout for order " + *d.OrderID
	}
	return strings.ReplaceAll(strings.ToLower(string(d.Type)), "_", " ") + " " + d.Reference
}

func providerErrorMeta(err error) models.Metadata {
	meta := models.Metadata{models.MetaProviderError: err.Error()}
	if pe, ok := providers.AsError(err); ok {
		meta[models.MetaErrorCategory] = string(pe.Category)
		meta["retryable"] = pe.Retryable
	}
	return meta
}

func newReference() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "DSB-" + strings.ToUpper(id[:16])
}
