// Package payment orchestrates money-in: it records every attempt, hands it
// to the provider adapter and leaves settlement to webhooks and the monitor.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

var (
	ErrNotFound          = errors.New("payment not found")
	ErrAlreadyPaid       = errors.New("order already has a successful payment")
	ErrInvalidTransition = errors.New("invalid payment status transition")
	ErrPaymentFailed     = errors.New("payment failed")
)

type CreatePaymentInput struct {
	OrderID       string               `json:"order_id" validate:"required,max=255"`
	UserID        string               `json:"user_id" validate:"required,max=255"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency" validate:"omitempty,len=3"`
	Method        models.PaymentMethod `json:"method" validate:"required"`
	Phone         string               `json:"phone"`
	MerchantPhone string               `json:"merchant_phone"`
	MerchantName  string               `json:"merchant_name" validate:"max=255"`
}

// VerifyResult is the read-only view of a payment by reference. IsValid is
// true only for a PAID payment.
type VerifyResult struct {
	IsValid       bool                 `json:"is_valid"`
	Status        models.PaymentStatus `json:"status,omitempty"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency,omitempty"`
	PaymentID     string               `json:"payment_id,omitempty"`
	Reference     string               `json:"reference,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

type Config struct {
	// Currencies lists accepted ISO codes; the first is the default.
	Currencies []string
}

type Service struct {
	repo       interfaces.PaymentRepository
	registry   providers.Registry
	updater    *reconcile.StatusUpdater
	authorizer auth.Authorizer
	cfg        Config
	newID      func() string
}

func NewService(repo interfaces.PaymentRepository, registry providers.Registry, updater *reconcile.StatusUpdater,
	authorizer auth.Authorizer, cfg Config) *Service {
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []string{"RWF"}
	}
	return &Service{
		repo:       repo,
		registry:   registry,
		updater:    updater,
		authorizer: authorizer,
		cfg:        cfg,
		newID:      uuid.NewString,
	}
}

// CreatePayment validates the request, persists a PENDING attempt and
// dispatches it to the provider. A provider failure is persisted as FAILED
// and returned wrapped in ErrPaymentFailed together with the failed record.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*models.Payment, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if !in.Method.Valid() {
		return nil, fmt.Errorf("%w: unsupported method %q", validation.ErrInvalidInput, in.Method)
	}
	currency, err := s.currency(in.Currency)
	if err != nil {
		return nil, err
	}

	var (
		adapter providers.Adapter
		phone   validation.Phone
	)
	if in.Method == models.MethodCash {
		if !in.Amount.IsPositive() {
			return nil, validation.ErrInvalidAmount
		}
	} else {
		adapter, err = s.registry.Get(in.Method)
		if err != nil {
			return nil, err
		}
		phone, err = adapter.ValidateRecipient(in.Phone, in.Amount)
		if err != nil {
			return nil, err
		}
	}

	if err := s.ensureNotPaid(ctx, in.OrderID); err != nil {
		return nil, err
	}

	reference := newReference("PAY")
	meta := models.Metadata{
		models.MetaOrderID:           in.OrderID,
		models.MetaOriginalReference: reference,
	}
	if phone.MSISDN != "" {
		meta[models.MetaPhone] = phone.Tagged()
	}
	if in.MerchantPhone != "" {
		meta[models.MetaMerchantPhone] = in.MerchantPhone
	}
	if in.MerchantName != "" {
		meta[models.MetaMerchantName] = in.MerchantName
	}

	p := &models.Payment{
		ID:        s.newID(),
		UserID:    in.UserID,
		OrderID:   in.OrderID,
		Amount:    in.Amount,
		Currency:  currency,
		Method:    in.Method,
		Reference: reference,
		Status:    models.PaymentPending,
		Metadata:  meta,
	}
	return s.dispatch(ctx, p, adapter, phone)
}

// dispatch persists p and, for provider methods, sends it to the adapter.
func (s *Service) dispatch(ctx context.Context, p *models.Payment, adapter providers.Adapter, phone validation.Phone) (*models.Payment, error) {
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	telemetry.PaymentsCreated.WithLabelValues(string(p.Method)).Inc()
	telemetry.Logger.Info("Payment created",
		zap.String("payment_id", p.ID),
		zap.String("reference", p.Reference),
		zap.String("order_id", p.OrderID),
		zap.String("method", string(p.Method)),
		zap.String("amount", p.Amount.String()),
	)

	if p.Method == models.MethodCash {
		return p, nil
	}

	res, err := adapter.ProcessPayment(ctx, providers.TransferRequest{
		Reference:   p.Reference,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Phone:       phone,
		Description: "Payment for order " + p.OrderID,
	})
	if err != nil {
		return s.failSync(ctx, p, providers.UserMessage(err), providerErrorMeta(err), err)
	}
	if !res.Success || res.Status == providers.StatusFailed {
		reason := res.Reason
		if reason == "" {
			reason = res.Message
		}
		text, meta := reconcile.FailureFromReason(reason)
		return s.failSync(ctx, p, text, meta, fmt.Errorf("provider declined: %s", reason))
	}

	attach := models.Metadata{}
	if res.Message != "" {
		attach[models.MetaProviderResponse] = res.Message
	}
	if err := s.repo.AttachProviderTx(ctx, p.ID, res.ProviderTxID, attach); err != nil {
		// the provider accepted the request; leave the row PENDING and let the
		// monitor expire it if the id cannot be recorded
		telemetry.Logger.Error("Failed to record provider transaction id",
			zap.String("payment_id", p.ID),
			zap.String("provider_tx_id", res.ProviderTxID),
			zap.Error(err),
		)
		return p, fmt.Errorf("record provider transaction: %w", err)
	}
	p.ProviderTxID = &res.ProviderTxID
	p.Metadata = p.Metadata.Merge(attach)

	if res.Status.IsFinal() {
		updated, _, err := s.updater.ApplyPaymentStatus(ctx, p, reconcile.PaymentUpdate{
			To:     res.Status.PaymentStatus(),
			Source: reconcile.SourceSync,
		})
		if err != nil {
			return p, err
		}
		p = updated
	}
	return p, nil
}

func (s *Service) failSync(ctx context.Context, p *models.Payment, userText string, meta models.Metadata, cause error) (*models.Payment, error) {
	telemetry.Logger.Warn("Provider rejected payment",
		zap.String("payment_id", p.ID),
		zap.String("reference", p.Reference),
		zap.Error(cause),
	)
	updated, _, err := s.updater.ApplyPaymentStatus(ctx, p, reconcile.PaymentUpdate{
		To:            models.PaymentFailed,
		FailureReason: userText,
		Source:        reconcile.SourceSync,
		Metadata:      meta,
	})
	if err != nil {
		return p, fmt.Errorf("persist failed payment: %w", err)
	}
	return updated, fmt.Errorf("%w: %w", ErrPaymentFailed, cause)
}

// VerifyPayment answers from the local store only. ref may be our reference
// or the provider transaction id.
func (s *Service) VerifyPayment(ctx context.Context, ref string) (*VerifyResult, error) {
	p, err := s.repo.GetByReference(ctx, ref)
	if errors.Is(err, interfaces.ErrNotFound) {
		p, err = s.repo.GetByProviderTxID(ctx, ref)
	}
	if errors.Is(err, interfaces.ErrNotFound) {
		return &VerifyResult{IsValid: false, Reference: ref, FailureReason: ErrNotFound.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{
		IsValid:   p.Status == models.PaymentPaid,
		Status:    p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
		PaymentID: p.ID,
		Reference: p.Reference,
	}
	switch {
	case p.FailureReason != nil:
		res.FailureReason = *p.FailureReason
	case p.Status == models.PaymentPending:
		res.FailureReason = "payment is still pending"
	}
	return res, nil
}

// RetryPayment mints a new attempt for the same order. The previous row is
// never modified; the new one links back to it through previousReference.
// phone may be empty to reuse the previous number.
func (s *Service) RetryPayment(ctx context.Context, paymentID, phone string) (*models.Payment, error) {
	prev, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if prev.Status == models.PaymentPaid {
		return nil, fmt.Errorf("%w: payment %s is already paid", ErrAlreadyPaid, prev.ID)
	}
	if err := s.ensureNotPaid(ctx, prev.OrderID); err != nil {
		return nil, err
	}

	var (
		adapter providers.Adapter
		p       validation.Phone
	)
	if prev.Method != models.MethodCash {
		if phone == "" {
			phone = untag(prev.Metadata.String(models.MetaPhone))
		}
		adapter, err = s.registry.Get(prev.Method)
		if err != nil {
			return nil, err
		}
		p, err = adapter.ValidateRecipient(phone, prev.Amount)
		if err != nil {
			return nil, err
		}
	}

	reference := newReference("PAY")
	meta := models.Metadata{
		models.MetaOrderID:           prev.OrderID,
		models.MetaOriginalReference: reference,
		models.MetaPreviousReference: prev.Reference,
	}
	if p.MSISDN != "" {
		meta[models.MetaPhone] = p.Tagged()
	}
	for _, key := range []string{models.MetaMerchantPhone, models.MetaMerchantName} {
		if v := prev.Metadata.String(key); v != "" {
			meta[key] = v
		}
	}

	next := &models.Payment{
		ID:        s.newID(),
		UserID:    prev.UserID,
		OrderID:   prev.OrderID,
		Amount:    prev.Amount,
		Currency:  prev.Currency,
		Method:    prev.Method,
		Reference: reference,
		Status:    models.PaymentPending,
		Metadata:  meta,
	}
	telemetry.Logger.Info("Retrying payment",
		zap.String("previous_payment_id", prev.ID),
		zap.String("previous_reference", prev.Reference),
		zap.String("reference", reference),
	)
	return s.dispatch(ctx, next, adapter, p)
}

// AdminConfirmPayment settles a PENDING payment without the provider, e.g. a
// cash payment collected on delivery.
func (s *Service) AdminConfirmPayment(ctx context.Context, principal auth.Principal, paymentID string, status models.PaymentStatus, note string) (*models.Payment, error) {
	if err := s.authorizer.Authorize(ctx, principal, auth.CapConfirmPayment); err != nil {
		return nil, err
	}
	if status != models.PaymentPaid && status != models.PaymentFailed {
		return nil, fmt.Errorf("%w: target status %q", ErrInvalidTransition, status)
	}

	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentPending {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidTransition, p.Status)
	}

	upd := reconcile.PaymentUpdate{
		To:     status,
		Source: reconcile.SourceAdmin,
		Metadata: models.Metadata{
			models.MetaConfirmedBy: principal.ID,
		},
	}
	if note != "" {
		upd.Metadata[models.MetaConfirmNote] = note
	}
	if status == models.PaymentFailed {
		upd.FailureReason = "marked as failed by an administrator"
	}

	updated, changed, err := s.updater.ApplyPaymentStatus(ctx, p, upd)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidTransition, updated.Status)
	}
	telemetry.Logger.Info("Payment confirmed by administrator",
		zap.String("payment_id", p.ID),
		zap.String("status", string(status)),
		zap.String("confirmed_by", principal.ID),
	)
	return updated, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// TestProvider checks connectivity for one payment method.
func (s *Service) TestProvider(ctx context.Context, method models.PaymentMethod) error {
	adapter, err := s.registry.Get(method)
	if err != nil {
		return err
	}
	return adapter.TestConnection(ctx)
}

func (s *Service) ensureNotPaid(ctx context.Context, orderID string) error {
	paid, err := s.repo.FindPaidByOrder(ctx, orderID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s paid by %s", ErrAlreadyPaid, orderID, paid.Reference)
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

func providerErrorMeta(err error) models.Metadata {
	meta := models.Metadata{models.MetaProviderError: err.Error()}
	if pe, ok := providers.AsError(err); ok {
		meta[models.MetaErrorCategory] = string(pe.Category)
		meta["retryable"] = pe.Retryable
	}
	return meta
}

func newReference(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(id[:16])
}

// untag strips the carrier tag written by Phone.Tagged.
func untag(tagged string) string {
	if i := strings.IndexByte(tagged, ':'); i >= 0 {
		return tagged[i+1:]
	}
	return tagged
}
