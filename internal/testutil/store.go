// Package testutil provides in-memory fakes of the repositories, providers
// and messaging collaborators for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

// Store keeps payments, disbursements, outbox events and webhook events in
// memory. It enforces the same unique constraints and compare-and-swap
// semantics as the Postgres repositories.
type Store struct {
	mu            sync.Mutex
	payments      map[string]*models.Payment
	disbursements map[string]*models.Disbursement
	outbox        []*models.OutboxEvent
	webhooks      map[string]*models.WebhookEvent
	nextOutboxID  int64
	nextWebhookID int64
	now           func() time.Time
	last          time.Time

	Payments      *PaymentStore
	Disbursements *DisbursementStore
	Outbox        *OutboxStore
	Webhooks      *WebhookStore
}

func NewStore() *Store {
	s := &Store{
		payments:      make(map[string]*models.Payment),
		disbursements: make(map[string]*models.Disbursement),
		webhooks:      make(map[string]*models.WebhookEvent),
		now:           time.Now,
	}
	s.Payments = &PaymentStore{s}
	s.Disbursements = &DisbursementStore{s}
	s.Outbox = &OutboxStore{s: s}
	s.Webhooks = &WebhookStore{s}
	return s
}

// SetNow replaces the store clock.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// tick returns a strictly increasing timestamp so creation order is stable.
func (s *Store) tick() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// OutboxEvents returns a snapshot of every outbox event, optionally filtered
// by event type.
func (s *Store) OutboxEvents(eventType string) []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEvent
	for _, e := range s.outbox {
		if eventType == "" || e.EventType == eventType {
			out = append(out, *e)
		}
	}
	return out
}

// AllPayments returns copies of the stored payments ordered by creation.
func (s *Store) AllPayments() []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AllDisbursements returns copies of the stored disbursements ordered by creation.
func (s *Store) AllDisbursements() []models.Disbursement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Disbursement, 0, len(s.disbursements))
	for _, d := range s.disbursements {
		out = append(out, cloneDisbursement(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PutPayment stores p as-is, bypassing Create's defaults.
func (s *Store) PutPayment(p models.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := clonePayment(&p)
	s.payments[p.ID] = &c
}

// PutDisbursement stores d as-is.
func (s *Store) PutDisbursement(d models.Disbursement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneDisbursement(&d)
	s.disbursements[d.ID] = &c
}

func (s *Store) appendOutbox(evt *models.OutboxEvent) {
	s.nextOutboxID++
	evt.ID = s.nextOutboxID
	evt.CreatedAt = s.now()
	c := *evt
	c.Payload = append(json.RawMessage(nil), evt.Payload...)
	s.outbox = append(s.outbox, &c)
}

func clonePayment(p *models.Payment) models.Payment {
	c := *p
	c.Metadata = models.Metadata{}.Merge(p.Metadata)
	return c
}

func cloneDisbursement(d *models.Disbursement) models.Disbursement {
	c := *d
	c.Metadata = models.Metadata{}.Merge(d.Metadata)
	return c
}

func strPtr(s string) *string { return &s }

// PaymentStore implements interfaces.PaymentRepository.
type PaymentStore struct{ s *Store }

var _ interfaces.PaymentRepository = (*PaymentStore)(nil)

func (r *PaymentStore) Create(_ context.Context, p *models.Payment) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.ID == p.ID || existing.Reference == p.Reference {
			return fmt.Errorf("%w: payments", interfaces.ErrDuplicate)
		}
		if p.Status == models.PaymentPaid && existing.Status == models.PaymentPaid && existing.OrderID == p.OrderID {
			return fmt.Errorf("%w: idx_payments_order_paid", interfaces.ErrDuplicate)
		}
	}
	now := s.tick()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Metadata == nil {
		p.Metadata = models.Metadata{}
	}
	c := clonePayment(p)
	s.payments[p.ID] = &c
	return nil
}

func (r *PaymentStore) find(match func(*models.Payment) bool) (*models.Payment, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if match(p) {
			c := clonePayment(p)
			return &c, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (r *PaymentStore) GetByID(_ context.Context, id string) (*models.Payment, error) {
	return r.find(func(p *models.Payment) bool { return p.ID == id })
}

func (r *PaymentStore) GetByReference(_ context.Context, reference string) (*models.Payment, error) {
	return r.find(func(p *models.Payment) bool { return p.Reference == reference })
}

func (r *PaymentStore) GetByProviderTxID(_ context.Context, providerTxID string) (*models.Payment, error) {
	return r.find(func(p *models.Payment) bool { return p.ProviderTxID != nil && *p.ProviderTxID == providerTxID })
}

func (r *PaymentStore) FindPaidByOrder(_ context.Context, orderID string) (*models.Payment, error) {
	return r.find(func(p *models.Payment) bool { return p.OrderID == orderID && p.Status == models.PaymentPaid })
}

func (r *PaymentStore) AttachProviderTx(_ context.Context, id, providerTxID string, metadata models.Metadata) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok || p.Status != models.PaymentPending {
		return interfaces.ErrNotFound
	}
	for _, other := range s.payments {
		if other.ID != id && other.ProviderTxID != nil && *other.ProviderTxID == providerTxID {
			return fmt.Errorf("%w: idx_payments_provider_tx_id", interfaces.ErrDuplicate)
		}
	}
	p.ProviderTxID = strPtr(providerTxID)
	p.Metadata = p.Metadata.Merge(metadata)
	p.UpdatedAt = s.now()
	return nil
}

func (r *PaymentStore) Transition(_ context.Context, t models.PaymentTransition) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[t.PaymentID]
	if !ok || p.Status != t.From {
		return false, nil
	}
	if t.To == models.PaymentPaid {
		for _, other := range s.payments {
			if other.ID != p.ID && other.OrderID == p.OrderID && other.Status == models.PaymentPaid {
				return false, fmt.Errorf("%w: idx_payments_order_paid", interfaces.ErrDuplicate)
			}
		}
	}

	p.Status = t.To
	if t.FailureReason != nil {
		p.FailureReason = strPtr(*t.FailureReason)
	}
	p.Metadata = p.Metadata.Merge(t.Metadata)
	p.UpdatedAt = s.now()
	if t.Event != nil {
		s.appendOutbox(t.Event)
	}
	return true, nil
}

func (r *PaymentStore) ListPending(_ context.Context, createdAfter time.Time, limit int) ([]*models.Payment, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentPending && p.Method != models.MethodCash && !p.CreatedAt.Before(createdAfter) {
			c := clonePayment(p)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DisbursementStore implements interfaces.DisbursementRepository.
type DisbursementStore struct{ s *Store }

var _ interfaces.DisbursementRepository = (*DisbursementStore)(nil)

func (r *DisbursementStore) Create(_ context.Context, d *models.Disbursement) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.disbursements {
		if existing.ID == d.ID || existing.Reference == d.Reference {
			return fmt.Errorf("%w: disbursements", interfaces.ErrDuplicate)
		}
		if d.Type == models.TypeMerchantPayout && existing.Type == models.TypeMerchantPayout &&
			d.OrderID != nil && existing.OrderID != nil && *d.OrderID == *existing.OrderID &&
			!deadPayout(existing.Status) {
			return fmt.Errorf("%w: idx_disbursements_order_payout", interfaces.ErrDuplicate)
		}
	}
	now := s.tick()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Metadata == nil {
		d.Metadata = models.Metadata{}
	}
	c := cloneDisbursement(d)
	s.disbursements[d.ID] = &c
	return nil
}

func (r *DisbursementStore) find(match func(*models.Disbursement) bool) (*models.Disbursement, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.disbursements {
		if match(d) {
			c := cloneDisbursement(d)
			return &c, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (r *DisbursementStore) GetByID(_ context.Context, id string) (*models.Disbursement, error) {
	return r.find(func(d *models.Disbursement) bool { return d.ID == id })
}

func (r *DisbursementStore) GetByProviderTxID(_ context.Context, providerTxID string) (*models.Disbursement, error) {
	return r.find(func(d *models.Disbursement) bool { return d.ProviderTxID != nil && *d.ProviderTxID == providerTxID })
}

func (r *DisbursementStore) GetByReference(_ context.Context, reference string) (*models.Disbursement, error) {
	return r.find(func(d *models.Disbursement) bool { return d.Reference == reference })
}

func (r *DisbursementStore) GetPayoutByOrder(_ context.Context, orderID string) (*models.Disbursement, error) {
	out, _ := r.list(func(d *models.Disbursement) bool {
		return d.Type == models.TypeMerchantPayout && d.OrderID != nil && *d.OrderID == orderID
	}, 0, 1, func(a, b *models.Disbursement) bool { return a.CreatedAt.After(b.CreatedAt) })
	if len(out) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return out[0], nil
}

func deadPayout(s models.DisbursementStatus) bool {
	return s == models.DisbursementFailed || s == models.DisbursementRejected || s == models.DisbursementCancelled
}

func (r *DisbursementStore) List(_ context.Context, filter models.DisbursementFilter) ([]*models.Disbursement, error) {
	return r.list(func(d *models.Disbursement) bool {
		return (filter.Status == "" || d.Status == filter.Status) && (filter.Type == "" || d.Type == filter.Type)
	}, filter.Offset, filter.Limit, func(a, b *models.Disbursement) bool { return a.CreatedAt.After(b.CreatedAt) })
}

func (r *DisbursementStore) Transition(_ context.Context, t models.DisbursementTransition) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disbursements[t.DisbursementID]
	if !ok || d.Status != t.From {
		return false, nil
	}
	d.Status = t.To
	if t.ProviderTxID != nil {
		d.ProviderTxID = strPtr(*t.ProviderTxID)
	}
	if t.FailureReason != nil {
		d.FailureReason = strPtr(*t.FailureReason)
	}
	if t.ApprovedBy != nil {
		d.ApprovedBy = strPtr(*t.ApprovedBy)
	}
	if t.ApprovedAt != nil {
		at := *t.ApprovedAt
		d.ApprovedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		d.CompletedAt = &at
	}
	d.Metadata = d.Metadata.Merge(t.Metadata)
	d.UpdatedAt = s.now()
	if t.Event != nil {
		s.appendOutbox(t.Event)
	}
	return true, nil
}

func (r *DisbursementStore) ListProcessing(_ context.Context, updatedAfter time.Time, limit int) ([]*models.Disbursement, error) {
	return r.list(func(d *models.Disbursement) bool {
		return d.Status == models.DisbursementProcessing && d.ProviderTxID != nil && !d.UpdatedAt.Before(updatedAfter)
	}, 0, limit, func(a, b *models.Disbursement) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
}

func (r *DisbursementStore) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Disbursement, error) {
	return r.list(func(d *models.Disbursement) bool {
		return d.Status == models.DisbursementApproved && d.ScheduledFor != nil && !d.ScheduledFor.After(now)
	}, 0, limit, func(a, b *models.Disbursement) bool { return a.ScheduledFor.Before(*b.ScheduledFor) })
}

func (r *DisbursementStore) list(match func(*models.Disbursement) bool, offset, limit int, less func(a, b *models.Disbursement) bool) ([]*models.Disbursement, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Disbursement
	for _, d := range s.disbursements {
		if match(d) {
			c := cloneDisbursement(d)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OutboxStore implements interfaces.OutboxRepository.
// maxOutboxAttempts mirrors repository.MaxOutboxAttempts.
const maxOutboxAttempts = 20

type OutboxStore struct {
	s *Store
}

var _ interfaces.OutboxRepository = (*OutboxStore)(nil)

func (r *OutboxStore) GetUnpublished(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.OutboxEvent
	for _, e := range s.outbox {
		if e.PublishedAt == nil && e.Attempts < maxOutboxAttempts {
			out = append(out, *e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxStore) MarkHandled(_ context.Context, id int64, handler string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			if !e.Handled(handler) {
				e.HandledBy = append(e.HandledBy, handler)
			}
			return nil
		}
	}
	return interfaces.ErrNotFound
}

func (r *OutboxStore) MarkPublished(_ context.Context, id int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			now := s.now()
			e.PublishedAt = &now
			e.LastError = nil
			return nil
		}
	}
	return interfaces.ErrNotFound
}

func (r *OutboxStore) MarkFailed(_ context.Context, id int64, reason string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.outbox {
		if e.ID == id {
			e.Attempts++
			e.LastError = strPtr(reason)
			return nil
		}
	}
	return interfaces.ErrNotFound
}

// WebhookStore implements interfaces.WebhookEventRepository.
type WebhookStore struct{ s *Store }

var _ interfaces.WebhookEventRepository = (*WebhookStore)(nil)

func (r *WebhookStore) Record(_ context.Context, evt *models.WebhookEvent) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(evt.Provider) + "|" + evt.DedupeKey
	if existing, ok := s.webhooks[key]; ok {
		existing.ReceivedCount++
		evt.ID, evt.ReceivedCount, evt.ReceivedAt = existing.ID, existing.ReceivedCount, existing.ReceivedAt
		return existing.ProcessedAt != nil && existing.ProcessError == nil, nil
	}

	s.nextWebhookID++
	c := *evt
	c.ID = s.nextWebhookID
	c.ReceivedCount = 1
	c.ReceivedAt = s.now()
	s.webhooks[key] = &c
	evt.ID, evt.ReceivedCount, evt.ReceivedAt = c.ID, c.ReceivedCount, c.ReceivedAt
	return false, nil
}

func (r *WebhookStore) MarkProcessed(_ context.Context, provider models.PaymentMethod, dedupeKey string, processErr error) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.webhooks[string(provider)+"|"+dedupeKey]
	if !ok {
		return interfaces.ErrNotFound
	}
	now := s.now()
	e.ProcessedAt = &now
	e.ProcessError = nil
	if processErr != nil {
		e.ProcessError = strPtr(processErr.Error())
	}
	return nil
}

// WebhookEvent returns the stored callback for provider and key.
func (s *Store) WebhookEvent(provider models.PaymentMethod, dedupeKey string) (models.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.webhooks[string(provider)+"|"+dedupeKey]
	if !ok {
		return models.WebhookEvent{}, false
	}
	return *e, true
}
