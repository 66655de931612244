package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers/mtn"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers/paypack"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

// FakeAdapter implements providers.Adapter. Unset hooks succeed with a
// PENDING result and a fresh provider transaction id.
type FakeAdapter struct {
	mu sync.Mutex

	Method   models.PaymentMethod
	Carriers []validation.Carrier
	Bounds   validation.Bounds

	ProcessPaymentFunc func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error)
	ProcessPayoutFunc  func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error)
	GetStatusFunc      func(ctx context.Context, providerTxID string, kind providers.Kind) (*providers.Result, error)
	TestConnectionFunc func(ctx context.Context) error

	PaymentCalls []providers.TransferRequest
	PayoutCalls  []providers.TransferRequest
	StatusCalls  []string
}

var _ providers.Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter returns a fake that accepts the same carriers and amounts as
// the real adapter for method.
func NewFakeAdapter(method models.PaymentMethod) *FakeAdapter {
	f := &FakeAdapter{
		Method:   method,
		Carriers: []validation.Carrier{validation.CarrierMTN, validation.CarrierAirtel},
		Bounds:   validation.NewBounds(100, 5000000),
	}
	switch method {
	case models.MethodMTNMoMo:
		f.Carriers = []validation.Carrier{validation.CarrierMTN}
		f.Bounds = mtn.Bounds
	case models.MethodPaypack:
		f.Bounds = paypack.Bounds
	}
	return f
}

func (f *FakeAdapter) Name() models.PaymentMethod { return f.Method }

func (f *FakeAdapter) ValidateRecipient(phone string, amount decimal.Decimal) (validation.Phone, error) {
	p, err := validation.RequireCarrier(phone, f.Carriers...)
	if err != nil {
		return validation.Phone{}, err
	}
	if err := validation.CheckAmount(amount, f.Bounds); err != nil {
		return validation.Phone{}, err
	}
	return p, nil
}

func (f *FakeAdapter) ProcessPayment(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
	f.mu.Lock()
	f.PaymentCalls = append(f.PaymentCalls, req)
	fn := f.ProcessPaymentFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return pendingResult(), nil
}

func (f *FakeAdapter) ProcessPayout(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
	f.mu.Lock()
	f.PayoutCalls = append(f.PayoutCalls, req)
	fn := f.ProcessPayoutFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return pendingResult(), nil
}

func (f *FakeAdapter) GetStatus(ctx context.Context, providerTxID string, kind providers.Kind) (*providers.Result, error) {
	f.mu.Lock()
	f.StatusCalls = append(f.StatusCalls, providerTxID)
	fn := f.GetStatusFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, providerTxID, kind)
	}
	return &providers.Result{Success: true, ProviderTxID: providerTxID, Status: providers.StatusPending}, nil
}

func (f *FakeAdapter) TestConnection(ctx context.Context) error {
	if f.TestConnectionFunc != nil {
		return f.TestConnectionFunc(ctx)
	}
	return nil
}

// PayoutCount returns how many payouts were requested.
func (f *FakeAdapter) PayoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.PayoutCalls)
}

// PaymentCount returns how many collections were requested.
func (f *FakeAdapter) PaymentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.PaymentCalls)
}

func pendingResult() *providers.Result {
	return &providers.Result{Success: true, ProviderTxID: uuid.NewString(), Status: providers.StatusPending}
}

// Message is a captured publish.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// FakePublisher records messages published to Kafka or NATS.
type FakePublisher struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

func (p *FakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Messages = append(p.Messages, Message{Topic: topic, Key: key, Value: append([]byte(nil), value...)})
	return nil
}

// Topic returns messages published to topic.
func (p *FakePublisher) Topic(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
