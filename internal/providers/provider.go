// Package providers defines the contract every mobile-money network adapter
// implements, along with the shared pieces adapters are built from: the
// canonical status vocabulary, the error taxonomy, the token cache and the
// instrumented HTTP transport.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Kind selects which side of a provider a transaction lives on.
type Kind string

const (
	KindCollection Kind = "collection"
	KindPayout     Kind = "payout"
)

// TransferRequest is a single money movement. Reference is the
// caller-chosen idempotency token.
type TransferRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Phone       validation.Phone
	Description string
}

// Result is the normalised response of an adapter call.
type Result struct {
	Success      bool
	ProviderTxID string
	Status       CanonicalStatus
	Message      string
	Reason       string
	Raw          json.RawMessage
}

type Adapter interface {
	Name() models.PaymentMethod
	// ValidateRecipient normalises the phone for this network and checks the
	// amount against the network's limits.
	ValidateRecipient(phone string, amount decimal.Decimal) (validation.Phone, error)
	ProcessPayment(ctx context.Context, req TransferRequest) (*Result, error)
	ProcessPayout(ctx context.Context, req TransferRequest) (*Result, error)
	GetStatus(ctx context.Context, providerTxID string, kind Kind) (*Result, error)
	TestConnection(ctx context.Context) error
}

// Registry resolves adapters by payment method.
type Registry map[models.PaymentMethod]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}

func (r Registry) Get(method models.PaymentMethod) (Adapter, error) {
	a, ok := r[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, method)
	}
	return a, nil
}
