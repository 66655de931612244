package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

type PaymentMethod string

const (
	MethodMTNMoMo PaymentMethod = "MTN_MOMO"
	MethodPaypack PaymentMethod = "PAYPACK"
	MethodCash    PaymentMethod = "CASH"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMTNMoMo, MethodPaypack, MethodCash:
		return true
	}
	return false
}

// Metadata keys shared by payments and disbursements.
const (
	MetaPhone             = "phone"
	MetaOrderID           = "orderId"
	MetaOriginalReference = "originalReference"
	MetaPreviousReference = "previousReference"
	MetaProviderResponse  = "providerResponse"
	MetaProviderError     = "providerError"
	MetaErrorCategory     = "errorCategory"
	MetaMerchantPhone     = "merchantPhone"
	MetaMerchantName      = "merchantName"
	MetaConfirmedBy       = "confirmedBy"
	MetaConfirmNote       = "confirmNote"
	MetaStatusSource      = "statusSource"
	MetaFinancialTxID     = "financialTransactionId"
	MetaPreviousID        = "previousDisbursementId"
	MetaPaymentReference  = "paymentReference"
	MetaProviderLimit     = "providerLimitExceeded"
)

type Payment struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        PaymentMethod   `json:"method"`
	Reference     string          `json:"reference"`
	ProviderTxID  *string         `json:"provider_tx_id,omitempty"`
	Status        PaymentStatus   `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	Metadata      Metadata        `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PaymentTransition describes a compare-and-swap status change. The change
// only applies when the stored status still equals From.
type PaymentTransition struct {
	PaymentID     string
	From          PaymentStatus
	To            PaymentStatus
	FailureReason *string
	Metadata      Metadata
	Event         *OutboxEvent
}
