package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DisbursementStatus string

const (
	DisbursementPending    DisbursementStatus = "PENDING"
	DisbursementApproved   DisbursementStatus = "APPROVED"
	DisbursementProcessing DisbursementStatus = "PROCESSING"
	DisbursementSuccessful DisbursementStatus = "SUCCESSFUL"
	DisbursementFailed     DisbursementStatus = "FAILED"
	DisbursementRejected   DisbursementStatus = "REJECTED"
	DisbursementCancelled  DisbursementStatus = "CANCELLED"
)

func (s DisbursementStatus) IsTerminal() bool {
	switch s {
	case DisbursementSuccessful, DisbursementFailed, DisbursementRejected, DisbursementCancelled:
		return true
	}
	return false
}

type DisbursementType string

const (
	TypeMerchantPayout DisbursementType = "MERCHANT_PAYOUT"
	TypeRefund         DisbursementType = "REFUND"
	TypeCommission     DisbursementType = "COMMISSION"
	TypeBonus          DisbursementType = "BONUS"
	TypeAdminPayout    DisbursementType = "ADMIN_PAYOUT"
)

func (t DisbursementType) Valid() bool {
	switch t {
	case TypeMerchantPayout, TypeRefund, TypeCommission, TypeBonus, TypeAdminPayout:
		return true
	}
	return false
}

type Disbursement struct {
	ID               string             `json:"id"`
	Type             DisbursementType   `json:"type"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         string             `json:"currency"`
	RecipientPhone   string             `json:"recipient_phone"`
	RecipientName    string             `json:"recipient_name"`
	Reference        string             `json:"reference"`
	Provider         PaymentMethod      `json:"provider"`
	ProviderTxID     *string            `json:"provider_tx_id,omitempty"`
	Status           DisbursementStatus `json:"status"`
	OrderID          *string            `json:"order_id,omitempty"`
	PaymentID        *string            `json:"payment_id,omitempty"`
	ScheduledFor     *time.Time         `json:"scheduled_for,omitempty"`
	RequiresApproval bool               `json:"requires_approval"`
	ApprovedBy       *string            `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time         `json:"approved_at,omitempty"`
	FailureReason    *string            `json:"failure_reason,omitempty"`
	Metadata         Metadata           `json:"metadata"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// DisbursementTransition is the disbursement counterpart of PaymentTransition.
// Optional pointer fields are only written when non-nil.
type DisbursementTransition struct {
	DisbursementID string
	From           DisbursementStatus
	To             DisbursementStatus
	ProviderTxID   *string
	FailureReason  *string
	ApprovedBy     *string
	ApprovedAt     *time.Time
	CompletedAt    *time.Time
	Metadata       Metadata
	Event          *OutboxEvent
}

// DisbursementFilter narrows List queries.
type DisbursementFilter struct {
	Status DisbursementStatus
	Type   DisbursementType
	Limit  int
	Offset int
}
