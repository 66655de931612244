package models

import (
	"encoding/json"
	"time"
)

const (
	AggregatePayment      = "payment"
	AggregateDisbursement = "disbursement"

	EventPaymentSucceeded      = "payment.succeeded"
	EventPaymentFailed         = "payment.failed"
	EventDisbursementSucceeded = "disbursement.succeeded"
	EventDisbursementFailed    = "disbursement.failed"
)

// OutboxEvent is a fact persisted in the same transaction as the status
// change that produced it, then relayed asynchronously.
type OutboxEvent struct {
	ID            int64           `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	HandledBy     []string        `json:"handled_by,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// Handled reports whether the named handler already completed for this event.
func (e OutboxEvent) Handled(handler string) bool {
	for _, h := range e.HandledBy {
		if h == handler {
			return true
		}
	}
	return false
}

// PaymentStateChanged is the payload of payment.* events.
type PaymentStateChanged struct {
	PaymentID     string        `json:"payment_id"`
	Reference     string        `json:"reference"`
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	Method        PaymentMethod `json:"method"`
	State         PaymentStatus `json:"state"`
	PreviousState PaymentStatus `json:"previous_state"`
	MerchantPhone string        `json:"merchant_phone,omitempty"`
	MerchantName  string        `json:"merchant_name,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// DisbursementStateChanged is the payload of disbursement.* events.
type DisbursementStateChanged struct {
	DisbursementID string             `json:"disbursement_id"`
	Reference      string             `json:"reference"`
	Type           DisbursementType   `json:"type"`
	OrderID        string             `json:"order_id,omitempty"`
	Amount         string             `json:"amount"`
	Currency       string             `json:"currency"`
	State          DisbursementStatus `json:"state"`
	PreviousState  DisbursementStatus `json:"previous_state"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// WebhookEvent is the raw audit record of a provider callback.
type WebhookEvent struct {
	ID            int64           `json:"id"`
	Provider      PaymentMethod   `json:"provider"`
	DedupeKey     string          `json:"dedupe_key"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedCount int             `json:"received_count"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	ProcessError  *string         `json:"process_error,omitempty"`
}
