package providers

import (
	"strings"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

// CanonicalStatus is the four-valued vocabulary every provider maps into.
type CanonicalStatus string

const (
	StatusPending    CanonicalStatus = "PENDING"
	StatusSuccessful CanonicalStatus = "SUCCESSFUL"
	StatusFailed     CanonicalStatus = "FAILED"
	StatusProcessing CanonicalStatus = "PROCESSING"
)

// IsFinal reports whether the provider considers the transaction settled.
func (s CanonicalStatus) IsFinal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// PaymentStatus collapses PROCESSING into PENDING at the persistence boundary.
func (s CanonicalStatus) PaymentStatus() models.PaymentStatus {
	switch s {
	case StatusSuccessful:
		return models.PaymentPaid
	case StatusFailed:
		return models.PaymentFailed
	default:
		return models.PaymentPending
	}
}

// DisbursementStatus maps onto the payout lifecycle; a payout the provider
// has not settled yet is PROCESSING on our side.
func (s CanonicalStatus) DisbursementStatus() models.DisbursementStatus {
	switch s {
	case StatusSuccessful:
		return models.DisbursementSuccessful
	case StatusFailed:
		return models.DisbursementFailed
	default:
		return models.DisbursementProcessing
	}
}

// Vocabulary maps a provider's raw status strings, compared
// case-insensitively. Unknown values map to PENDING, never to success.
type Vocabulary map[string]CanonicalStatus

func (v Vocabulary) Map(raw string) CanonicalStatus {
	if s, ok := v[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusPending
}
