package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

type ErrorCategory string

const (
	CategoryAuthentication    ErrorCategory = "authentication"
	CategoryValidation        ErrorCategory = "validation"
	CategoryInsufficientFunds ErrorCategory = "insufficient_funds"
	CategoryInvalidAccount    ErrorCategory = "invalid_account"
	CategoryRateLimited       ErrorCategory = "rate_limited"
	CategoryUnavailable       ErrorCategory = "unavailable"
	CategoryMalformed         ErrorCategory = "malformed_response"
	CategoryNetwork           ErrorCategory = "network"
	CategoryDeclined          ErrorCategory = "declined"
	CategoryExpired           ErrorCategory = "expired"
	CategoryUnknown           ErrorCategory = "unknown"
)

var userMessages = map[ErrorCategory]string{
	CategoryAuthentication:    "The payment provider could not authenticate the request. Please try again later.",
	CategoryValidation:        "The payment request was rejected by the provider. Please check the details and try again.",
	CategoryInsufficientFunds: "Insufficient funds in the mobile money account.",
	CategoryInvalidAccount:    "The mobile money account is invalid or not registered.",
	CategoryRateLimited:       "The payment provider is busy. Please try again shortly.",
	CategoryUnavailable:       "The payment provider is temporarily unavailable. Please try again shortly.",
	CategoryMalformed:         "The payment provider returned an unexpected response.",
	CategoryNetwork:           "Could not reach the payment provider. Please try again shortly.",
	CategoryDeclined:          "The transaction was declined.",
	CategoryExpired:           "The transaction was not approved in time.",
	CategoryUnknown:           "The transaction could not be completed.",
}

// UserMessage returns end-user copy for a category.
func (c ErrorCategory) UserMessage() string {
	if m, ok := userMessages[c]; ok {
		return m
	}
	return userMessages[CategoryUnknown]
}

// Error is returned by adapters for any failed provider interaction. Message
// holds the provider's raw text and must not be shown to end users.
type Error struct {
	Provider   models.PaymentMethod
	Op         string
	HTTPStatus int
	Category   ErrorCategory
	Retryable  bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Category)
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.HTTPStatus)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) UserMessage() string { return e.Category.UserMessage() }

// FromHTTP classifies a non-2xx provider response.
func FromHTTP(provider models.PaymentMethod, op string, status int, body []byte) *Error {
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	e := &Error{Provider: provider, Op: op, HTTPStatus: status, Message: text}

	switch {
	case status == http.StatusTooManyRequests:
		e.Category, e.Retryable = CategoryRateLimited, true
	case status >= 500:
		e.Category, e.Retryable = CategoryUnavailable, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Category = CategoryAuthentication
	default:
		e.Category = CategorizeReason(text)
		if e.Category == CategoryUnknown {
			e.Category = CategoryValidation
		}
	}
	return e
}

// Malformed builds the fail-closed error for unparseable responses.
func Malformed(provider models.PaymentMethod, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Category: CategoryMalformed, Err: err}
}

// CategorizeReason maps provider reason codes and messages onto a category.
func CategorizeReason(reason string) ErrorCategory {
	r := strings.ToLower(reason)
	switch {
	case r == "":
		return CategoryUnknown
	case strings.Contains(r, "insufficient") || strings.Contains(r, "not_enough_funds") ||
		strings.Contains(r, "not enough funds") || strings.Contains(r, "balance"):
		return CategoryInsufficientFunds
	case strings.Contains(r, "payer_not_found") || strings.Contains(r, "payee_not_found") ||
		strings.Contains(r, "invalid account") || strings.Contains(r, "not registered") ||
		strings.Contains(r, "account_not_found") || strings.Contains(r, "invalid number"):
		return CategoryInvalidAccount
	case strings.Contains(r, "expired") || strings.Contains(r, "timeout") || strings.Contains(r, "timed out"):
		return CategoryExpired
	case strings.Contains(r, "rejected") || strings.Contains(r, "declined") || strings.Contains(r, "not_allowed") ||
		strings.Contains(r, "cancel"):
		return CategoryDeclined
	case strings.Contains(r, "unauthor") || strings.Contains(r, "credential"):
		return CategoryAuthentication
	}
	return CategoryUnknown
}

// AsError extracts a provider error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether a retry through the client-facing retry
// operations is worthwhile.
func IsRetryable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Retryable
	}
	return false
}

// UserMessage returns end-user copy for any adapter error.
func UserMessage(err error) string {
	if pe, ok := AsError(err); ok {
		return pe.UserMessage()
	}
	return CategoryUnknown.UserMessage()
}
