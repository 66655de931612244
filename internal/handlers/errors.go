package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/disbursement"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/payment"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

var badRequest = []error{
	validation.ErrInvalidInput,
	validation.ErrInvalidPhone,
	validation.ErrUnsupportedCarrier,
	validation.ErrInvalidAmount,
	validation.ErrAmountOutOfRange,
	validation.ErrUnsupportedCurrency,
	providers.ErrUnknownProvider,
}

var conflict = []error{
	payment.ErrAlreadyPaid,
	payment.ErrInvalidTransition,
	disbursement.ErrInvalidTransition,
	disbursement.ErrApprovalRequired,
	disbursement.ErrConcurrentUpdate,
}

func statusFor(err error) int {
	switch {
	case isAny(err, badRequest):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, disbursement.ErrNotFound):
		return http.StatusNotFound
	case isAny(err, conflict):
		return http.StatusConflict
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, payment.ErrPaymentFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondError writes {"error": ...}. Internal errors are logged and their
// text is not exposed.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		telemetry.Logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
