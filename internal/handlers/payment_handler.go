package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/middleware"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/payment"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

type PaymentHandler struct {
	svc *payment.Service
}

func NewPaymentHandler(svc *payment.Service) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

type retryPaymentRequest struct {
	Phone string `json:"phone"`
}

type confirmPaymentRequest struct {
	Status models.PaymentStatus `json:"status" binding:"required"`
	Note   string               `json:"note"`
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req payment.CreatePaymentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid payment request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	telemetry.Logger.Info("Creating payment",
		zap.String("order_id", req.OrderID),
		zap.String("method", string(req.Method)),
		zap.String("amount", req.Amount.String()),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)

	p, err := h.svc.CreatePayment(ctx, req)
	if errors.Is(err, payment.ErrPaymentFailed) && p != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "payment": p})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.svc.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	res, err := h.svc.VerifyPayment(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) RetryPayment(c *gin.Context) {
	var req retryPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	p, err := h.svc.RetryPayment(c.Request.Context(), c.Param("id"), req.Phone)
	if errors.Is(err, payment.ErrPaymentFailed) && p != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "payment": p})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *PaymentHandler) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.svc.AdminConfirmPayment(c.Request.Context(), middleware.Principal(c), c.Param("id"), req.Status, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ProviderHealth runs the adapter's connectivity check.
func (h *PaymentHandler) ProviderHealth(c *gin.Context) {
	method := models.PaymentMethod(strings.ToUpper(c.Param("method")))
	if err := h.svc.TestProvider(c.Request.Context(), method); err != nil {
		if statusFor(err) == http.StatusBadRequest {
			respondError(c, err)
			return
		}
		telemetry.Logger.Warn("Provider health check failed", zap.String("provider", string(method)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"provider": method, "healthy": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": method, "healthy": true})
}
