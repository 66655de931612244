package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers/paypack"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

const maxWebhookBody = 1 << 20

// SignatureVerifier checks a webhook body against its signature header.
type SignatureVerifier func(body []byte, signature string) bool

// WebhookHandler acknowledges every well-signed callback with 200 so the
// provider stops redelivering; processing problems are logged.
type WebhookHandler struct {
	reconciler    *reconcile.Reconciler
	verifyPaypack SignatureVerifier
}

func NewWebhookHandler(reconciler *reconcile.Reconciler, verifyPaypack SignatureVerifier) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, verifyPaypack: verifyPaypack}
}

func (h *WebhookHandler) MTN(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		ack(c)
		return
	}

	var cb reconcile.MTNCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		telemetry.Logger.Warn("Malformed MTN callback", zap.Error(err))
		telemetry.WebhooksReceived.WithLabelValues(string(models.MethodMTNMoMo), string(reconcile.OutcomeInvalid)).Inc()
		ack(c)
		return
	}

	outcome, err := h.reconciler.HandleMTN(c.Request.Context(), cb, body)
	logOutcome(models.MethodMTNMoMo, outcome, err)
	ack(c)
}

func (h *WebhookHandler) Paypack(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		ack(c)
		return
	}

	if h.verifyPaypack != nil && !h.verifyPaypack(body, c.GetHeader(paypack.SignatureHeader)) {
		telemetry.Logger.Warn("Rejected Paypack callback with invalid signature", zap.String("client_ip", c.ClientIP()))
		telemetry.WebhooksReceived.WithLabelValues(string(models.MethodPaypack), "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var cb reconcile.PaypackCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		telemetry.Logger.Warn("Malformed Paypack callback", zap.Error(err))
		telemetry.WebhooksReceived.WithLabelValues(string(models.MethodPaypack), string(reconcile.OutcomeInvalid)).Inc()
		ack(c)
		return
	}

	outcome, err := h.reconciler.HandlePaypack(c.Request.Context(), cb, body)
	logOutcome(models.MethodPaypack, outcome, err)
	ack(c)
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		telemetry.Logger.Warn("Failed to read webhook body", zap.String("path", c.FullPath()), zap.Error(err))
	}
	return body, err
}

func logOutcome(provider models.PaymentMethod, outcome reconcile.Outcome, err error) {
	if err != nil {
		telemetry.Logger.Error("Webhook processing failed",
			zap.String("provider", string(provider)),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return
	}
	telemetry.Logger.Debug("Webhook processed",
		zap.String("provider", string(provider)),
		zap.String("outcome", string(outcome)),
	)
}

func ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"received": true})
}
