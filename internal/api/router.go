package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/disbursement"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/handlers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/middleware"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/payment"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

type Dependencies struct {
	Payments      *payment.Service
	Disbursements *disbursement.Service
	Reconciler    *reconcile.Reconciler
	Authorizer    auth.Authorizer
	Cache         middleware.ResponseCache
	VerifyPaypack handlers.SignatureVerifier
}

func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())
	r.Use(middleware.RequestLogger())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "momo-orchestrator"})
	})

	idempotent := middleware.IdempotencyMiddleware(deps.Cache)
	requireAdmin := middleware.RequireAdmin(deps.Authorizer)
	admin := r.Group("/admin", requireAdmin)

	paymentHandler := handlers.NewPaymentHandler(deps.Payments)
	payments := r.Group("/payments")
	{
		payments.POST("", idempotent, paymentHandler.CreatePayment)
		payments.GET("/verify/:ref", paymentHandler.VerifyPayment)
		payments.GET("/:id", paymentHandler.GetPayment)
		payments.POST("/:id/retry", idempotent, paymentHandler.RetryPayment)
	}
	admin.POST("/payments/:id/confirm", paymentHandler.ConfirmPayment)
	r.GET("/providers/:method/health", paymentHandler.ProviderHealth)

	disbursementHandler := handlers.NewDisbursementHandler(deps.Disbursements)
	disbursements := r.Group("/disbursements")
	{
		// Money-out writes authenticate before the idempotency cache so a
		// stored response is never replayed to an unauthenticated caller.
		disbursements.POST("", requireAdmin, idempotent, disbursementHandler.Create)
		disbursements.POST("/bulk", requireAdmin, idempotent, disbursementHandler.BulkCreate)
		disbursements.GET("", disbursementHandler.List)
		disbursements.GET("/:id", disbursementHandler.Get)
		disbursements.POST("/:id/process", requireAdmin, disbursementHandler.Process)
		disbursements.POST("/:id/retry", requireAdmin, idempotent, disbursementHandler.Retry)
	}
	admin.POST("/disbursements/:id/approve", disbursementHandler.Approve)
	admin.POST("/disbursements/:id/reject", disbursementHandler.Reject)
	admin.POST("/disbursements/:id/cancel", disbursementHandler.Cancel)

	webhookHandler := handlers.NewWebhookHandler(deps.Reconciler, deps.VerifyPaypack)
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/mtn", webhookHandler.MTN)
		webhooks.POST("/paypack", webhookHandler.Paypack)
	}

	return r
}
