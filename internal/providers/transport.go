package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

const maxResponseBytes = 1 << 20

// Transport executes provider HTTP calls with a bound on outstanding
// requests, tracing and latency metrics.
type Transport struct {
	provider models.PaymentMethod
	client   *http.Client
	sem      *semaphore.Weighted
	tracer   trace.Tracer
}

func NewTransport(provider models.PaymentMethod, client *http.Client, maxConcurrent int64) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Transport{
		provider: provider,
		client:   client,
		sem:      semaphore.NewWeighted(maxConcurrent),
		tracer:   telemetry.Tracer("providers/" + string(provider)),
	}
}

// Do sends req and returns the status code and body. Transport-level failures
// come back as retryable *Error values; HTTP status handling is left to the
// caller.
func (t *Transport) Do(ctx context.Context, op string, req *http.Request) (int, []byte, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, &Error{Provider: t.provider, Op: op, Category: CategoryNetwork, Retryable: true, Err: err}
	}
	defer t.sem.Release(1)

	ctx, span := t.tracer.Start(ctx, string(t.provider)+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", string(t.provider)),
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.Path),
		),
	)
	defer span.End()

	start := time.Now()
	outcome := "ok"
	defer func() {
		telemetry.ProviderRequestDuration.
			WithLabelValues(string(t.provider), op, outcome).
			Observe(time.Since(start).Seconds())
	}()

	resp, err := t.client.Do(req.WithContext(ctx))
	if err != nil {
		outcome = "network_error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		telemetry.Logger.Warn("Provider request failed",
			zap.String("provider", string(t.provider)),
			zap.String("op", op),
			zap.Error(err),
		)
		return 0, nil, &Error{Provider: t.provider, Op: op, Category: CategoryNetwork, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		outcome = "read_error"
		span.RecordError(err)
		return resp.StatusCode, nil, &Error{Provider: t.provider, Op: op, HTTPStatus: resp.StatusCode,
			Category: CategoryNetwork, Retryable: true, Err: fmt.Errorf("read body: %w", err)}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		outcome = fmt.Sprintf("http_%d", resp.StatusCode)
		span.SetStatus(codes.Error, outcome)
	}
	return resp.StatusCode, body, nil
}
