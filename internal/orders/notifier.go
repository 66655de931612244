// Package orders tells the order subsystem that an order has been paid.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

const SubjectPaymentSucceeded = "orders.payment.succeeded"

// Publisher sends one message. key identifies the message for downstream
// deduplication.
type Publisher interface {
	Publish(ctx context.Context, subject, key string, data []byte) error
}

// PaymentSucceeded is published once per settled order. EventID is stable
// across redeliveries of the same fact.
type PaymentSucceeded struct {
	EventID    int64     `json:"event_id"`
	OrderID    string    `json:"order_id"`
	PaymentID  string    `json:"payment_id"`
	PaymentRef string    `json:"payment_ref"`
	Status     string    `json:"status"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Method     string    `json:"method"`
	PaidAt     time.Time `json:"paid_at"`
}

type Notifier struct {
	publisher Publisher
}

func NewNotifier(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// PaymentSucceeded handles a payment.succeeded outbox event.
func (n *Notifier) PaymentSucceeded(ctx context.Context, evt models.OutboxEvent) error {
	var p models.PaymentStateChanged
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return fmt.Errorf("decode payment event %d: %w", evt.ID, err)
	}

	data, err := json.Marshal(PaymentSucceeded{
		EventID:    evt.ID,
		OrderID:    p.OrderID,
		PaymentID:  p.PaymentID,
		PaymentRef: p.Reference,
		Status:     string(p.State),
		Amount:     p.Amount,
		Currency:   p.Currency,
		Method:     string(p.Method),
		PaidAt:     p.Timestamp,
	})
	if err != nil {
		return err
	}

	if err := n.publisher.Publish(ctx, SubjectPaymentSucceeded, strconv.FormatInt(evt.ID, 10), data); err != nil {
		return fmt.Errorf("publish order confirmation: %w", err)
	}
	telemetry.Logger.Info("Order payment confirmed",
		zap.String("order_id", p.OrderID),
		zap.String("payment_ref", p.Reference),
		zap.Int64("event_id", evt.ID),
	)
	return nil
}

// NATSPublisher publishes on a core NATS connection. The key travels in the
// Nats-Msg-Id header, which only deduplicates when a JetStream stream covers
// the subject. Without one, the relay's per-handler record is what keeps a
// retried event from confirming an order twice.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) Publish(ctx context.Context, subject, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if key != "" {
		msg.Header.Set(nats.MsgIdHdr, key)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return err
	}
	return p.nc.FlushWithContext(ctx)
}
