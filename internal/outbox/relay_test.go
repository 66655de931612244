package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/disbursement"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/lock"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/orders"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/payment"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/testutil"
)

type pipeline struct {
	store      *testutil.Store
	mtn        *testutil.FakeAdapter
	paypack    *testutil.FakeAdapter
	kafka      *testutil.FakePublisher
	nats       *testutil.FakePublisher
	payments   *payment.Service
	reconciler *reconcile.Reconciler
	relay      *Relay
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store := testutil.NewStore()
	mtn := testutil.NewFakeAdapter(models.MethodMTNMoMo)
	mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		return &providers.Result{Success: true, ProviderTxID: "mtn-ref-1", Status: providers.StatusPending}, nil
	}
	paypack := testutil.NewFakeAdapter(models.MethodPaypack)
	registry := providers.NewRegistry(mtn, paypack)
	updater := reconcile.NewStatusUpdater(store.Payments, store.Disbursements)
	authorizer := auth.NewStaticTokenAuthorizer("admin-token")

	disbursements := disbursement.NewService(store.Disbursements, registry, updater, lock.NewMemoryLocker(), authorizer,
		disbursement.Config{Provider: models.MethodPaypack, CommissionRate: decimal.RequireFromString("0.05")})

	p := &pipeline{
		store:      store,
		mtn:        mtn,
		paypack:    paypack,
		kafka:      &testutil.FakePublisher{},
		nats:       &testutil.FakePublisher{},
		payments:   payment.NewService(store.Payments, registry, updater, authorizer, payment.Config{}),
		reconciler: reconcile.NewReconciler(updater, store.Payments, store.Disbursements, store.Webhooks),
	}
	p.relay = NewRelay(store.Outbox, p.kafka, 10)
	p.relay.Handle(models.EventPaymentSucceeded, HandlerOrderConfirmation, orders.NewNotifier(p.nats).PaymentSucceeded)
	p.relay.Handle(models.EventPaymentSucceeded, HandlerMerchantPayout, MerchantPayout(disbursements, disbursement.ErrNoMerchant))
	return p
}

func (p *pipeline) pay(t *testing.T, merchantPhone string) *models.Payment {
	t.Helper()
	pay, err := p.payments.CreatePayment(context.Background(), payment.CreatePaymentInput{
		OrderID:       "order-1",
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(20000),
		Method:        models.MethodMTNMoMo,
		Phone:         "0781234567",
		MerchantPhone: merchantPhone,
		MerchantName:  "Kigali Books",
	})
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	return pay
}

func (p *pipeline) settle(t *testing.T, times int) {
	t.Helper()
	cb := reconcile.MTNCallback{ReferenceID: "mtn-ref-1", ExternalID: "x", Status: "SUCCESSFUL", FinancialTransactionID: "fin-1"}
	raw, _ := json.Marshal(cb)
	for i := 0; i < times; i++ {
		if _, err := p.reconciler.HandleMTN(context.Background(), cb, raw); err != nil {
			t.Fatalf("HandleMTN() error = %v", err)
		}
	}
}

func TestRelay_WebhookReplayYieldsOneConfirmationAndOnePayout(t *testing.T) {
	p := newPipeline(t)
	p.pay(t, "0721234567")
	p.settle(t, 5)

	for i := 0; i < 3; i++ {
		if _, err := p.relay.RelayOnce(context.Background()); err != nil {
			t.Fatalf("RelayOnce() error = %v", err)
		}
	}

	if n := len(p.nats.Topic(orders.SubjectPaymentSucceeded)); n != 1 {
		t.Errorf("order confirmations = %d, want 1", n)
	}
	if n := len(p.store.AllDisbursements()); n != 1 {
		t.Fatalf("disbursements = %d, want 1", n)
	}
	if n := p.paypack.PayoutCount(); n != 1 {
		t.Errorf("payout calls = %d, want 1", n)
	}

	payout := p.store.AllDisbursements()[0]
	if payout.Type != models.TypeMerchantPayout || !payout.Amount.Equal(decimal.NewFromInt(19000)) {
		t.Errorf("payout = %+v", payout)
	}

	msgs := p.kafka.Topic(TopicPaymentStateChanged)
	if len(msgs) != 1 {
		t.Fatalf("kafka messages = %d, want 1", len(msgs))
	}
	var env Envelope
	if err := json.Unmarshal(msgs[0].Value, &env); err != nil {
		t.Fatal(err)
	}
	if env.EventType != models.EventPaymentSucceeded || msgs[0].Key != env.AggregateID {
		t.Errorf("envelope = %+v key = %s", env, msgs[0].Key)
	}
}

func TestRelay_FailedPublishIsRetriedWithoutSecondPayout(t *testing.T) {
	p := newPipeline(t)
	p.pay(t, "0721234567")
	p.settle(t, 1)

	p.kafka.Err = errors.New("kafka: broker not available")
	published, err := p.relay.RelayOnce(context.Background())
	if err != nil || published != 0 {
		t.Fatalf("RelayOnce() = %d, %v", published, err)
	}
	events := p.store.OutboxEvents(models.EventPaymentSucceeded)
	if events[0].Attempts != 1 || events[0].LastError == nil || events[0].PublishedAt != nil {
		t.Errorf("event after failure = %+v", events[0])
	}

	p.kafka.Err = nil
	published, err = p.relay.RelayOnce(context.Background())
	if err != nil || published != 1 {
		t.Fatalf("RelayOnce() retry = %d, %v", published, err)
	}
	if n := len(p.store.AllDisbursements()); n != 1 {
		t.Errorf("disbursements = %d, want 1", n)
	}
	if n := p.paypack.PayoutCount(); n != 1 {
		t.Errorf("payout calls = %d, want 1", n)
	}
	if n := len(p.nats.Topic(orders.SubjectPaymentSucceeded)); n != 1 {
		t.Errorf("order confirmations = %d, want 1", n)
	}
	if got := p.store.OutboxEvents(models.EventPaymentSucceeded)[0].HandledBy; len(got) != 2 {
		t.Errorf("handled by = %v", got)
	}
}

func TestRelay_FailingHandlerIsRetriedAlone(t *testing.T) {
	p := newPipeline(t)
	p.pay(t, "0721234567")
	p.settle(t, 1)

	calls := 0
	p.relay.Handle(models.EventPaymentSucceeded, "flaky", func(ctx context.Context, evt models.OutboxEvent) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	if published, _ := p.relay.RelayOnce(context.Background()); published != 0 {
		t.Fatalf("published = %d, want 0", published)
	}
	if published, _ := p.relay.RelayOnce(context.Background()); published != 1 {
		t.Fatalf("published on retry = %d, want 1", published)
	}
	if calls != 2 {
		t.Errorf("flaky handler calls = %d, want 2", calls)
	}
	if n := len(p.nats.Topic(orders.SubjectPaymentSucceeded)); n != 1 {
		t.Errorf("order confirmations = %d, want 1", n)
	}
	if n := len(p.store.AllDisbursements()); n != 1 {
		t.Errorf("disbursements = %d, want 1", n)
	}
}

func TestRelay_PaymentWithoutMerchantIsAcknowledged(t *testing.T) {
	p := newPipeline(t)
	p.pay(t, "")
	p.settle(t, 1)

	published, err := p.relay.RelayOnce(context.Background())
	if err != nil || published != 1 {
		t.Fatalf("RelayOnce() = %d, %v", published, err)
	}
	if n := len(p.store.AllDisbursements()); n != 0 {
		t.Errorf("disbursements = %d, want 0", n)
	}
	if n := len(p.nats.Topic(orders.SubjectPaymentSucceeded)); n != 1 {
		t.Errorf("order confirmations = %d, want 1", n)
	}
}

func TestRelay_DisbursementEventsGoToTheirTopic(t *testing.T) {
	store := testutil.NewStore()
	kafka := &testutil.FakePublisher{}
	store.PutDisbursement(models.Disbursement{
		ID:        "d-1",
		Type:      models.TypeBonus,
		Amount:    decimal.NewFromInt(1000),
		Currency:  "RWF",
		Reference: "DSB-1",
		Provider:  models.MethodPaypack,
		Status:    models.DisbursementProcessing,
		Metadata:  models.Metadata{},
	})
	updater := reconcile.NewStatusUpdater(store.Payments, store.Disbursements)
	d, _ := store.Disbursements.GetByID(context.Background(), "d-1")
	if _, _, err := updater.ApplyDisbursementStatus(context.Background(), d, reconcile.DisbursementUpdate{
		To:     models.DisbursementSuccessful,
		Source: reconcile.SourceWebhook,
	}); err != nil {
		t.Fatal(err)
	}

	relay := NewRelay(store.Outbox, kafka, 0)
	if _, err := relay.RelayOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := kafka.Topic(TopicDisbursementStateChanged)
	if len(msgs) != 1 || msgs[0].Key != "d-1" {
		t.Errorf("messages = %+v", kafka.Messages)
	}
}
