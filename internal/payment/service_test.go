package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/testutil"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

type fixture struct {
	store *testutil.Store
	mtn   *testutil.FakeAdapter
	svc   *Service
	admin auth.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore()
	mtn := testutil.NewFakeAdapter(models.MethodMTNMoMo)
	mtn.Carriers = []validation.Carrier{validation.CarrierMTN}
	updater := reconcile.NewStatusUpdater(store.Payments, store.Disbursements)
	authorizer := auth.NewStaticTokenAuthorizer("admin-token")
	admin, err := authorizer.Authenticate(context.Background(), "admin-token")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store: store,
		mtn:   mtn,
		svc:   NewService(store.Payments, providers.NewRegistry(mtn), updater, authorizer, Config{Currencies: []string{"RWF"}}),
		admin: admin,
	}
}

func validInput() CreatePaymentInput {
	return CreatePaymentInput{
		OrderID:       "order-1",
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(5000),
		Method:        models.MethodMTNMoMo,
		Phone:         "0781234567",
		MerchantPhone: "0788000000",
		MerchantName:  "Kigali Books",
	}
}

func TestCreatePayment_AttachesProviderTxAndKeepsReference(t *testing.T) {
	f := newFixture(t)
	f.mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		if req.Phone.MSISDN != "250781234567" {
			t.Errorf("phone = %+v", req.Phone)
		}
		return &providers.Result{Success: true, ProviderTxID: "mtn-tx-1", Status: providers.StatusPending, Message: "accepted"}, nil
	}

	p, err := f.svc.CreatePayment(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if p.Status != models.PaymentPending || p.Currency != "RWF" {
		t.Errorf("payment = %+v", p)
	}

	stored, _ := f.store.Payments.GetByID(context.Background(), p.ID)
	if stored.ProviderTxID == nil || *stored.ProviderTxID != "mtn-tx-1" {
		t.Errorf("provider tx id = %v", stored.ProviderTxID)
	}
	if stored.Reference != p.Reference || stored.Metadata.String(models.MetaOriginalReference) != p.Reference {
		t.Errorf("reference changed: %s vs %v", stored.Reference, stored.Metadata)
	}
	if stored.Metadata.String(models.MetaPhone) != "MTN:250781234567" {
		t.Errorf("phone metadata = %v", stored.Metadata[models.MetaPhone])
	}
}

func TestCreatePayment_SynchronousFailureIsPersisted(t *testing.T) {
	f := newFixture(t)
	f.mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		return nil, providers.FromHTTP(models.MethodMTNMoMo, "requesttopay", 400, []byte(`{"code":"PAYER_NOT_FOUND"}`))
	}

	p, err := f.svc.CreatePayment(context.Background(), validInput())
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("error = %v, want ErrPaymentFailed", err)
	}
	if pe, ok := providers.AsError(err); !ok || pe.Category != providers.CategoryInvalidAccount {
		t.Errorf("provider error not wrapped: %v", err)
	}
	if p == nil || p.Status != models.PaymentFailed {
		t.Fatalf("payment = %+v, want FAILED", p)
	}

	all := f.store.AllPayments()
	if len(all) != 1 || all[0].Status != models.PaymentFailed {
		t.Fatalf("stored payments = %+v", all)
	}
	if *all[0].FailureReason != providers.CategoryInvalidAccount.UserMessage() {
		t.Errorf("failure reason = %q", *all[0].FailureReason)
	}
	if all[0].Metadata.String(models.MetaProviderError) == "" {
		t.Error("raw provider error missing from metadata")
	}
}

func TestCreatePayment_ValidationRejectsWithoutRecord(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreatePaymentInput)
		want   error
	}{
		{"airtel phone for mtn", func(in *CreatePaymentInput) { in.Phone = "0721234567" }, validation.ErrUnsupportedCarrier},
		{"bad phone", func(in *CreatePaymentInput) { in.Phone = "12345" }, validation.ErrInvalidPhone},
		{"amount too large", func(in *CreatePaymentInput) { in.Amount = decimal.NewFromInt(5000001) }, validation.ErrAmountOutOfRange},
		{"negative amount", func(in *CreatePaymentInput) { in.Amount = decimal.NewFromInt(-1) }, validation.ErrInvalidAmount},
		{"currency", func(in *CreatePaymentInput) { in.Currency = "USD" }, validation.ErrUnsupportedCurrency},
		{"missing order", func(in *CreatePaymentInput) { in.OrderID = "" }, validation.ErrInvalidInput},
		{"unknown method", func(in *CreatePaymentInput) { in.Method = "VISA" }, validation.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := validInput()
			tt.mutate(&in)

			_, err := f.svc.CreatePayment(context.Background(), in)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if n := len(f.store.AllPayments()); n != 0 {
				t.Errorf("payments stored = %d, want 0", n)
			}
		})
	}
}

func TestCreatePayment_CashSkipsProvider(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	in.Method = models.MethodCash
	in.Phone = ""

	p, err := f.svc.CreatePayment(context.Background(), in)
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if p.Status != models.PaymentPending || p.ProviderTxID != nil {
		t.Errorf("payment = %+v", p)
	}
	if f.mtn.PaymentCount() != 0 {
		t.Error("provider called for cash payment")
	}
}

func TestCreatePayment_RejectsPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePayment(ctx, validInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AdminConfirmPayment(ctx, f.admin, p.ID, models.PaymentPaid, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.CreatePayment(ctx, validInput()); !errors.Is(err, ErrAlreadyPaid) {
		t.Errorf("error = %v, want ErrAlreadyPaid", err)
	}
}

func TestRetryPayment_MintsNewRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0
	f.mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		calls++
		if calls == 1 {
			return nil, providers.FromHTTP(models.MethodMTNMoMo, "requesttopay", 503, nil)
		}
		return &providers.Result{Success: true, ProviderTxID: "mtn-tx-2", Status: providers.StatusPending}, nil
	}

	first, err := f.svc.CreatePayment(ctx, validInput())
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("first attempt error = %v", err)
	}
	if !providers.IsRetryable(err) {
		t.Error("503 should be retryable")
	}

	second, err := f.svc.RetryPayment(ctx, first.ID, "")
	if err != nil {
		t.Fatalf("RetryPayment() error = %v", err)
	}
	if second.ID == first.ID || second.Reference == first.Reference {
		t.Errorf("retry reused identity: %s/%s", second.ID, second.Reference)
	}
	if second.Metadata.String(models.MetaPreviousReference) != first.Reference {
		t.Errorf("previousReference = %v", second.Metadata[models.MetaPreviousReference])
	}
	if second.Metadata.String(models.MetaMerchantPhone) != "0788000000" {
		t.Error("merchant details not carried over")
	}

	original, _ := f.store.Payments.GetByID(ctx, first.ID)
	if original.Status != models.PaymentFailed || original.Reference != first.Reference {
		t.Errorf("original mutated: %+v", original)
	}
	if n := len(f.store.AllPayments()); n != 2 {
		t.Errorf("payments = %d, want 2", n)
	}
}

func TestRetryPayment_RejectsPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, _ := f.svc.CreatePayment(ctx, validInput())
	if _, err := f.svc.AdminConfirmPayment(ctx, f.admin, p.ID, models.PaymentPaid, "cash at door"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RetryPayment(ctx, p.ID, ""); !errors.Is(err, ErrAlreadyPaid) {
		t.Errorf("error = %v, want ErrAlreadyPaid", err)
	}
	if _, err := f.svc.RetryPayment(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestVerifyPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		return &providers.Result{Success: true, ProviderTxID: "mtn-tx-9", Status: providers.StatusPending}, nil
	}

	res, err := f.svc.VerifyPayment(ctx, "PAY-NOPE")
	if err != nil {
		t.Fatal(err)
	}
	if res.IsValid || res.FailureReason != ErrNotFound.Error() {
		t.Errorf("missing result = %+v", res)
	}

	p, _ := f.svc.CreatePayment(ctx, validInput())
	res, _ = f.svc.VerifyPayment(ctx, p.Reference)
	if res.IsValid || res.Status != models.PaymentPending || res.PaymentID != p.ID {
		t.Errorf("pending result = %+v", res)
	}

	if _, err := f.svc.AdminConfirmPayment(ctx, f.admin, p.ID, models.PaymentPaid, ""); err != nil {
		t.Fatal(err)
	}
	res, _ = f.svc.VerifyPayment(ctx, "mtn-tx-9")
	if !res.IsValid || res.Reference != p.Reference {
		t.Errorf("paid result by provider id = %+v", res)
	}
}

func TestAdminConfirmPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.svc.CreatePayment(ctx, validInput())

	if _, err := f.svc.AdminConfirmPayment(ctx, auth.Principal{ID: "support"}, p.ID, models.PaymentPaid, ""); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("unauthorised error = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.AdminConfirmPayment(ctx, f.admin, p.ID, models.PaymentPending, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("target PENDING error = %v, want ErrInvalidTransition", err)
	}

	updated, err := f.svc.AdminConfirmPayment(ctx, f.admin, p.ID, models.PaymentPaid, "paid at counter")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.PaymentPaid || updated.Metadata.String(models.MetaConfirmedBy) != "admin" {
		t.Errorf("updated = %+v", updated)
	}
	if n := len(f.store.OutboxEvents(models.EventPaymentSucceeded)); n != 1 {
		t.Errorf("payment.succeeded events = %d, want 1", n)
	}

	if _, err := f.svc.AdminConfirmPayment(ctx, f.admin, p.ID, models.PaymentFailed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal payment error = %v, want ErrInvalidTransition", err)
	}
}

func TestCreatePayment_SynchronousSuccess(t *testing.T) {
	f := newFixture(t)
	f.mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		return &providers.Result{Success: true, ProviderTxID: "mtn-tx-3", Status: providers.StatusSuccessful}, nil
	}

	p, err := f.svc.CreatePayment(context.Background(), validInput())
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PaymentPaid {
		t.Errorf("status = %s, want PAID", p.Status)
	}
	if n := len(f.store.OutboxEvents(models.EventPaymentSucceeded)); n != 1 {
		t.Errorf("payment.succeeded events = %d, want 1", n)
	}
}
