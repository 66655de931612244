package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/disbursement"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/lock"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/middleware"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/payment"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, middleware.ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type server struct {
	store   *testutil.Store
	mtn     *testutil.FakeAdapter
	paypack *testutil.FakeAdapter
	router  *gin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := testutil.NewStore()
	mtn := testutil.NewFakeAdapter(models.MethodMTNMoMo)
	paypack := testutil.NewFakeAdapter(models.MethodPaypack)
	registry := providers.NewRegistry(mtn, paypack)
	updater := reconcile.NewStatusUpdater(store.Payments, store.Disbursements)
	authorizer := auth.NewStaticTokenAuthorizer("s3cret")

	router := NewRouter(Dependencies{
		Payments: payment.NewService(store.Payments, registry, updater, authorizer, payment.Config{}),
		Disbursements: disbursement.NewService(store.Disbursements, registry, updater, lock.NewMemoryLocker(), authorizer,
			disbursement.Config{Provider: models.MethodPaypack, CommissionRate: decimal.RequireFromString("0.05")}),
		Reconciler:    reconcile.NewReconciler(updater, store.Payments, store.Disbursements, store.Webhooks),
		Authorizer:    authorizer,
		Cache:         &memoryCache{data: make(map[string][]byte)},
		VerifyPaypack: func(body []byte, signature string) bool { return signature == "valid" },
	})
	return &server{store: store, mtn: mtn, paypack: paypack, router: router}
}

func (s *server) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

var paymentBody = map[string]any{
	"order_id":       "order-1",
	"user_id":        "user-1",
	"amount":         5000,
	"method":         "MTN_MOMO",
	"phone":          "0781234567",
	"merchant_phone": "0721234567",
}

var adminHeaders = map[string]string{"Authorization": "Bearer s3cret"}

func TestHealth(t *testing.T) {
	s := newServer(t)
	w := s.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCreatePayment_IdempotencyKeyReplaysResponse(t *testing.T) {
	s := newServer(t)
	headers := map[string]string{"Idempotency-Key": "order-1-attempt-1"}

	first := s.do(http.MethodPost, "/payments", paymentBody, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", first.Code, first.Body)
	}
	second := s.do(http.MethodPost, "/payments", paymentBody, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get(middleware.ReplayedHeader) != "true" {
		t.Error("replay header missing")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body, second.Body)
	}
	if n := len(s.store.AllPayments()); n != 1 {
		t.Errorf("payments = %d, want 1", n)
	}
	if n := s.mtn.PaymentCount(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestCreatePayment_Errors(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"invalid phone", map[string]any{"order_id": "o", "user_id": "u", "amount": 5000, "method": "MTN_MOMO", "phone": "123"}, http.StatusBadRequest},
		{"unknown method", map[string]any{"order_id": "o", "user_id": "u", "amount": 5000, "method": "VISA", "phone": "0781234567"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(http.MethodPost, "/payments", tt.body, nil); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestCreatePayment_ProviderFailureReturnsRecord(t *testing.T) {
	s := newServer(t)
	s.mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		return nil, errors.New("connection refused")
	}

	w := s.do(http.MethodPost, "/payments", paymentBody, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[struct {
		Error   string         `json:"error"`
		Payment models.Payment `json:"payment"`
	}](t, w)
	if body.Payment.Status != models.PaymentFailed || body.Error == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestGetAndVerifyPayment(t *testing.T) {
	s := newServer(t)
	created := decode[models.Payment](t, s.do(http.MethodPost, "/payments", paymentBody, nil))

	if w := s.do(http.MethodGet, "/payments/"+created.ID, nil, nil); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/payments/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", w.Code)
	}

	res := decode[payment.VerifyResult](t, s.do(http.MethodGet, "/payments/verify/"+created.Reference, nil, nil))
	if res.IsValid || res.Status != models.PaymentPending {
		t.Errorf("verify = %+v", res)
	}
}

func TestAdminConfirm_RequiresToken(t *testing.T) {
	s := newServer(t)
	body := map[string]any{"order_id": "order-cash", "user_id": "u", "amount": 5000, "method": "CASH"}
	created := decode[models.Payment](t, s.do(http.MethodPost, "/payments", body, nil))
	path := "/admin/payments/" + created.ID + "/confirm"

	if w := s.do(http.MethodPost, path, map[string]string{"status": "PAID"}, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, path, map[string]string{"status": "PAID"}, map[string]string{"X-Admin-Token": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", w.Code)
	}

	w := s.do(http.MethodPost, path, map[string]string{"status": "PAID", "note": "cash on delivery"}, adminHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if p := decode[models.Payment](t, w); p.Status != models.PaymentPaid {
		t.Errorf("status = %s", p.Status)
	}

	if w := s.do(http.MethodPost, path, map[string]string{"status": "FAILED"}, adminHeaders); w.Code != http.StatusConflict {
		t.Errorf("second confirm status = %d", w.Code)
	}
}

func TestWebhooks(t *testing.T) {
	s := newServer(t)
	s.mtn.ProcessPaymentFunc = func(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
		return &providers.Result{Success: true, ProviderTxID: "mtn-ref-9", Status: providers.StatusPending}, nil
	}
	created := decode[models.Payment](t, s.do(http.MethodPost, "/payments", paymentBody, nil))

	if w := s.do(http.MethodPost, "/webhooks/mtn", "not json", nil); w.Code != http.StatusOK {
		t.Errorf("malformed status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/webhooks/mtn", map[string]string{"referenceId": "unknown", "status": "SUCCESSFUL"}, nil); w.Code != http.StatusOK {
		t.Errorf("unknown ref status = %d", w.Code)
	}

	cb := map[string]string{"referenceId": "mtn-ref-9", "status": "SUCCESSFUL", "financialTransactionId": "123"}
	for i := 0; i < 3; i++ {
		w := s.do(http.MethodPost, "/webhooks/mtn", cb, nil)
		if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"received":true`)) {
			t.Fatalf("status = %d body = %s", w.Code, w.Body)
		}
	}
	p, _ := s.store.Payments.GetByID(context.Background(), created.ID)
	if p.Status != models.PaymentPaid {
		t.Errorf("status = %s", p.Status)
	}
	if n := len(s.store.OutboxEvents(models.EventPaymentSucceeded)); n != 1 {
		t.Errorf("succeeded events = %d", n)
	}

	paypackCB := map[string]any{"kind": "transaction:processed", "data": map[string]any{"ref": "x", "status": "successful", "kind": "CASHIN"}}
	if w := s.do(http.MethodPost, "/webhooks/paypack", paypackCB, map[string]string{"X-Paypack-Signature": "forged"}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/webhooks/paypack", paypackCB, map[string]string{"X-Paypack-Signature": "valid"}); w.Code != http.StatusOK {
		t.Errorf("valid signature status = %d", w.Code)
	}
}

func TestDisbursementLifecycle(t *testing.T) {
	s := newServer(t)
	body := map[string]any{"type": "ADMIN_PAYOUT", "amount": 900000, "recipient_phone": "0721234567"}

	w := s.do(http.MethodPost, "/disbursements", body, adminHeaders)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body)
	}
	d := decode[models.Disbursement](t, w)
	if d.Status != models.DisbursementPending || !d.RequiresApproval {
		t.Fatalf("disbursement = %+v", d)
	}

	if w := s.do(http.MethodPost, "/disbursements/"+d.ID+"/process", nil, adminHeaders); w.Code != http.StatusConflict {
		t.Errorf("process before approval status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/admin/disbursements/"+d.ID+"/approve", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("approve without token status = %d", w.Code)
	}

	w = s.do(http.MethodPost, "/admin/disbursements/"+d.ID+"/approve", nil, adminHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d body = %s", w.Code, w.Body)
	}
	if got := decode[models.Disbursement](t, w); got.Status != models.DisbursementProcessing {
		t.Errorf("status = %s", got.Status)
	}
	if n := s.paypack.PayoutCount(); n != 1 {
		t.Errorf("payout calls = %d", n)
	}

	list := decode[struct {
		Count int `json:"count"`
	}](t, s.do(http.MethodGet, "/disbursements?status=processing", nil, nil))
	if list.Count != 1 {
		t.Errorf("count = %d", list.Count)
	}

	if w := s.do(http.MethodPost, "/admin/disbursements/"+d.ID+"/cancel", map[string]string{"reason": "wrong recipient"}, adminHeaders); w.Code != http.StatusOK {
		t.Errorf("cancel status = %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/disbursements/"+d.ID+"/retry", nil, adminHeaders); w.Code != http.StatusConflict {
		t.Errorf("retry of cancelled status = %d", w.Code)
	}
}

func TestDisbursementWrites_RequireAdmin(t *testing.T) {
	s := newServer(t)
	body := map[string]any{"type": "BONUS", "amount": 1000, "recipient_phone": "0721234567"}
	key := map[string]string{"Idempotency-Key": "bonus-1"}

	w := s.do(http.MethodPost, "/disbursements", body, map[string]string{"Idempotency-Key": "bonus-1", "Authorization": "Bearer s3cret"})
	if w.Code != http.StatusCreated {
		t.Fatalf("admin create status = %d body = %s", w.Code, w.Body)
	}
	d := decode[models.Disbursement](t, w)

	for _, path := range []string{"/disbursements", "/disbursements/bulk", "/disbursements/" + d.ID + "/process", "/disbursements/" + d.ID + "/retry"} {
		if w := s.do(http.MethodPost, path, body, key); w.Code != http.StatusUnauthorized {
			t.Errorf("POST %s without token status = %d", path, w.Code)
		}
	}
	if n := len(s.store.AllDisbursements()); n != 1 {
		t.Errorf("disbursements = %d, want 1", n)
	}
	if n := s.paypack.PayoutCount(); n != 1 {
		t.Errorf("payout calls = %d, want 1", n)
	}
}

func TestDisbursementAbovePaypackCeiling(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/disbursements", map[string]any{"type": "BONUS", "amount": 1500000, "recipient_phone": "0781234567"}, adminHeaders)
	if w.Code != http.StatusCreated {
		t.Fatalf("mtn recipient status = %d body = %s", w.Code, w.Body)
	}
	if d := decode[models.Disbursement](t, w); d.Provider != models.MethodMTNMoMo || d.Status != models.DisbursementPending {
		t.Errorf("mtn recipient = %+v", d)
	}

	w = s.do(http.MethodPost, "/disbursements", map[string]any{"type": "BONUS", "amount": 1500000, "recipient_phone": "0721234567"}, adminHeaders)
	if w.Code != http.StatusCreated {
		t.Fatalf("airtel recipient status = %d body = %s", w.Code, w.Body)
	}
	if d := decode[models.Disbursement](t, w); !d.RequiresApproval || d.Metadata[models.MetaProviderLimit] != true {
		t.Errorf("airtel recipient = %+v", d)
	}
}

func TestBulkDisbursements(t *testing.T) {
	s := newServer(t)
	body := map[string]any{"disbursements": []map[string]any{
		{"type": "BONUS", "amount": 1000, "recipient_phone": "0721234567"},
		{"type": "BONUS", "amount": 1000, "recipient_phone": "bad"},
	}}

	w := s.do(http.MethodPost, "/disbursements/bulk", body, adminHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	res := decode[struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}](t, w)
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}

	if w := s.do(http.MethodPost, "/disbursements/bulk", map[string]any{"disbursements": []any{}}, adminHeaders); w.Code != http.StatusBadRequest {
		t.Errorf("empty bulk status = %d", w.Code)
	}
}

func TestProviderHealth(t *testing.T) {
	s := newServer(t)
	s.paypack.TestConnectionFunc = func(ctx context.Context) error { return errors.New("auth failed") }

	if w := s.do(http.MethodGet, "/providers/mtn_momo/health", nil, nil); w.Code != http.StatusOK {
		t.Errorf("mtn status = %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/providers/paypack/health", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("paypack status = %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/providers/visa/health", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown status = %d", w.Code)
	}
}
