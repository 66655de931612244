package paypack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

func newPaypackServer(t *testing.T, findStatus string) (*httptest.Server, *map[string]string) {
	t.Helper()
	seen := map[string]string{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/agents/authorize", func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ClientID != "id" || req.ClientSecret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(authResponse{Access: "access", Refresh: "refresh", Expires: 900})
	})
	cash := func(kind string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req transactionRequest
			json.NewDecoder(r.Body).Decode(&req)
			seen["number"] = req.Number
			seen["idempotency"] = r.Header.Get("Idempotency-Key")
			seen["kind"] = kind
			json.NewEncoder(w).Encode(map[string]any{
				"ref": "pp-ref-1", "status": "pending", "kind": kind, "amount": req.Amount,
			})
		}
	}
	mux.HandleFunc("/api/transactions/cashin", cash(KindCashIn))
	mux.HandleFunc("/api/transactions/cashout", cash(KindCashOut))
	mux.HandleFunc("/api/transactions/find/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ref":"pp-ref-1","status":"` + findStatus + `","kind":"CASHIN"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestCashInUsesLocalNumber(t *testing.T) {
	srv, seen := newPaypackServer(t, "successful")
	c := NewClient(Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, srv.Client())

	phone, err := c.ValidateRecipient("250731234567", decimal.NewFromInt(2500))
	if err != nil {
		t.Fatalf("ValidateRecipient() error = %v", err)
	}
	res, err := c.ProcessPayment(context.Background(), providers.TransferRequest{
		Reference: "PAY-abc-123", Amount: decimal.NewFromInt(2500), Phone: phone,
	})
	if err != nil {
		t.Fatalf("ProcessPayment() error = %v", err)
	}
	if res.ProviderTxID != "pp-ref-1" || res.Status != providers.StatusPending {
		t.Errorf("result = %+v", res)
	}
	if (*seen)["number"] != "0731234567" {
		t.Errorf("number = %q, want local format", (*seen)["number"])
	}
	if (*seen)["idempotency"] != "PAYabc123" {
		t.Errorf("Idempotency-Key = %q", (*seen)["idempotency"])
	}
}

func TestCashOut(t *testing.T) {
	srv, seen := newPaypackServer(t, "successful")
	c := NewClient(Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, srv.Client())

	phone, _ := validation.NormalizePhone("0788123456")
	if _, err := c.ProcessPayout(context.Background(), providers.TransferRequest{
		Reference: "DSB-1", Amount: decimal.NewFromInt(1000), Phone: phone,
	}); err != nil {
		t.Fatalf("ProcessPayout() error = %v", err)
	}
	if (*seen)["kind"] != KindCashOut {
		t.Errorf("kind = %q, want CASHOUT", (*seen)["kind"])
	}
}

func TestGetStatus(t *testing.T) {
	srv, _ := newPaypackServer(t, "failed")
	c := NewClient(Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, srv.Client())

	res, err := c.GetStatus(context.Background(), "pp-ref-1", providers.KindCollection)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if res.Status != providers.StatusFailed || res.Success {
		t.Errorf("result = %+v, want FAILED", res)
	}
}

func TestAuthorizeFailure(t *testing.T) {
	srv, _ := newPaypackServer(t, "pending")
	c := NewClient(Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "wrong"}, srv.Client())

	err := c.TestConnection(context.Background())
	pe, ok := providers.AsError(err)
	if !ok || pe.Category != providers.CategoryAuthentication {
		t.Fatalf("error = %v, want authentication error", err)
	}
}

func TestValidateRecipientBounds(t *testing.T) {
	c := NewClient(Config{}, nil)
	if _, err := c.ValidateRecipient("0788123456", decimal.NewFromInt(1000001)); err == nil {
		t.Error("expected amount above 1,000,000 to be rejected")
	}
	if _, err := c.ValidateRecipient("0721234567", decimal.NewFromInt(1000)); err != nil {
		t.Errorf("airtel number rejected: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	if got := expiry(900, now); !got.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("relative expiry = %v", got)
	}
	if got := expiry(1700003600, now); !got.Equal(time.Unix(1700003600, 0)) {
		t.Errorf("absolute expiry = %v", got)
	}
}

func TestIdempotencyKey(t *testing.T) {
	long := "DSB-0f8fad5b-d9cb-469f-a165-70867728950e"
	got := IdempotencyKey(long)
	if len(got) != 32 {
		t.Errorf("len = %d, want 32", len(got))
	}
	if got != "0f8fad5bd9cb469fa16570867728950e" {
		t.Errorf("key = %q", got)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"data":{"ref":"x"}}`)
	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	c := NewClient(Config{WebhookSecret: "whsec"}, nil)
	if !c.VerifySignature(body, sig) {
		t.Error("valid signature rejected")
	}
	if c.VerifySignature(body, "bogus") {
		t.Error("bogus signature accepted")
	}
	if c.VerifySignature(body, "") {
		t.Error("missing signature accepted")
	}

	open := NewClient(Config{}, nil)
	if !open.VerifySignature(body, "") {
		t.Error("unsigned callback rejected without a configured secret")
	}
}
