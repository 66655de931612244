package mtn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

type fakeMTN struct {
	tokenCalls  int32
	lastRequest requestToPay
	lastHeaders http.Header
	requestCode int
	statusBody  string
	statusCode  int
}

func (f *fakeMTN) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	token := func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user == "" || pass == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&f.tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "access_token", "expires_in": 3600})
	}
	mux.HandleFunc("/collection/token/", token)
	mux.HandleFunc("/disbursement/token/", token)

	submit := func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		f.lastHeaders = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&f.lastRequest)
		code := f.requestCode
		if code == 0 {
			code = http.StatusAccepted
		}
		w.WriteHeader(code)
	}
	mux.HandleFunc("/collection/v1_0/requesttopay", submit)
	mux.HandleFunc("/disbursement/v1_0/transfer", submit)

	status := func(w http.ResponseWriter, r *http.Request) {
		code := f.statusCode
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
		w.Write([]byte(f.statusBody))
	}
	mux.HandleFunc("/collection/v1_0/requesttopay/", status)
	mux.HandleFunc("/disbursement/v1_0/transfer/", status)
	return mux
}

func newTestClient(t *testing.T, f *fakeMTN) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:                     srv.URL,
		Environment:                 "sandbox",
		APIUser:                     "user",
		APIKey:                      "key",
		CollectionSubscriptionKey:   "col-sub",
		DisbursementSubscriptionKey: "dis-sub",
		DisbursementAPIUser:         "user",
		DisbursementAPIKey:          "key",
		CallbackURL:                 "https://example.test/webhooks/mtn",
	}, srv.Client())
	c.newReferenceID = func() string { return "11111111-2222-3333-4444-555555555555" }
	return c
}

func mtnPhone(t *testing.T) validation.Phone {
	t.Helper()
	p, err := validation.NormalizePhone("0788123456")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProcessPayment(t *testing.T) {
	f := &fakeMTN{}
	c := newTestClient(t, f)

	res, err := c.ProcessPayment(context.Background(), providers.TransferRequest{
		Reference:   "PAY-123",
		Amount:      decimal.NewFromInt(5000),
		Currency:    "RWF",
		Phone:       mtnPhone(t),
		Description: "Order 42",
	})
	if err != nil {
		t.Fatalf("ProcessPayment() error = %v", err)
	}
	if res.ProviderTxID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("ProviderTxID = %q", res.ProviderTxID)
	}
	if res.Status != providers.StatusPending || !res.Success {
		t.Errorf("result = %+v, want successful PENDING", res)
	}
	if f.lastRequest.Payer == nil || f.lastRequest.Payer.PartyID != "250788123456" {
		t.Errorf("payer = %+v, want MSISDN 250788123456", f.lastRequest.Payer)
	}
	if f.lastRequest.ExternalID != "PAY-123" || f.lastRequest.Amount != "5000" {
		t.Errorf("body = %+v", f.lastRequest)
	}
	if got := f.lastHeaders.Get("X-Callback-Url"); got != "https://example.test/webhooks/mtn" {
		t.Errorf("X-Callback-Url = %q", got)
	}
	if got := f.lastHeaders.Get("Ocp-Apim-Subscription-Key"); got != "col-sub" {
		t.Errorf("subscription key = %q, want col-sub", got)
	}

	// second call reuses the cached token
	if _, err := c.ProcessPayment(context.Background(), providers.TransferRequest{
		Reference: "PAY-124", Amount: decimal.NewFromInt(100), Phone: mtnPhone(t),
	}); err != nil {
		t.Fatal(err)
	}
	if f.tokenCalls != 1 {
		t.Errorf("token calls = %d, want 1", f.tokenCalls)
	}
}

func TestProcessPayment_ProviderRejects(t *testing.T) {
	f := &fakeMTN{requestCode: http.StatusInternalServerError}
	c := newTestClient(t, f)

	_, err := c.ProcessPayment(context.Background(), providers.TransferRequest{
		Reference: "PAY-1", Amount: decimal.NewFromInt(1000), Phone: mtnPhone(t),
	})
	pe, ok := providers.AsError(err)
	if !ok {
		t.Fatalf("error = %v, want *providers.Error", err)
	}
	if pe.Category != providers.CategoryUnavailable || !pe.Retryable {
		t.Errorf("error = %+v, want retryable unavailable", pe)
	}
}

func TestProcessPayout_UsesDisbursementProduct(t *testing.T) {
	f := &fakeMTN{}
	c := newTestClient(t, f)

	if _, err := c.ProcessPayout(context.Background(), providers.TransferRequest{
		Reference: "DSB-1", Amount: decimal.NewFromInt(2000), Phone: mtnPhone(t),
	}); err != nil {
		t.Fatalf("ProcessPayout() error = %v", err)
	}
	if f.lastRequest.Payee == nil || f.lastRequest.Payee.PartyID != "250788123456" {
		t.Errorf("payee = %+v", f.lastRequest.Payee)
	}
	if got := f.lastHeaders.Get("Ocp-Apim-Subscription-Key"); got != "dis-sub" {
		t.Errorf("subscription key = %q, want dis-sub", got)
	}
}

func TestProcessPayout_DisabledWithoutKey(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused"}, nil)
	_, err := c.ProcessPayout(context.Background(), providers.TransferRequest{Reference: "DSB-1"})
	if !errors.Is(err, ErrPayoutsDisabled) {
		t.Errorf("error = %v, want ErrPayoutsDisabled", err)
	}
}

func TestGetStatus(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		code     int
		want     providers.CanonicalStatus
		reason   string
		category providers.ErrorCategory
	}{
		{name: "successful", body: `{"status":"SUCCESSFUL","financialTransactionId":"9"}`, want: providers.StatusSuccessful},
		{name: "failed with object reason", body: `{"status":"FAILED","reason":{"code":"APPROVAL_REJECTED","message":"rejected by payer"}}`,
			want: providers.StatusFailed, reason: "APPROVAL_REJECTED: rejected by payer"},
		{name: "failed with string reason", body: `{"status":"FAILED","reason":"PAYER_NOT_FOUND"}`,
			want: providers.StatusFailed, reason: "PAYER_NOT_FOUND"},
		{name: "unknown status stays pending", body: `{"status":"WEIRD"}`, want: providers.StatusPending},
		{name: "malformed body", body: `not json`, category: providers.CategoryMalformed},
		{name: "missing status", body: `{"amount":"100"}`, category: providers.CategoryMalformed},
		{name: "not found", body: `{"code":"RESOURCE_NOT_FOUND"}`, code: http.StatusNotFound, category: providers.CategoryValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeMTN{statusBody: tt.body, statusCode: tt.code}
			c := newTestClient(t, f)

			res, err := c.GetStatus(context.Background(), "ref-1", providers.KindCollection)
			if tt.category != "" {
				pe, ok := providers.AsError(err)
				if !ok || pe.Category != tt.category {
					t.Fatalf("error = %v, want category %s", err, tt.category)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetStatus() error = %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s", res.Status, tt.want)
			}
			if res.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", res.Reason, tt.reason)
			}
		})
	}
}

func TestValidateRecipient(t *testing.T) {
	c := NewClient(Config{}, nil)

	if _, err := c.ValidateRecipient("0721234567", decimal.NewFromInt(1000)); !errors.Is(err, validation.ErrUnsupportedCarrier) {
		t.Errorf("airtel number error = %v, want ErrUnsupportedCarrier", err)
	}
	if _, err := c.ValidateRecipient("0788123456", decimal.NewFromInt(99)); !errors.Is(err, validation.ErrAmountOutOfRange) {
		t.Errorf("small amount error = %v, want ErrAmountOutOfRange", err)
	}
	p, err := c.ValidateRecipient("+250 788 123 456", decimal.NewFromInt(5000000))
	if err != nil {
		t.Fatalf("ValidateRecipient() error = %v", err)
	}
	if p.MSISDN != "250788123456" {
		t.Errorf("MSISDN = %q", p.MSISDN)
	}
}

func TestTestConnection(t *testing.T) {
	f := &fakeMTN{}
	c := newTestClient(t, f)
	if err := c.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}

	bad := NewClient(Config{BaseURL: c.cfg.BaseURL}, nil)
	err := bad.TestConnection(context.Background())
	pe, ok := providers.AsError(err)
	if !ok || pe.Category != providers.CategoryAuthentication {
		t.Errorf("error = %v, want authentication", err)
	}
}
