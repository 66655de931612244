// Package paypack is the adapter for the Paypack cash-in/cash-out API, which
// reaches both MTN and Airtel wallets.
package paypack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

const tokenMargin = time.Minute

// SignatureHeader carries the base64 HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Paypack-Signature"

var Bounds = validation.NewBounds(100, 1000000)

var Vocabulary = providers.Vocabulary{
	"successful": providers.StatusSuccessful,
	"success":    providers.StatusSuccessful,
	"completed":  providers.StatusSuccessful,
	"failed":     providers.StatusFailed,
	"rejected":   providers.StatusFailed,
	"timeout":    providers.StatusFailed,
	"expired":    providers.StatusFailed,
	"processing": providers.StatusProcessing,
	"ongoing":    providers.StatusProcessing,
	"pending":    providers.StatusPending,
	"created":    providers.StatusPending,
}

// Transaction kinds as reported by Paypack.
const (
	KindCashIn  = "CASHIN"
	KindCashOut = "CASHOUT"
)

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	MaxConcurrent int64
}

type Client struct {
	cfg       Config
	transport *providers.Transport
	tokens    *providers.TokenCache
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:       cfg,
		transport: providers.NewTransport(models.MethodPaypack, httpClient, cfg.MaxConcurrent),
	}
	c.tokens = providers.NewTokenCache(tokenMargin, c.authorize)
	return c
}

func (c *Client) Name() models.PaymentMethod { return models.MethodPaypack }

func (c *Client) ValidateRecipient(phone string, amount decimal.Decimal) (validation.Phone, error) {
	p, err := validation.RequireCarrier(phone, validation.CarrierMTN, validation.CarrierAirtel)
	if err != nil {
		return validation.Phone{}, err
	}
	if err := validation.CheckAmount(amount, Bounds); err != nil {
		return validation.Phone{}, err
	}
	return p, nil
}

type authRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type authResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expires int64  `json:"expires"`
}

type transactionRequest struct {
	Amount int64  `json:"amount"`
	Number string `json:"number"`
}

// Transaction is the transaction shape shared by responses and callbacks.
type Transaction struct {
	Ref         string          `json:"ref"`
	Status      string          `json:"status"`
	Kind        string          `json:"kind"`
	Client      string          `json:"client"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Fee         decimal.Decimal `json:"fee"`
	Provider    string          `json:"provider"`
	CreatedAt   string          `json:"created_at"`
	ProcessedAt string          `json:"processed_at"`
}

func (c *Client) ProcessPayment(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
	return c.transact(ctx, "cashin", "/api/transactions/cashin", req)
}

func (c *Client) ProcessPayout(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
	return c.transact(ctx, "cashout", "/api/transactions/cashout", req)
}

func (c *Client) transact(ctx context.Context, op, path string, tr providers.TransferRequest) (*providers.Result, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(transactionRequest{
		Amount: tr.Amount.IntPart(),
		Number: tr.Phone.Local,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", IdempotencyKey(tr.Reference))

	status, body, err := c.transport.Do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if status < 200 || status >= 300 {
		return nil, providers.FromHTTP(c.Name(), op, status, body)
	}

	var tx Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, providers.Malformed(c.Name(), op, err)
	}
	if tx.Ref == "" {
		return nil, providers.Malformed(c.Name(), op, errors.New("missing ref"))
	}

	canonical := Vocabulary.Map(tx.Status)
	telemetry.Logger.Info("Paypack transaction created",
		zap.String("op", op),
		zap.String("reference", tr.Reference),
		zap.String("ref", tx.Ref),
		zap.String("status", tx.Status),
	)

	return &providers.Result{
		Success:      canonical != providers.StatusFailed,
		ProviderTxID: tx.Ref,
		Status:       canonical,
		Message:      tx.Status,
		Raw:          json.RawMessage(body),
	}, nil
}

// GetStatus looks a transaction up by its Paypack ref. kind is not needed,
// cash-in and cash-out share one lookup endpoint.
func (c *Client) GetStatus(ctx context.Context, providerTxID string, _ providers.Kind) (*providers.Result, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/transactions/find/"+providerTxID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := c.transport.Do(ctx, "find", req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if status != http.StatusOK {
		return nil, providers.FromHTTP(c.Name(), "find", status, body)
	}

	var tx Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, providers.Malformed(c.Name(), "find", err)
	}
	if tx.Status == "" {
		return nil, providers.Malformed(c.Name(), "find", errors.New("missing status field"))
	}

	canonical := Vocabulary.Map(tx.Status)
	return &providers.Result{
		Success:      canonical != providers.StatusFailed,
		ProviderTxID: providerTxID,
		Status:       canonical,
		Message:      tx.Status,
		Raw:          json.RawMessage(body),
	}, nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.authorize(ctx)
	return err
}

func (c *Client) authorize(ctx context.Context) (providers.Token, error) {
	payload, err := json.Marshal(authRequest{ClientID: c.cfg.ClientID, ClientSecret: c.cfg.ClientSecret})
	if err != nil {
		return providers.Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/auth/agents/authorize", bytes.NewReader(payload))
	if err != nil {
		return providers.Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.transport.Do(ctx, "authorize", req)
	if err != nil {
		return providers.Token{}, err
	}
	if status != http.StatusOK {
		pe := providers.FromHTTP(c.Name(), "authorize", status, body)
		if pe.Category == providers.CategoryValidation {
			pe.Category = providers.CategoryAuthentication
		}
		return providers.Token{}, pe
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return providers.Token{}, providers.Malformed(c.Name(), "authorize", err)
	}
	if ar.Access == "" {
		return providers.Token{}, providers.Malformed(c.Name(), "authorize", errors.New("empty access token"))
	}

	return providers.Token{Value: ar.Access, ExpiresAt: expiry(ar.Expires, time.Now())}, nil
}

// expiry interprets Paypack's expires field, which is a unix timestamp on
// some deployments and a lifetime in seconds on others.
func expiry(expires int64, now time.Time) time.Time {
	if expires > 1e9 {
		return time.Unix(expires, 0)
	}
	if expires <= 0 {
		expires = 600
	}
	return now.Add(time.Duration(expires) * time.Second)
}

// IdempotencyKey derives Paypack's header value from our reference: letters
// and digits only, at most 32 characters.
func IdempotencyKey(reference string) string {
	key := nonAlnum.ReplaceAllString(reference, "")
	if len(key) > 32 {
		key = key[len(key)-32:]
	}
	return key
}

// VerifySignature checks a callback signature. With no secret configured
// every callback is accepted.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	if c.cfg.WebhookSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
