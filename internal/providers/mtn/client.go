// Package mtn is the adapter for the MTN MoMo Open API: request-to-pay on the
// collection product and transfers on the disbursement product.
package mtn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/validation"
)

// tokenMargin is how long before expiry a cached token is refreshed.
const tokenMargin = 5 * time.Minute

const (
	productCollection   = "collection"
	productDisbursement = "disbursement"
)

var ErrPayoutsDisabled = errors.New("mtn: disbursement product not configured")

// Bounds are the per-transaction limits in RWF.
var Bounds = validation.NewBounds(100, 5000000)

// Vocabulary maps MTN transaction statuses.
var Vocabulary = providers.Vocabulary{
	"successful": providers.StatusSuccessful,
	"success":    providers.StatusSuccessful,
	"completed":  providers.StatusSuccessful,
	"failed":     providers.StatusFailed,
	"rejected":   providers.StatusFailed,
	"timeout":    providers.StatusFailed,
	"expired":    providers.StatusFailed,
	"ongoing":    providers.StatusProcessing,
	"processing": providers.StatusProcessing,
	"pending":    providers.StatusPending,
	"created":    providers.StatusPending,
}

type Config struct {
	BaseURL                     string
	Environment                 string
	APIUser                     string
	APIKey                      string
	CollectionSubscriptionKey   string
	DisbursementSubscriptionKey string
	DisbursementAPIUser         string
	DisbursementAPIKey          string
	Currency                    string
	CallbackURL                 string
	MaxConcurrent               int64
}

type Client struct {
	cfg               Config
	transport         *providers.Transport
	collectionToken   *providers.TokenCache
	disbursementToken *providers.TokenCache
	newReferenceID    func() string
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = "RWF"
	}
	c := &Client{
		cfg:            cfg,
		transport:      providers.NewTransport(models.MethodMTNMoMo, httpClient, cfg.MaxConcurrent),
		newReferenceID: uuid.NewString,
	}
	c.collectionToken = providers.NewTokenCache(tokenMargin, func(ctx context.Context) (providers.Token, error) {
		return c.fetchToken(ctx, productCollection)
	})
	c.disbursementToken = providers.NewTokenCache(tokenMargin, func(ctx context.Context) (providers.Token, error) {
		return c.fetchToken(ctx, productDisbursement)
	})
	return c
}

func (c *Client) Name() models.PaymentMethod { return models.MethodMTNMoMo }

func (c *Client) ValidateRecipient(phone string, amount decimal.Decimal) (validation.Phone, error) {
	p, err := validation.RequireCarrier(phone, validation.CarrierMTN)
	if err != nil {
		return validation.Phone{}, err
	}
	if err := validation.CheckAmount(amount, Bounds); err != nil {
		return validation.Phone{}, err
	}
	return p, nil
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPay struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        *party `json:"payer,omitempty"`
	Payee        *party `json:"payee,omitempty"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type statusResponse struct {
	Amount                 string          `json:"amount"`
	Currency               string          `json:"currency"`
	FinancialTransactionID string          `json:"financialTransactionId"`
	ExternalID             string          `json:"externalId"`
	Status                 string          `json:"status"`
	Reason                 json.RawMessage `json:"reason"`
}

// ProcessPayment issues a request-to-pay. The generated X-Reference-Id is the
// provider transaction id that callbacks and status queries refer to.
func (c *Client) ProcessPayment(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
	body := requestToPay{
		Amount:       req.Amount.StringFixed(0),
		Currency:     c.currency(req.Currency),
		ExternalID:   req.Reference,
		Payer:        &party{PartyIDType: "MSISDN", PartyID: req.Phone.MSISDN},
		PayerMessage: req.Description,
		PayeeNote:    req.Reference,
	}
	return c.submit(ctx, "requesttopay", productCollection, c.collectionToken, c.cfg.CollectionSubscriptionKey,
		"/collection/v1_0/requesttopay", body)
}

// ProcessPayout issues a transfer from the disbursement account.
func (c *Client) ProcessPayout(ctx context.Context, req providers.TransferRequest) (*providers.Result, error) {
	if c.cfg.DisbursementSubscriptionKey == "" {
		return nil, &providers.Error{Provider: c.Name(), Op: "transfer", Category: providers.CategoryValidation, Err: ErrPayoutsDisabled}
	}
	body := requestToPay{
		Amount:       req.Amount.StringFixed(0),
		Currency:     c.currency(req.Currency),
		ExternalID:   req.Reference,
		Payee:        &party{PartyIDType: "MSISDN", PartyID: req.Phone.MSISDN},
		PayerMessage: req.Description,
		PayeeNote:    req.Description,
	}
	return c.submit(ctx, "transfer", productDisbursement, c.disbursementToken, c.cfg.DisbursementSubscriptionKey,
		"/disbursement/v1_0/transfer", body)
}

func (c *Client) submit(ctx context.Context, op, product string, tokens *providers.TokenCache, subscriptionKey, path string, body requestToPay) (*providers.Result, error) {
	token, err := tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op, err)
	}

	referenceID := c.newReferenceID()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Reference-Id", referenceID)
	req.Header.Set("X-Target-Environment", c.cfg.Environment)
	req.Header.Set("Ocp-Apim-Subscription-Key", subscriptionKey)
	if c.cfg.CallbackURL != "" {
		req.Header.Set("X-Callback-Url", c.cfg.CallbackURL)
	}

	status, respBody, err := c.transport.Do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		tokens.Invalidate()
	}
	if status != http.StatusAccepted && status != http.StatusOK && status != http.StatusCreated {
		return nil, providers.FromHTTP(c.Name(), op, status, respBody)
	}

	telemetry.Logger.Info("MTN request accepted",
		zap.String("op", op),
		zap.String("product", product),
		zap.String("external_id", body.ExternalID),
		zap.String("reference_id", referenceID),
	)

	return &providers.Result{
		Success:      true,
		ProviderTxID: referenceID,
		Status:       providers.StatusPending,
		Message:      "request accepted, awaiting customer approval",
		Raw:          rawOrNil(respBody),
	}, nil
}

func (c *Client) GetStatus(ctx context.Context, providerTxID string, kind providers.Kind) (*providers.Result, error) {
	tokens, key, path := c.collectionToken, c.cfg.CollectionSubscriptionKey, "/collection/v1_0/requesttopay/"
	if kind == providers.KindPayout {
		tokens, key, path = c.disbursementToken, c.cfg.DisbursementSubscriptionKey, "/disbursement/v1_0/transfer/"
	}

	token, err := tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+providerTxID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Target-Environment", c.cfg.Environment)
	req.Header.Set("Ocp-Apim-Subscription-Key", key)

	status, body, err := c.transport.Do(ctx, "status", req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		tokens.Invalidate()
	}
	if status != http.StatusOK {
		return nil, providers.FromHTTP(c.Name(), "status", status, body)
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, providers.Malformed(c.Name(), "status", err)
	}
	if sr.Status == "" {
		return nil, providers.Malformed(c.Name(), "status", errors.New("missing status field"))
	}

	canonical := Vocabulary.Map(sr.Status)
	return &providers.Result{
		Success:      canonical != providers.StatusFailed,
		ProviderTxID: providerTxID,
		Status:       canonical,
		Message:      sr.Status,
		Reason:       ReasonText(sr.Reason),
		Raw:          rawOrNil(body),
	}, nil
}

// TestConnection performs a fresh collection token exchange.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.fetchToken(ctx, productCollection)
	return err
}

func (c *Client) fetchToken(ctx context.Context, product string) (providers.Token, error) {
	user, key, subscription := c.cfg.APIUser, c.cfg.APIKey, c.cfg.CollectionSubscriptionKey
	if product == productDisbursement {
		user, key, subscription = c.cfg.DisbursementAPIUser, c.cfg.DisbursementAPIKey, c.cfg.DisbursementSubscriptionKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+product+"/token/", nil)
	if err != nil {
		return providers.Token{}, err
	}
	req.SetBasicAuth(user, key)
	req.Header.Set("Ocp-Apim-Subscription-Key", subscription)

	status, body, err := c.transport.Do(ctx, product+"_token", req)
	if err != nil {
		return providers.Token{}, err
	}
	if status != http.StatusOK {
		pe := providers.FromHTTP(c.Name(), product+"_token", status, body)
		if pe.Category == providers.CategoryValidation {
			pe.Category = providers.CategoryAuthentication
		}
		return providers.Token{}, pe
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return providers.Token{}, providers.Malformed(c.Name(), product+"_token", err)
	}
	if tr.AccessToken == "" {
		return providers.Token{}, providers.Malformed(c.Name(), product+"_token", errors.New("empty access_token"))
	}

	telemetry.Logger.Debug("Fetched MTN access token", zap.String("product", product), zap.Int("expires_in", tr.ExpiresIn))
	return providers.Token{
		Value:     tr.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

func (c *Client) currency(requested string) string {
	if requested != "" {
		return requested
	}
	return c.cfg.Currency
}

// ReasonText flattens MTN's reason, which is either a bare string or an
// object with code and message.
func ReasonText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Code != "" && obj.Message != "" {
			return obj.Code + ": " + obj.Message
		}
		return obj.Code + obj.Message
	}
	return string(raw)
}

func rawOrNil(b []byte) json.RawMessage {
	if len(bytes.TrimSpace(b)) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
