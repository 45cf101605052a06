package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CardName is the registry name of the card/bank-initiated provider.
const CardName = "card"

// CardConfig configures the card adapter.
type CardConfig struct {
	BaseURL    string
	SecretKey  string
	Currency   string
	Channels   []string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Card talks to a card/bank processor that takes minor-unit integer amounts,
// authenticates with a bearer secret key and reports outcomes through an
// action/status field whose success token is "success".
type Card struct {
	cfg    CardConfig
	client *apiClient
}

// NewCard creates the card adapter.
func NewCard(cfg CardConfig) *Card {
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"card", "bank", "bank_transfer"}
	}
	c := newAPIClient(CardName, strings.TrimRight(cfg.BaseURL, "/"), cfg.Timeout, cfg.HTTPClient)
	c.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.SecretKey)
	}
	c.message = cardMessage
	return &Card{cfg: cfg, client: c}
}

func (c *Card) Name() string     { return CardName }
func (c *Card) Currency() string { return c.cfg.Currency }

// cardEnvelope is the processor's standard response wrapper.
type cardEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func cardMessage(body []byte) string {
	var env cardEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return env.Message
}

// Initialize creates a transaction and returns the hosted checkout URL.
func (c *Card) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	metadata := map[string]string{"reference": req.Reference}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Description != "" {
		metadata["description"] = req.Description
	}

	body := map[string]any{
		"email":        req.PayerEmail,
		"amount":       req.Amount,
		"currency":     c.cfg.Currency,
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
		"metadata":     metadata,
		"channels":     c.cfg.Channels,
	}

	var env cardEnvelope
	if err := c.client.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &env); err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, &Error{Provider: CardName, Operation: "initialize", Message: env.Message, Kind: ErrProviderRejected}
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AuthorizationURL == "" {
		return nil, &Error{Provider: CardName, Operation: "initialize", Message: "missing authorization_url", Kind: ErrProviderUnavailable}
	}

	txRef := data.AccessCode
	if txRef == "" {
		txRef = data.Reference
	}
	return &InitResult{ProviderTransactionRef: txRef, RedirectURL: data.AuthorizationURL}, nil
}

// NormalizeCallback maps the processor's vocabulary onto Outcome.
// Only an explicit "success" is funded; everything unrecognized fails.
func (c *Card) NormalizeCallback(raw RawCallback) (*CallbackEvent, error) {
	p := Params(raw)

	ref := first(p, "reference", "trxref")
	if ref == "" {
		return nil, fmt.Errorf("%s: %w: no reference", CardName, ErrMalformedCallback)
	}

	token := normalizeToken(first(p, "action", "status", "event"))
	if token == "" {
		// A bare redirect says nothing about the payment; the webhook will.
		return nil, fmt.Errorf("%s: %w: no outcome for %s", CardName, ErrMalformedCallback, ref)
	}
	var outcome Outcome
	switch token {
	case "success", "charge.success":
		outcome = OutcomeFunded
	case "cancel", "cancelled", "canceled", "abandoned":
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}

	return &CallbackEvent{
		Provider:               CardName,
		Reference:              ref,
		ProviderTransactionRef: first(p, "access_code", "id", "transaction_id"),
		Outcome:                outcome,
		RawToken:               token,
		Params:                 p,
	}, nil
}

// Release pays the held amount out to the recipient.
func (c *Card) Release(ctx context.Context, req SettleRequest) error {
	if req.RecipientID == "" {
		return &Error{Provider: CardName, Operation: "release", Message: "recipient required", Kind: ErrProviderRejected}
	}
	body := map[string]any{
		"source":    "balance",
		"amount":    req.Amount,
		"currency":  c.cfg.Currency,
		"recipient": req.RecipientID,
		"reference": req.Reference + "_payout",
		"reason":    "escrow release " + req.Reference,
	}
	return c.settle(ctx, "release", "/transfer", body)
}

// Refund returns the held amount to the payer.
func (c *Card) Refund(ctx context.Context, req SettleRequest) error {
	body := map[string]any{
		"transaction": req.Reference,
		"amount":      req.Amount,
	}
	return c.settle(ctx, "refund", "/refund", body)
}

func (c *Card) settle(ctx context.Context, op, path string, body map[string]any) error {
	var env cardEnvelope
	if err := c.client.do(ctx, op, http.MethodPost, path, body, &env); err != nil {
		return err
	}
	if !env.Status {
		return &Error{Provider: CardName, Operation: op, Message: env.Message, Kind: ErrProviderRejected}
	}
	return nil
}

var _ Adapter = (*Card)(nil)
var _ Settler = (*Card)(nil)

