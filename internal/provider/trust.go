package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TrustName is the registry name of the trust-account escrow provider.
const TrustName = "trust"

// TrustConfig configures the trust adapter.
type TrustConfig struct {
	BaseURL    string
	Email      string
	APIKey     string
	Currency   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Trust talks to a trust-account escrow service. Amounts travel as decimal
// major-unit strings, requests use basic auth, and callbacks report a
// status/event token such as "completed" or "funds_deposited".
type Trust struct {
	cfg    TrustConfig
	client *apiClient
}

// NewTrust creates the trust adapter.
func NewTrust(cfg TrustConfig) *Trust {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	c := newAPIClient(TrustName, strings.TrimRight(cfg.BaseURL, "/"), cfg.Timeout, cfg.HTTPClient)
	c.authorize = func(req *http.Request) {
		req.SetBasicAuth(cfg.Email, cfg.APIKey)
	}
	c.message = trustMessage
	return &Trust{cfg: cfg, client: c}
}

func (t *Trust) Name() string     { return TrustName }
func (t *Trust) Currency() string { return t.cfg.Currency }

func trustMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// MajorUnits renders a minor-unit amount as a two-decimal string.
func MajorUnits(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// Initialize opens a trust transaction and returns its landing page.
func (t *Trust) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	description := req.Description
	if description == "" {
		description = "Escrow " + req.Reference
	}

	body := map[string]any{
		"currency":    strings.ToLower(t.cfg.Currency),
		"description": description,
		"reference":   req.Reference,
		"return_url":  req.CallbackURL,
		"items": []map[string]any{{
			"title":    description,
			"type":     "milestone",
			"quantity": 1,
			"schedule": []map[string]any{{
				"amount":         MajorUnits(req.Amount),
				"payer_customer": req.PayerEmail,
			}},
		}},
		"parties": []map[string]any{
			{"role": "buyer", "customer": req.PayerEmail},
		},
		"metadata": req.Metadata,
	}

	var resp struct {
		ID          json.Number `json:"id"`
		LandingPage string      `json:"landing_page"`
	}
	if err := t.client.do(ctx, "initialize", http.MethodPost, "/transaction", body, &resp); err != nil {
		return nil, err
	}
	if resp.ID.String() == "" || resp.LandingPage == "" {
		return nil, &Error{Provider: TrustName, Operation: "initialize", Message: "missing id or landing_page", Kind: ErrProviderUnavailable}
	}
	return &InitResult{ProviderTransactionRef: resp.ID.String(), RedirectURL: resp.LandingPage}, nil
}

// NormalizeCallback maps the trust service's vocabulary onto Outcome.
func (t *Trust) NormalizeCallback(raw RawCallback) (*CallbackEvent, error) {
	p := Params(raw)

	ref := first(p, "reference", "ref")
	if ref == "" {
		return nil, fmt.Errorf("%s: %w: no reference", TrustName, ErrMalformedCallback)
	}

	token := normalizeToken(first(p, "status", "event", "action"))
	if token == "" {
		// A bare redirect says nothing about the payment; the webhook will.
		return nil, fmt.Errorf("%s: %w: no outcome for %s", TrustName, ErrMalformedCallback, ref)
	}
	var outcome Outcome
	switch token {
	case "completed", "funds_deposited", "funded":
		outcome = OutcomeFunded
	case "cancelled", "canceled":
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}

	return &CallbackEvent{
		Provider:               TrustName,
		Reference:              ref,
		ProviderTransactionRef: first(p, "transaction_id", "id"),
		Outcome:                outcome,
		RawToken:               token,
		Params:                 p,
	}, nil
}

// Release tells the trust service to disburse held funds to the seller.
func (t *Trust) Release(ctx context.Context, req SettleRequest) error {
	return t.settle(ctx, "release", req)
}

// Refund tells the trust service to return held funds to the buyer.
func (t *Trust) Refund(ctx context.Context, req SettleRequest) error {
	return t.settle(ctx, "refund", req)
}

func (t *Trust) settle(ctx context.Context, op string, req SettleRequest) error {
	if req.ProviderTransactionRef == "" {
		return &Error{Provider: TrustName, Operation: op, Message: "transaction id required", Kind: ErrProviderRejected}
	}
	path := "/transaction/" + url.PathEscape(req.ProviderTransactionRef) + "/" + op
	body := map[string]any{"amount": MajorUnits(req.Amount), "reference": req.Reference}
	return t.client.do(ctx, op, http.MethodPost, path, body, nil)
}

var _ Adapter = (*Trust)(nil)
var _ Settler = (*Trust)(nil)
