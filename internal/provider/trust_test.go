package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrustServer(t *testing.T, handler http.HandlerFunc) *Trust {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTrust(TrustConfig{BaseURL: srv.URL, Email: "ops@example.com", APIKey: "key", Timeout: 2 * time.Second})
}

func TestTrust_Initialize(t *testing.T) {
	var got map[string]any
	trust := newTrustServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ops@example.com", user)
		assert.Equal(t, "key", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1234567,"landing_page":"https://trust.example/t/1234567"}`))
	})

	res, err := trust.Initialize(context.Background(), InitRequest{
		Reference:   "esc_1",
		PayerEmail:  "a@b.com",
		Amount:      50000,
		CallbackURL: "https://api.example/v1/payments/trust/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "1234567", res.ProviderTransactionRef)
	assert.Equal(t, "https://trust.example/t/1234567", res.RedirectURL)

	assert.Equal(t, "usd", got["currency"])
	assert.Equal(t, "https://api.example/v1/payments/trust/return", got["return_url"])
	items := got["items"].([]any)
	schedule := items[0].(map[string]any)["schedule"].([]any)
	assert.Equal(t, "500.00", schedule[0].(map[string]any)["amount"], "amounts travel in major units")
}

func TestTrust_Initialize_Rejected(t *testing.T) {
	trust := newTrustServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"unsupported currency"}`))
	})

	_, err := trust.Initialize(context.Background(), InitRequest{Reference: "esc_1", PayerEmail: "a@b.com", Amount: 100})
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.Contains(t, err.Error(), "unsupported currency")
}

func TestTrust_Initialize_MissingLandingPage(t *testing.T) {
	trust := newTrustServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":42}`))
	})

	_, err := trust.Initialize(context.Background(), InitRequest{Reference: "esc_1", PayerEmail: "a@b.com", Amount: 100})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestTrust_NormalizeCallback(t *testing.T) {
	trust := NewTrust(TrustConfig{})

	tests := []struct {
		token   string
		outcome Outcome
	}{
		{"completed", OutcomeFunded},
		{"funds_deposited", OutcomeFunded},
		{"FUNDED", OutcomeFunded},
		{"cancelled", OutcomeCancelled},
		{"canceled", OutcomeCancelled},
		{"success", OutcomeFailed}, // not this provider's vocabulary
		{"buyer_disputed", OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			ev, err := trust.NormalizeCallback(RawCallback{
				Body:        []byte(`{"reference":"esc_9","transaction_id":"777","status":"` + tt.token + `"}`),
				ContentType: "application/json",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, ev.Outcome)
			assert.Equal(t, "esc_9", ev.Reference)
			assert.Equal(t, "777", ev.ProviderTransactionRef)
		})
	}
}

func TestTrust_NormalizeCallback_EventField(t *testing.T) {
	trust := NewTrust(TrustConfig{})
	ev, err := trust.NormalizeCallback(RawCallback{Query: url.Values{"reference": {"esc_1"}, "event": {"funds_deposited"}}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFunded, ev.Outcome)
}

func TestTrust_NormalizeCallback_NoOutcomeIsMalformed(t *testing.T) {
	trust := NewTrust(TrustConfig{})
	_, err := trust.NormalizeCallback(RawCallback{Body: []byte(`{"reference":"esc_9","status":""}`), ContentType: "application/json"})
	assert.ErrorIs(t, err, ErrMalformedCallback)

	_, err = trust.NormalizeCallback(RawCallback{Query: url.Values{"reference": {"esc_9"}}})
	assert.ErrorIs(t, err, ErrMalformedCallback)
}

func TestTrust_NormalizeCallback_NoReference(t *testing.T) {
	trust := NewTrust(TrustConfig{})
	_, err := trust.NormalizeCallback(RawCallback{Body: []byte(`{"status":"completed"}`), ContentType: "application/json"})
	assert.ErrorIs(t, err, ErrMalformedCallback)
}

func TestTrust_ReleaseAndRefund(t *testing.T) {
	var paths []string
	trust := newTrustServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	req := SettleRequest{Reference: "esc_1", ProviderTransactionRef: "1234567", Amount: 50000}
	require.NoError(t, trust.Release(context.Background(), req))
	require.NoError(t, trust.Refund(context.Background(), req))
	assert.Equal(t, []string{"/transaction/1234567/release", "/transaction/1234567/refund"}, paths)
}

func TestTrust_SettleRequiresTransactionID(t *testing.T) {
	trust := NewTrust(TrustConfig{BaseURL: "http://127.0.0.1:1"})
	err := trust.Release(context.Background(), SettleRequest{Reference: "esc_1", Amount: 1})
	assert.ErrorIs(t, err, ErrProviderRejected)
}
