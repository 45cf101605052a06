package provider

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_QueryOnly(t *testing.T) {
	p := Params(RawCallback{Query: url.Values{"reference": {"esc_1"}, "status": {"success"}}})
	assert.Equal(t, "esc_1", p["reference"])
	assert.Equal(t, "success", p["status"])
}

func TestParams_JSONBodyOverridesQuery(t *testing.T) {
	raw := RawCallback{
		Body:        []byte(`{"reference":"esc_body","amount":50000,"paid":true}`),
		ContentType: "application/json; charset=utf-8",
		Query:       url.Values{"reference": {"esc_query"}, "trxref": {"esc_query"}},
	}
	p := Params(raw)
	assert.Equal(t, "esc_body", p["reference"])
	assert.Equal(t, "esc_query", p["trxref"])
	assert.Equal(t, "50000", p["amount"])
	assert.Equal(t, "true", p["paid"])
}

func TestParams_FlattensDataWithoutOverwriting(t *testing.T) {
	raw := RawCallback{
		Body:        []byte(`{"event":"charge.success","status":"top","data":{"reference":"esc_2","status":"nested","customer":{"email":"x@y.z"}}}`),
		ContentType: "application/json",
	}
	p := Params(raw)
	assert.Equal(t, "esc_2", p["reference"])
	assert.Equal(t, "top", p["status"])
	assert.Equal(t, "charge.success", p["event"])
	_, hasCustomer := p["customer"]
	assert.False(t, hasCustomer, "nested objects are not flattened")
}

func TestParams_FormBody(t *testing.T) {
	raw := RawCallback{
		Body:        []byte("reference=esc_3&status=completed"),
		ContentType: "application/x-www-form-urlencoded",
	}
	p := Params(raw)
	assert.Equal(t, "esc_3", p["reference"])
	assert.Equal(t, "completed", p["status"])
}

func TestParams_GarbageBodyFallsBackToQuery(t *testing.T) {
	raw := RawCallback{
		Body:        []byte("{not json"),
		ContentType: "application/json",
		Query:       url.Values{"reference": {"esc_4"}},
	}
	p := Params(raw)
	assert.Equal(t, "esc_4", p["reference"])
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewTrust(TrustConfig{}), NewCard(CardConfig{}))
	assert.Equal(t, []string{"card", "trust"}, reg.Names())

	a, err := reg.Get("card")
	require.NoError(t, err)
	assert.Equal(t, CardName, a.Name())

	_, err = reg.Get("paypal")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestError_UnwrapsToKind(t *testing.T) {
	err := &Error{Provider: "card", Operation: "initialize", Status: 422, Message: "Invalid email", Kind: ErrProviderRejected}
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "Invalid email")
}

func TestMajorUnits(t *testing.T) {
	cases := map[int64]string{
		0:      "0.00",
		5:      "0.05",
		50000:  "500.00",
		123456: "1234.56",
		-250:   "-2.50",
	}
	for in, want := range cases {
		assert.Equal(t, want, MajorUnits(in), "MajorUnits(%d)", in)
	}
}
