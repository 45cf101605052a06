// Package provider adapts external settlement providers to the escrow engine.
//
// Each Adapter turns a canonical "start escrow" request into a provider call
// and a provider callback into a canonical CallbackEvent. Provider-native
// field names, vocabularies, currencies and amount formats never leave this
// package.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strings"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrMalformedCallback   = errors.New("malformed provider callback")
)

// Outcome is the canonical result a provider reports for a funding attempt.
type Outcome string

const (
	OutcomeFunded    Outcome = "funded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// InitRequest is the canonical "start escrow" request.
type InitRequest struct {
	Reference   string
	PayerEmail  string
	Amount      int64 // minor units
	CallbackURL string
	Description string
	Metadata    map[string]string
}

// InitResult is what a provider hands back once it has created its transaction.
type InitResult struct {
	ProviderTransactionRef string
	RedirectURL            string
}

// RawCallback is an inbound provider notification exactly as received.
type RawCallback struct {
	Body        []byte
	ContentType string
	Query       url.Values
}

// CallbackEvent is the canonical form of a provider notification.
type CallbackEvent struct {
	Provider               string            `json:"provider"`
	Reference              string            `json:"reference"`
	ProviderTransactionRef string            `json:"providerTransactionRef,omitempty"`
	Outcome                Outcome           `json:"outcome"`
	RawToken               string            `json:"rawToken,omitempty"` // provider vocabulary, for logs only
	Params                 map[string]string `json:"-"`
}

// SettleRequest asks a provider to move escrowed funds out.
type SettleRequest struct {
	Reference              string
	ProviderTransactionRef string
	Amount                 int64
	RecipientID            string
}

// Adapter is implemented once per provider.
type Adapter interface {
	Name() string
	Currency() string
	Initialize(ctx context.Context, req InitRequest) (*InitResult, error)
	NormalizeCallback(raw RawCallback) (*CallbackEvent, error)
}

// Settler is implemented by adapters that can release or refund held funds.
type Settler interface {
	Release(ctx context.Context, req SettleRequest) error
	Refund(ctx context.Context, req SettleRequest) error
}

// Error carries provider-side detail while unwrapping to a sentinel.
type Error struct {
	Provider  string
	Operation string
	Status    int
	Message   string
	Kind      error // ErrProviderUnavailable or ErrProviderRejected
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Operation, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

// Registry maps provider names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Params recovers flat callback parameters from a raw notification.
// Query values are the fallback transport; a JSON or form body overrides them.
// JSON bodies have one level of "data" nesting flattened, without overwriting
// top-level keys. An unparseable body is ignored so the query can still be used.
func Params(raw RawCallback) map[string]string {
	out := make(map[string]string)
	for k, v := range raw.Query {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}

	body := bytes.TrimSpace(raw.Body)
	if len(body) == 0 {
		return out
	}

	mediaType, _, _ := mime.ParseMediaType(raw.ContentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") || body[0] == '{':
		var doc map[string]any
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return out
		}
		for k, v := range doc {
			if s, ok := scalar(v); ok {
				out[k] = s
			}
		}
		if nested, ok := doc["data"].(map[string]any); ok {
			for k, v := range nested {
				if _, taken := doc[k]; taken {
					continue
				}
				if s, ok := scalar(v); ok {
					out[k] = s
				}
			}
		}
	default:
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return out
		}
		for k, v := range form {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	}
	return out
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// first returns the first non-empty value among keys.
func first(p map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(p[k]); v != "" {
			return v
		}
	}
	return ""
}

// normalizeToken lowercases a provider vocabulary token.
func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
