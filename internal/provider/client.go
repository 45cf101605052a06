package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/gigescrow/internal/metrics"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 1 << 20

// apiClient is the JSON-over-HTTP transport shared by both adapters.
// Every call carries a hard timeout and is never retried here: retrying a
// provider call from the request path is the caller's decision.
type apiClient struct {
	provider  string
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	breaker   *Breaker
	authorize func(req *http.Request)
	// message extracts a human-readable error from a non-2xx body.
	message func(body []byte) string
}

func newAPIClient(provider, baseURL string, timeout time.Duration, hc *http.Client) *apiClient {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &apiClient{
		provider: provider,
		baseURL:  baseURL,
		http:     hc,
		timeout:  timeout,
		breaker:  NewBreaker(provider, 5, 30*time.Second),
		message:  func([]byte) string { return "" },
	}
}

// do sends in as JSON to path and decodes a 2xx body into out (if non-nil).
func (c *apiClient) do(ctx context.Context, op, method, path string, in, out any) error {
	start := time.Now()
	result := "ok"
	defer func() {
		metrics.ProviderRequestsTotal.WithLabelValues(c.provider, op, result).Inc()
		metrics.ProviderRequestDuration.WithLabelValues(c.provider, op).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			result = "encode_error"
			return fmt.Errorf("%s %s: encode request: %w", c.provider, op, err)
		}
		body = bytes.NewReader(payload)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		result = "encode_error"
		return fmt.Errorf("%s %s: build request: %w", c.provider, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	// Everything that can fail locally is done; from here every path
	// reports to the breaker.
	if !c.breaker.Allow() {
		result = "circuit_open"
		return &Error{Provider: c.provider, Operation: op, Message: "circuit open", Kind: ErrProviderUnavailable}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller went away; that says nothing about the provider.
			c.breaker.Abandon()
			result = "cancelled"
			return fmt.Errorf("%s %s: %w", c.provider, op, ctx.Err())
		}
		c.breaker.Failure()
		result = "unavailable"
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "timeout"
		}
		return &Error{Provider: c.provider, Operation: op, Message: msg, Kind: ErrProviderUnavailable}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.breaker.Failure()
		result = "unavailable"
		return &Error{Provider: c.provider, Operation: op, Status: resp.StatusCode, Message: "read response: " + err.Error(), Kind: ErrProviderUnavailable}
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
		result = "unavailable"
		return &Error{Provider: c.provider, Operation: op, Status: resp.StatusCode, Message: c.message(raw), Kind: ErrProviderUnavailable}
	case resp.StatusCode >= 400:
		c.breaker.Success()
		result = "rejected"
		return &Error{Provider: c.provider, Operation: op, Status: resp.StatusCode, Message: c.message(raw), Kind: ErrProviderRejected}
	}

	c.breaker.Success()
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		result = "bad_response"
		return &Error{Provider: c.provider, Operation: op, Status: resp.StatusCode, Message: "undecodable response", Kind: ErrProviderUnavailable}
	}
	return nil
}
