package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/quantfold/factorpipe/internal/domain"
)

// HTTPClient is a generic JSON fetch shim for providers exposing
// GET {base}/{kind}?symbol=&from=&to= returning a record array. It maps
// transport and HTTP status failures onto the provider error taxonomy.
type HTTPClient struct {
	id      string
	kind    string
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a fetch client for one provider endpoint.
func NewHTTPClient(id, kind, baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClient{
		id:      id,
		kind:    kind,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ID() string { return c.id }

// Fetch implements Client.
func (c *HTTPClient) Fetch(ctx context.Context, symbol string, dr domain.DateRange) ([]Record, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("from", domain.DayKey(dr.From))
	q.Set("to", domain.DayKey(dr.To))
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, c.kind, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &domain.ProviderError{Provider: c.id, Status: domain.ProviderServerError, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		status := domain.ProviderTimeout
		if ctx.Err() == nil {
			status = domain.ProviderServerError
		}
		return nil, &domain.ProviderError{Provider: c.id, Status: status, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.ProviderError{Provider: c.id, Status: domain.ProviderRateLimited}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &domain.ProviderError{Provider: c.id, Status: domain.ProviderNotFound}
	case resp.StatusCode >= 500:
		return nil, &domain.ProviderError{Provider: c.id, Status: domain.ProviderServerError,
			Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		// 401/403 and friends: retries cannot fix a credential or request
		// problem, so fail fast instead of burning the backoff budget.
		return nil, &domain.ProviderError{Provider: c.id, Status: domain.ProviderUnreachable,
			Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.ProviderError{Provider: c.id, Status: domain.ProviderServerError,
			Err: fmt.Errorf("unexpected http %d", resp.StatusCode)}
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &domain.ProviderError{Provider: c.id, Status: domain.ProviderServerError,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return records, nil
}
