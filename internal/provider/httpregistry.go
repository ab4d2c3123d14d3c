package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantfold/factorpipe/internal/domain"
)

// HTTPRegistry lists the tradable universe from GET {base}/symbols.
type HTTPRegistry struct {
	id      string
	baseURL string
	http    *http.Client
}

// NewHTTPRegistry builds a registry source shim.
func NewHTTPRegistry(id, baseURL string, timeout time.Duration) *HTTPRegistry {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRegistry{id: id, baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (r *HTTPRegistry) ID() string { return r.id }

// ListSymbols implements RegistrySource.
func (r *HTTPRegistry) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/symbols", nil)
	if err != nil {
		return nil, &domain.ProviderError{Provider: r.id, Status: domain.ProviderServerError, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		status := domain.ProviderTimeout
		if ctx.Err() == nil {
			status = domain.ProviderServerError
		}
		return nil, &domain.ProviderError{Provider: r.id, Status: status, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.ProviderError{Provider: r.id, Status: domain.ProviderRateLimited}
	case resp.StatusCode >= 500:
		return nil, &domain.ProviderError{Provider: r.id, Status: domain.ProviderServerError,
			Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		// Credential or request problems are not retryable.
		return nil, &domain.ProviderError{Provider: r.id, Status: domain.ProviderUnreachable,
			Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.ProviderError{Provider: r.id, Status: domain.ProviderServerError,
			Err: fmt.Errorf("unexpected http %d", resp.StatusCode)}
	}

	var symbols []domain.Symbol
	if err := json.NewDecoder(resp.Body).Decode(&symbols); err != nil {
		return nil, &domain.ProviderError{Provider: r.id, Status: domain.ProviderServerError,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return symbols, nil
}
