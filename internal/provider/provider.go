// Package provider defines the contract between the pipeline and external
// data sources. The core never assumes a provider's wire format beyond
// these interfaces; concrete clients are thin shims injected at wiring time.
package provider

import (
	"context"
	"time"

	"github.com/quantfold/factorpipe/internal/domain"
)

// Record is one provider-native observation, already reduced to numeric
// fields keyed by canonical field names.
type Record struct {
	Symbol string             `json:"symbol"`
	Date   time.Time          `json:"date"`
	Fields map[string]float64 `json:"fields"`
}

// Client fetches raw records for one symbol over a date range. Failures are
// reported as *domain.ProviderError with the appropriate status.
type Client interface {
	// ID identifies the provider for rate limiting and circuit breaking.
	ID() string

	// Fetch returns records for the symbol within the range, ascending
	// by date.
	Fetch(ctx context.Context, symbol string, dr domain.DateRange) ([]Record, error)
}

// RegistrySource lists the canonical tradable universe from one registry.
type RegistrySource interface {
	// ID identifies the registry for rate limiting and circuit breaking.
	ID() string

	// ListSymbols returns every symbol the registry currently considers
	// tradable, with classification.
	ListSymbols(ctx context.Context) ([]domain.Symbol, error)
}
