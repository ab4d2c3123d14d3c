// Package universe maintains the set of active tradable symbols. Symbols
// absent from every source registry are flagged inactive, never deleted.
package universe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/guard"
	"github.com/quantfold/factorpipe/internal/pipeline"
	"github.com/quantfold/factorpipe/internal/provider"
	"github.com/quantfold/factorpipe/internal/store"
)

// Registry syncs the symbol table from one or more external registries.
type Registry struct {
	sources    []provider.RegistrySource
	symbols    store.SymbolRepo
	guard      *guard.Guard
	minSymbols int
}

// SyncResult summarizes one registry sync.
type SyncResult struct {
	Added       int `json:"added"`
	Reactivated int `json:"reactivated"`
	Deactivated int `json:"deactivated"`
}

// New builds a registry over the given sources.
func New(sources []provider.RegistrySource, symbols store.SymbolRepo, g *guard.Guard, minSymbols int) *Registry {
	return &Registry{sources: sources, symbols: symbols, guard: g, minSymbols: minSymbols}
}

// Sync fetches the canonical symbol list, deduplicates across sources, and
// upserts the symbol table. Idempotent. When every source fails, the
// existing table is left untouched and a ProviderError is returned.
func (r *Registry) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	merged := map[string]domain.Symbol{}
	var lastErr error
	succeeded, failed := 0, 0
	for _, src := range r.sources {
		out, err := r.guard.Call(ctx, src.ID(), func(cctx context.Context) (any, error) {
			return src.ListSymbols(cctx)
		})
		if err != nil {
			lastErr = err
			failed++
			log.Warn().Str("registry", src.ID()).Err(err).Msg("registry source failed")
			continue
		}
		succeeded++
		for _, s := range out.([]domain.Symbol) {
			if s.Ticker == "" {
				continue
			}
			if existing, ok := merged[s.Ticker]; ok {
				// First source wins; later sources only fill gaps.
				if existing.Sector == "" {
					existing.Sector = s.Sector
				}
				if existing.Industry == "" {
					existing.Industry = s.Industry
				}
				if existing.Name == "" {
					existing.Name = s.Name
				}
				merged[s.Ticker] = existing
				continue
			}
			if s.Type == "" {
				s.Type = domain.InstrumentEquity
			}
			s.Active = true
			merged[s.Ticker] = s
		}
	}
	if succeeded == 0 {
		if lastErr == nil {
			lastErr = &domain.ProviderError{Provider: "registry", Status: domain.ProviderUnreachable}
		}
		return res, fmt.Errorf("universe sync: all registry sources failed: %w", lastErr)
	}
	if len(merged) < r.minSymbols {
		// Fail-safe: a suspiciously small registry result must not wipe
		// the universe.
		return res, &domain.DataIntegrityError{Symbol: "universe", Field: "symbols",
			Reason: fmt.Sprintf("registry returned %d symbols, minimum is %d", len(merged), r.minSymbols)}
	}

	existing, err := r.symbols.List(ctx)
	if err != nil {
		return res, &domain.PersistenceError{Op: "list symbols", Err: err}
	}
	known := make(map[string]domain.Symbol, len(existing))
	for _, s := range existing {
		known[s.Ticker] = s
	}

	upserts := make([]domain.Symbol, 0, len(merged))
	var missing []string
	for ticker, s := range merged {
		prev, seen := known[ticker]
		switch {
		case !seen:
			res.Added++
		case !prev.Active:
			res.Reactivated++
		}
		upserts = append(upserts, s)
	}
	for ticker, s := range known {
		if _, present := merged[ticker]; !present && s.Active {
			missing = append(missing, ticker)
		}
	}

	if err := r.symbols.UpsertBatch(ctx, upserts); err != nil {
		return res, &domain.PersistenceError{Op: "upsert symbols", Err: err}
	}
	if failed > 0 {
		// A partial registry view cannot distinguish delisted from
		// source-down; deactivation waits for a fully successful sync.
		log.Warn().Int("failed_sources", failed).Int("would_deactivate", len(missing)).
			Msg("skipping deactivation pass on partial registry result")
	} else {
		n, err := r.symbols.Deactivate(ctx, missing)
		if err != nil {
			return res, &domain.PersistenceError{Op: "deactivate symbols", Err: err}
		}
		res.Deactivated = int(n)
	}

	log.Info().
		Int("added", res.Added).
		Int("reactivated", res.Reactivated).
		Int("deactivated", res.Deactivated).
		Int("total", len(merged)).
		Msg("universe synced")
	return res, nil
}

// Stage adapts Sync to the orchestrator's stage contract.
func (r *Registry) Stage() pipeline.StageFunc {
	return func(ctx context.Context, _ pipeline.Params) (pipeline.Result, error) {
		res, err := r.Sync(ctx)
		if err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Result{
			Processed:   res.Added + res.Reactivated + res.Deactivated,
			RowsWritten: res.Added + res.Reactivated + res.Deactivated,
		}, nil
	}
}
