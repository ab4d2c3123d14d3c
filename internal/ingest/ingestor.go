// Package ingest pulls raw observations from external providers through the
// access guard and upserts them in bounded batches. Per-symbol failures are
// skipped with a reason; only an unreachable provider aborts the stage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/factorpipe/internal/cache"
	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/guard"
	"github.com/quantfold/factorpipe/internal/pipeline"
	"github.com/quantfold/factorpipe/internal/provider"
	"github.com/quantfold/factorpipe/internal/store"
)

// DefaultBatchSize bounds symbols per transaction.
const DefaultBatchSize = 500

const persistenceRetries = 3

// Ingestor ingests one source category from one provider.
type Ingestor struct {
	source       domain.SourceCategory
	client       provider.Client
	guard        *guard.Guard
	cache        *cache.RecordCache // nil disables caching
	cacheTTL     time.Duration
	store        *store.Store
	lookbackDays int
}

// New builds an ingestor. lookbackDays controls the fetch window ending at
// the run date.
func New(source domain.SourceCategory, client provider.Client, g *guard.Guard, rc *cache.RecordCache, cacheTTL time.Duration, st *store.Store, lookbackDays int) *Ingestor {
	return &Ingestor{
		source:       source,
		client:       client,
		guard:        g,
		cache:        rc,
		cacheTTL:     cacheTTL,
		store:        st,
		lookbackDays: lookbackDays,
	}
}

// Run ingests observations for the active universe (or the param filter),
// batch by batch. Each batch commits in its own short transaction; a budget
// timeout leaves prior batches committed.
func (in *Ingestor) Run(ctx context.Context, p pipeline.Params) (pipeline.Result, error) {
	var res pipeline.Result

	if in.client == nil {
		return res, &domain.ConfigError{Field: "providers." + string(in.source), Reason: "no provider client configured"}
	}
	symbols, err := activeSymbols(ctx, in.store, p.Symbols)
	if err != nil {
		return res, err
	}
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	dr := domain.DateRange{
		From: domain.Day(p.Date).AddDate(0, 0, -in.lookbackDays),
		To:   domain.Day(p.Date),
	}

	for start := 0; start < len(symbols); start += batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		var rows []domain.RawObservation
		for _, sym := range symbols[start:end] {
			records, err := in.fetch(ctx, sym.Ticker, dr)
			if err != nil {
				var pe *domain.ProviderError
				if errors.As(err, &pe) && pe.Status == domain.ProviderUnreachable {
					// Provider fully down: abort the stage, keep
					// what previous batches committed.
					return res, err
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return res, err
				}
				res.Skipped = append(res.Skipped, pipeline.Skip{Symbol: sym.Ticker, Reason: skipReason(err)})
				log.Warn().Str("symbol", sym.Ticker).Str("source", string(in.source)).
					Err(err).Msg("symbol skipped")
				continue
			}
			converted, err := in.convert(sym.Ticker, records)
			if err != nil {
				res.Skipped = append(res.Skipped, pipeline.Skip{Symbol: sym.Ticker, Reason: skipReason(err)})
				log.Warn().Str("symbol", sym.Ticker).Str("source", string(in.source)).
					Err(err).Msg("symbol skipped")
				continue
			}
			rows = append(rows, converted...)
			res.Processed++
		}

		if err := upsertWithRetry(ctx, in.store.Observations, rows); err != nil {
			return res, err
		}
		res.RowsWritten += len(rows)
		log.Debug().Str("source", string(in.source)).
			Int("batch_start", start).Int("rows", len(rows)).Msg("batch committed")
	}
	return res, nil
}

func (in *Ingestor) fetch(ctx context.Context, symbol string, dr domain.DateRange) ([]provider.Record, error) {
	key := cache.Key(in.client.ID(), symbol, dr)
	var cached []provider.Record
	if in.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	out, err := in.guard.Call(ctx, in.client.ID(), func(cctx context.Context) (any, error) {
		return in.client.Fetch(cctx, symbol, dr)
	})
	if err != nil {
		return nil, err
	}
	records := out.([]provider.Record)
	if err := in.cache.Set(ctx, key, records, in.cacheTTL); err != nil {
		log.Debug().Str("symbol", symbol).Err(err).Msg("cache set failed")
	}
	return records, nil
}

// convert validates provider records and maps them onto observation rows.
func (in *Ingestor) convert(symbol string, records []provider.Record) ([]domain.RawObservation, error) {
	if len(records) == 0 {
		return nil, &domain.DataIntegrityError{Symbol: symbol, Field: "records", Reason: "provider returned no data"}
	}
	rows := make([]domain.RawObservation, 0, len(records))
	for _, rec := range records {
		if rec.Date.IsZero() {
			return nil, &domain.DataIntegrityError{Symbol: symbol, Field: "date", Reason: "missing observation date"}
		}
		if len(rec.Fields) == 0 {
			return nil, &domain.DataIntegrityError{Symbol: symbol, Field: "fields", Reason: "empty field set"}
		}
		for name, v := range rec.Fields {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &domain.DataIntegrityError{Symbol: symbol, Field: name, Reason: "non-finite value"}
			}
		}
		rows = append(rows, domain.RawObservation{
			Symbol:         symbol,
			Date:           domain.Day(rec.Date),
			SourceCategory: in.source,
			Fields:         rec.Fields,
		})
	}
	return rows, nil
}

func upsertWithRetry(ctx context.Context, repo store.ObservationRepo, rows []domain.RawObservation) error {
	if len(rows) == 0 {
		return nil
	}
	var err error
	for attempt := 0; attempt < persistenceRetries; attempt++ {
		if err = repo.UpsertBatch(ctx, rows); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Int("attempt", attempt+1).Err(err).Msg("batch upsert failed, retrying")
		select {
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &domain.PersistenceError{Op: "upsert observations batch", Err: err}
}

func skipReason(err error) string {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return "provider_" + string(pe.Status)
	}
	var de *domain.DataIntegrityError
	if errors.As(err, &de) {
		return "data_integrity"
	}
	return "error"
}

// activeSymbols loads the active universe, optionally filtered.
func activeSymbols(ctx context.Context, st *store.Store, filter []string) ([]domain.Symbol, error) {
	symbols, err := st.Symbols.ListActive(ctx)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list active symbols", Err: err}
	}
	if len(filter) == 0 {
		return symbols, nil
	}
	want := make(map[string]bool, len(filter))
	for _, t := range filter {
		want[t] = true
	}
	out := symbols[:0]
	for _, s := range symbols {
		if want[s.Ticker] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("symbol filter matched nothing")
	}
	return out, nil
}
