package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfold/factorpipe/internal/domain"
)

type symbolRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *symbolRepo) UpsertBatch(ctx context.Context, symbols []domain.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin symbols upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (ticker, name, instrument_type, sector, industry, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (ticker) DO UPDATE SET
			name = EXCLUDED.name,
			instrument_type = EXCLUDED.instrument_type,
			sector = EXCLUDED.sector,
			industry = EXCLUDED.industry,
			active = EXCLUDED.active,
			updated_at = now()`)
	if err != nil {
		return fmt.Errorf("prepare symbols upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range symbols {
		if _, err := stmt.ExecContext(ctx, s.Ticker, s.Name, s.Type, s.Sector, s.Industry, s.Active); err != nil {
			return fmt.Errorf("upsert symbol %s: %w", s.Ticker, err)
		}
	}
	return tx.Commit()
}

func (r *symbolRepo) List(ctx context.Context) ([]domain.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.Symbol
	err := r.db.SelectContext(ctx, &out, `
		SELECT ticker, name, instrument_type, sector, industry, active, updated_at
		FROM symbols
		ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	return out, nil
}

func (r *symbolRepo) ListActive(ctx context.Context) ([]domain.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []domain.Symbol
	err := r.db.SelectContext(ctx, &out, `
		SELECT ticker, name, instrument_type, sector, industry, active, updated_at
		FROM symbols
		WHERE active
		ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list active symbols: %w", err)
	}
	return out, nil
}

func (r *symbolRepo) Deactivate(ctx context.Context, tickers []string) (int64, error) {
	if len(tickers) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE symbols SET active = false, updated_at = now()
		WHERE active AND ticker = ANY($1)`, pq.Array(tickers))
	if err != nil {
		return 0, fmt.Errorf("deactivate symbols: %w", err)
	}
	return res.RowsAffected()
}
