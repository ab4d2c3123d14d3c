package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/factorpipe/internal/domain"
)

type obsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *obsRepo) UpsertBatch(ctx context.Context, obs []domain.RawObservation) error {
	if len(obs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin observations upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_observations (symbol, obs_date, source_category, fields)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol, obs_date, source_category) DO UPDATE SET
			fields = EXCLUDED.fields`)
	if err != nil {
		return fmt.Errorf("prepare observations upsert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		fields, err := json.Marshal(o.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields for %s: %w", o.Symbol, err)
		}
		if _, err := stmt.ExecContext(ctx, o.Symbol, domain.Day(o.Date), o.SourceCategory, fields); err != nil {
			return fmt.Errorf("upsert observation %s/%s: %w", o.Symbol, domain.DayKey(o.Date), err)
		}
	}
	return tx.Commit()
}

func (r *obsRepo) ListBySymbol(ctx context.Context, symbol string, source domain.SourceCategory, dr domain.DateRange) ([]domain.RawObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, obs_date, source_category, fields
		FROM raw_observations
		WHERE symbol = $1 AND source_category = $2 AND obs_date >= $3 AND obs_date <= $4
		ORDER BY obs_date`, symbol, source, domain.Day(dr.From), domain.Day(dr.To))
	if err != nil {
		return nil, fmt.Errorf("list observations for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []domain.RawObservation
	for rows.Next() {
		var (
			o      domain.RawObservation
			fields []byte
		)
		if err := rows.Scan(&o.Symbol, &o.Date, &o.SourceCategory, &fields); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if err := json.Unmarshal(fields, &o.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields for %s: %w", o.Symbol, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
