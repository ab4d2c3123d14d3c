package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/factorpipe/internal/domain"
)

type scoreRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *scoreRepo) UpsertBatch(ctx context.Context, scores []domain.CompositeScore) error {
	if len(scores) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scores upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO composite_scores (symbol, score_date, score, percentile_rank, sector_percentile, contributions, data_completeness)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, score_date) DO UPDATE SET
			score = EXCLUDED.score,
			percentile_rank = EXCLUDED.percentile_rank,
			sector_percentile = EXCLUDED.sector_percentile,
			contributions = EXCLUDED.contributions,
			data_completeness = EXCLUDED.data_completeness`)
	if err != nil {
		return fmt.Errorf("prepare scores upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range scores {
		contrib, err := json.Marshal(s.Contributions)
		if err != nil {
			return fmt.Errorf("marshal contributions for %s: %w", s.Symbol, err)
		}
		if _, err := stmt.ExecContext(ctx, s.Symbol, domain.Day(s.Date), s.Score, s.PercentileRank, s.SectorPercentile, contrib, s.DataCompleteness); err != nil {
			return fmt.Errorf("upsert score %s/%s: %w", s.Symbol, domain.DayKey(s.Date), err)
		}
	}
	return tx.Commit()
}

func (r *scoreRepo) ListByDate(ctx context.Context, date time.Time) ([]domain.CompositeScore, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, score_date, score, percentile_rank, sector_percentile, contributions, data_completeness
		FROM composite_scores
		WHERE score_date = $1
		ORDER BY symbol`, domain.Day(date))
	if err != nil {
		return nil, fmt.Errorf("list scores for %s: %w", domain.DayKey(date), err)
	}
	defer rows.Close()
	return scanScores(rows)
}

func (r *scoreRepo) ListBySymbol(ctx context.Context, symbol string, dr domain.DateRange) ([]domain.CompositeScore, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, score_date, score, percentile_rank, sector_percentile, contributions, data_completeness
		FROM composite_scores
		WHERE symbol = $1 AND score_date >= $2 AND score_date <= $3
		ORDER BY score_date`, symbol, domain.Day(dr.From), domain.Day(dr.To))
	if err != nil {
		return nil, fmt.Errorf("list scores for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanScores(rows)
}

func scanScores(rows *sqlx.Rows) ([]domain.CompositeScore, error) {
	var out []domain.CompositeScore
	for rows.Next() {
		var (
			s       domain.CompositeScore
			contrib []byte
		)
		if err := rows.Scan(&s.Symbol, &s.Date, &s.Score, &s.PercentileRank, &s.SectorPercentile, &contrib, &s.DataCompleteness); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if err := json.Unmarshal(contrib, &s.Contributions); err != nil {
			return nil, fmt.Errorf("unmarshal contributions for %s: %w", s.Symbol, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
