package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfold/factorpipe/internal/domain"
)

type metricRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *metricRepo) UpsertBatch(ctx context.Context, metrics []domain.FactorMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO factor_metrics (symbol, metric_date, category, score, inputs, sub_scores, null_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, metric_date, category) DO UPDATE SET
			score = EXCLUDED.score,
			inputs = EXCLUDED.inputs,
			sub_scores = EXCLUDED.sub_scores,
			null_reason = EXCLUDED.null_reason`)
	if err != nil {
		return fmt.Errorf("prepare metrics upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		inputs, err := json.Marshal(m.Inputs)
		if err != nil {
			return fmt.Errorf("marshal inputs for %s: %w", m.Symbol, err)
		}
		subs, err := json.Marshal(m.SubScores)
		if err != nil {
			return fmt.Errorf("marshal sub scores for %s: %w", m.Symbol, err)
		}
		if _, err := stmt.ExecContext(ctx, m.Symbol, domain.Day(m.Date), m.Category, m.Score, inputs, subs, m.NullReason); err != nil {
			return fmt.Errorf("upsert metric %s/%s/%s: %w", m.Symbol, domain.DayKey(m.Date), m.Category, err)
		}
	}
	return tx.Commit()
}

func (r *metricRepo) ListByDate(ctx context.Context, date time.Time) ([]domain.FactorMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, metric_date, category, score, inputs, sub_scores, null_reason
		FROM factor_metrics
		WHERE metric_date = $1
		ORDER BY symbol, category`, domain.Day(date))
	if err != nil {
		return nil, fmt.Errorf("list metrics for %s: %w", domain.DayKey(date), err)
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func (r *metricRepo) ListBySymbol(ctx context.Context, symbol string, dr domain.DateRange) ([]domain.FactorMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, metric_date, category, score, inputs, sub_scores, null_reason
		FROM factor_metrics
		WHERE symbol = $1 AND metric_date >= $2 AND metric_date <= $3
		ORDER BY metric_date, category`, symbol, domain.Day(dr.From), domain.Day(dr.To))
	if err != nil {
		return nil, fmt.Errorf("list metrics for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func scanMetrics(rows *sqlx.Rows) ([]domain.FactorMetric, error) {
	var out []domain.FactorMetric
	for rows.Next() {
		var (
			m            domain.FactorMetric
			inputs, subs []byte
		)
		if err := rows.Scan(&m.Symbol, &m.Date, &m.Category, &m.Score, &inputs, &subs, &m.NullReason); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if err := json.Unmarshal(inputs, &m.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs for %s: %w", m.Symbol, err)
		}
		if err := json.Unmarshal(subs, &m.SubScores); err != nil {
			return nil, fmt.Errorf("unmarshal sub scores for %s: %w", m.Symbol, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
