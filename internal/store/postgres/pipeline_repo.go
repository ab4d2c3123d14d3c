package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfold/factorpipe/internal/domain"
)

type pipelineRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *pipelineRepo) Ensure(ctx context.Context, stage string, dependsOn []string, maxStaleness time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (stage, depends_on, max_staleness_secs, last_status, updated_at)
		VALUES ($1, $2, $3, '', now())
		ON CONFLICT (stage) DO UPDATE SET
			depends_on = EXCLUDED.depends_on,
			max_staleness_secs = EXCLUDED.max_staleness_secs,
			updated_at = now()`,
		stage, pq.Array(dependsOn), int64(maxStaleness/time.Second))
	if err != nil {
		return fmt.Errorf("ensure pipeline stage %s: %w", stage, err)
	}
	return nil
}

func (r *pipelineRepo) Get(ctx context.Context, stage string) (*domain.PipelineRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT stage, depends_on, max_staleness_secs, last_success_at, last_status, lock_owner, lock_acquired_at, updated_at
		FROM pipeline_runs
		WHERE stage = $1`, stage)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline stage %s: %w", stage, err)
	}
	return run, nil
}

func (r *pipelineRepo) List(ctx context.Context) ([]domain.PipelineRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT stage, depends_on, max_staleness_secs, last_success_at, last_status, lock_owner, lock_acquired_at, updated_at
		FROM pipeline_runs
		ORDER BY stage`)
	if err != nil {
		return nil, fmt.Errorf("list pipeline stages: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline stage: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (r *pipelineRepo) TryLock(ctx context.Context, stage, owner string, lease time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Compare-and-swap: take the lock only when free or past its lease.
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET lock_owner = $2, lock_acquired_at = now(), updated_at = now()
		WHERE stage = $1
		  AND (lock_owner IS NULL OR lock_acquired_at < now() - make_interval(secs => $3))`,
		stage, owner, int64(lease/time.Second))
	if err != nil {
		return false, fmt.Errorf("lock pipeline stage %s: %w", stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock pipeline stage %s: %w", stage, err)
	}
	return n == 1, nil
}

func (r *pipelineRepo) Unlock(ctx context.Context, stage, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET lock_owner = NULL, lock_acquired_at = NULL, updated_at = now()
		WHERE stage = $1 AND lock_owner = $2`, stage, owner)
	if err != nil {
		return fmt.Errorf("unlock pipeline stage %s: %w", stage, err)
	}
	return nil
}

func (r *pipelineRepo) MarkResult(ctx context.Context, stage string, status domain.RunStatus, success bool, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET last_status = $2,
		    last_success_at = CASE WHEN $3 THEN $4 ELSE last_success_at END,
		    updated_at = now()
		WHERE stage = $1`, stage, status, success, at.UTC())
	if err != nil {
		return fmt.Errorf("mark pipeline stage %s: %w", stage, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.PipelineRun, error) {
	var (
		run  domain.PipelineRun
		deps pq.StringArray
	)
	if err := row.Scan(&run.Stage, &deps, &run.MaxStaleness, &run.LastSuccess, &run.LastStatus, &run.LockOwner, &run.LockAcquiredAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.DependsOn = []string(deps)
	return &run, nil
}
