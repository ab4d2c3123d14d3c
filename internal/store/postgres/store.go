// Package postgres implements the store repositories on PostgreSQL via sqlx.
// Every call runs under a bounded context timeout; batch writes use one
// short transaction with a prepared statement.
package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantfold/factorpipe/internal/config"
	"github.com/quantfold/factorpipe/internal/store"
)

// Open connects to PostgreSQL and returns the aggregated store.
func Open(cfg config.DatabaseConfig) (*store.Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	timeout := time.Duration(cfg.QueryTimeoutSec) * time.Second
	return NewStore(db, timeout), nil
}

// NewStore builds the repositories over an existing connection pool.
func NewStore(db *sqlx.DB, timeout time.Duration) *store.Store {
	return &store.Store{
		Symbols:      &symbolRepo{db: db, timeout: timeout},
		Observations: &obsRepo{db: db, timeout: timeout},
		Metrics:      &metricRepo{db: db, timeout: timeout},
		Scores:       &scoreRepo{db: db, timeout: timeout},
		Pipeline:     &pipelineRepo{db: db, timeout: timeout},
	}
}
