// Package memory is a mutex-guarded in-memory Store used by unit tests and
// local runs without PostgreSQL. Values are deep-copied at the boundary so
// callers can never alias stored state.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/store"
)

// Store holds every repository over one shared mutex.
type Store struct {
	mu       sync.Mutex
	symbols  map[string]domain.Symbol
	obs      map[string]domain.RawObservation
	metrics  map[string]domain.FactorMetric
	scores   map[string]domain.CompositeScore
	pipeline map[string]domain.PipelineRun
}

// New returns an empty in-memory store.
func New() *store.Store {
	m := &Store{
		symbols:  map[string]domain.Symbol{},
		obs:      map[string]domain.RawObservation{},
		metrics:  map[string]domain.FactorMetric{},
		scores:   map[string]domain.CompositeScore{},
		pipeline: map[string]domain.PipelineRun{},
	}
	return &store.Store{
		Symbols:      (*symbolRepo)(m),
		Observations: (*obsRepo)(m),
		Metrics:      (*metricRepo)(m),
		Scores:       (*scoreRepo)(m),
		Pipeline:     (*pipelineRepo)(m),
	}
}

func obsKey(o domain.RawObservation) string {
	return o.Symbol + "|" + domain.DayKey(o.Date) + "|" + string(o.SourceCategory)
}

func metricKey(m domain.FactorMetric) string {
	return m.Symbol + "|" + domain.DayKey(m.Date) + "|" + string(m.Category)
}

func scoreKey(s domain.CompositeScore) string {
	return s.Symbol + "|" + domain.DayKey(s.Date)
}

func copyFloats(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func inRange(d time.Time, dr domain.DateRange) bool {
	d = domain.Day(d)
	return !d.Before(domain.Day(dr.From)) && !d.After(domain.Day(dr.To))
}

type symbolRepo Store

func (r *symbolRepo) UpsertBatch(_ context.Context, symbols []domain.Symbol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		r.symbols[s.Ticker] = s
	}
	return nil
}

func (r *symbolRepo) List(_ context.Context) ([]domain.Symbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Symbol, 0, len(r.symbols))
	for _, s := range r.symbols {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (r *symbolRepo) ListActive(ctx context.Context) ([]domain.Symbol, error) {
	all, _ := r.List(ctx)
	out := all[:0]
	for _, s := range all {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *symbolRepo) Deactivate(_ context.Context, tickers []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range tickers {
		if s, ok := r.symbols[t]; ok && s.Active {
			s.Active = false
			r.symbols[t] = s
			n++
		}
	}
	return n, nil
}

type obsRepo Store

func (r *obsRepo) UpsertBatch(_ context.Context, obs []domain.RawObservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range obs {
		o.Date = domain.Day(o.Date)
		o.Fields = copyFloats(o.Fields)
		r.obs[obsKey(o)] = o
	}
	return nil
}

func (r *obsRepo) ListBySymbol(_ context.Context, symbol string, source domain.SourceCategory, dr domain.DateRange) ([]domain.RawObservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RawObservation
	for _, o := range r.obs {
		if o.Symbol != symbol || o.SourceCategory != source || !inRange(o.Date, dr) {
			continue
		}
		o.Fields = copyFloats(o.Fields)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

type metricRepo Store

func (r *metricRepo) UpsertBatch(_ context.Context, metrics []domain.FactorMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range metrics {
		m.Date = domain.Day(m.Date)
		m.Score = copyPtr(m.Score)
		m.Inputs = copyFloats(m.Inputs)
		m.SubScores = copyFloats(m.SubScores)
		r.metrics[metricKey(m)] = m
	}
	return nil
}

func (r *metricRepo) ListByDate(_ context.Context, date time.Time) ([]domain.FactorMetric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := domain.Day(date)
	var out []domain.FactorMetric
	for _, m := range r.metrics {
		if !m.Date.Equal(day) {
			continue
		}
		m.Score = copyPtr(m.Score)
		m.Inputs = copyFloats(m.Inputs)
		m.SubScores = copyFloats(m.SubScores)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

func (r *metricRepo) ListBySymbol(_ context.Context, symbol string, dr domain.DateRange) ([]domain.FactorMetric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FactorMetric
	for _, m := range r.metrics {
		if m.Symbol != symbol || !inRange(m.Date, dr) {
			continue
		}
		m.Score = copyPtr(m.Score)
		m.Inputs = copyFloats(m.Inputs)
		m.SubScores = copyFloats(m.SubScores)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

type scoreRepo Store

func copyScore(s domain.CompositeScore) domain.CompositeScore {
	s.Score = copyPtr(s.Score)
	s.PercentileRank = copyPtr(s.PercentileRank)
	s.SectorPercentile = copyPtr(s.SectorPercentile)
	if s.Contributions != nil {
		c := make(map[domain.Category]float64, len(s.Contributions))
		for k, v := range s.Contributions {
			c[k] = v
		}
		s.Contributions = c
	}
	return s
}

func (r *scoreRepo) UpsertBatch(_ context.Context, scores []domain.CompositeScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range scores {
		s.Date = domain.Day(s.Date)
		r.scores[scoreKey(s)] = copyScore(s)
	}
	return nil
}

func (r *scoreRepo) ListByDate(_ context.Context, date time.Time) ([]domain.CompositeScore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := domain.Day(date)
	var out []domain.CompositeScore
	for _, s := range r.scores {
		if s.Date.Equal(day) {
			out = append(out, copyScore(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *scoreRepo) ListBySymbol(_ context.Context, symbol string, dr domain.DateRange) ([]domain.CompositeScore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CompositeScore
	for _, s := range r.scores {
		if s.Symbol == symbol && inRange(s.Date, dr) {
			out = append(out, copyScore(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

type pipelineRepo Store

func (r *pipelineRepo) Ensure(_ context.Context, stage string, dependsOn []string, maxStaleness time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.pipeline[stage]
	if !ok {
		run = domain.PipelineRun{Stage: stage}
	}
	run.DependsOn = append([]string(nil), dependsOn...)
	run.MaxStaleness = int64(maxStaleness / time.Second)
	run.UpdatedAt = time.Now().UTC()
	r.pipeline[stage] = run
	return nil
}

func (r *pipelineRepo) Get(_ context.Context, stage string) (*domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.pipeline[stage]
	if !ok {
		return nil, nil
	}
	run.DependsOn = append([]string(nil), run.DependsOn...)
	return &run, nil
}

func (r *pipelineRepo) List(_ context.Context) ([]domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PipelineRun, 0, len(r.pipeline))
	for _, run := range r.pipeline {
		run.DependsOn = append([]string(nil), run.DependsOn...)
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (r *pipelineRepo) TryLock(_ context.Context, stage, owner string, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.pipeline[stage]
	if !ok {
		run = domain.PipelineRun{Stage: stage}
	}
	now := time.Now().UTC()
	if run.LockOwner != nil && run.LockAcquiredAt != nil && now.Sub(*run.LockAcquiredAt) < lease {
		return false, nil
	}
	run.LockOwner = &owner
	run.LockAcquiredAt = &now
	r.pipeline[stage] = run
	return true, nil
}

func (r *pipelineRepo) Unlock(_ context.Context, stage, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.pipeline[stage]
	if !ok || run.LockOwner == nil || *run.LockOwner != owner {
		return nil
	}
	run.LockOwner = nil
	run.LockAcquiredAt = nil
	r.pipeline[stage] = run
	return nil
}

func (r *pipelineRepo) MarkResult(_ context.Context, stage string, status domain.RunStatus, success bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.pipeline[stage]
	if !ok {
		run = domain.PipelineRun{Stage: stage}
	}
	run.LastStatus = string(status)
	if success {
		t := at.UTC()
		run.LastSuccess = &t
	}
	run.UpdatedAt = time.Now().UTC()
	r.pipeline[stage] = run
	return nil
}
