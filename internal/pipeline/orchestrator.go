package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/metrics"
	"github.com/quantfold/factorpipe/internal/store"
)

// DefaultLockLease bounds how long an abandoned lock blocks a stage.
const DefaultLockLease = 2 * time.Hour

// Orchestrator owns the stage registry and drives executions through the
// IDLE → RUNNING → {SUCCESS, PARTIAL, BLOCKED, FAILED} state machine.
// It is re-entrant across cycles, not a long-lived process.
type Orchestrator struct {
	pipeline     store.PipelineRepo
	stages       map[string]*StageDef
	order        []string // insertion order, for deterministic listings
	lease        time.Duration
	artifactsDir string
}

// New creates an orchestrator over the pipeline state table.
func New(repo store.PipelineRepo, lease time.Duration, artifactsDir string) *Orchestrator {
	if lease <= 0 {
		lease = DefaultLockLease
	}
	return &Orchestrator{
		pipeline:     repo,
		stages:       make(map[string]*StageDef),
		lease:        lease,
		artifactsDir: artifactsDir,
	}
}

// Register adds a stage definition. Duplicate names are a ConfigError.
func (o *Orchestrator) Register(def StageDef) error {
	if def.Name == "" || def.Run == nil {
		return &domain.ConfigError{Field: "stage", Reason: "name and run function are required"}
	}
	if _, exists := o.stages[def.Name]; exists {
		return &domain.ConfigError{Field: "stage." + def.Name, Reason: "registered twice"}
	}
	if def.SuccessThreshold == 0 {
		def.SuccessThreshold = 0.8
	}
	o.stages[def.Name] = &def
	o.order = append(o.order, def.Name)
	return nil
}

// Run executes one stage end to end. A second concurrent invocation of the
// same stage is rejected with domain.ErrAlreadyRunning before any writes.
func (o *Orchestrator) Run(ctx context.Context, name string, p Params) (*Report, error) {
	def, ok := o.stages[name]
	if !ok {
		return nil, &domain.ConfigError{Field: "stage." + name, Reason: "unknown stage"}
	}
	if p.Date.IsZero() {
		p.Date = domain.Day(time.Now())
	} else {
		p.Date = domain.Day(p.Date)
	}
	if p.BatchSize == 0 {
		p.BatchSize = def.BatchSize
	}

	if err := o.pipeline.Ensure(ctx, def.Name, def.DependsOn, def.MaxStaleness); err != nil {
		return nil, &domain.PersistenceError{Op: "ensure stage row", Err: err}
	}

	owner := uuid.NewString()
	acquired, err := o.pipeline.TryLock(ctx, def.Name, owner, o.lease)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "acquire stage lock", Err: err}
	}
	if !acquired {
		return nil, fmt.Errorf("stage %s: %w", def.Name, domain.ErrAlreadyRunning)
	}
	defer func() {
		if err := o.pipeline.Unlock(context.WithoutCancel(ctx), def.Name, owner); err != nil {
			log.Error().Str("stage", def.Name).Err(err).Msg("failed to release stage lock")
		}
	}()

	report := &Report{
		Stage:     def.Name,
		Date:      domain.DayKey(p.Date),
		StartedAt: time.Now().UTC(),
	}

	if !p.Force {
		if depErr := o.checkDependencies(ctx, def); depErr != nil {
			var notReady *domain.DependencyNotReadyError
			if errors.As(depErr, &notReady) {
				// Zero writes performed; informational, not a failure.
				report.Status = domain.StatusBlocked
			} else {
				// Could not read dependency state at all.
				report.Status = domain.StatusFailed
			}
			report.Error = depErr.Error()
			o.finish(ctx, def, report, false)
			return report, depErr
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if def.Budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Budget)
		defer cancel()
	}

	log.Info().Str("stage", def.Name).Str("date", report.Date).Msg("stage running")
	res, runErr := def.Run(runCtx, p)
	report.Result = res
	report.Duration = time.Since(report.StartedAt)

	switch {
	case runErr == nil:
		if res.SuccessFraction() >= def.SuccessThreshold {
			report.Status = domain.StatusSuccess
		} else {
			report.Status = domain.StatusPartial
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		// Budget expired: committed batches stay committed, the rest
		// retries next cycle.
		report.Status = domain.StatusPartial
		report.Error = "wall-clock budget exceeded"
	default:
		report.Status = domain.StatusFailed
		report.Error = runErr.Error()
	}

	o.finish(ctx, def, report, report.Status == domain.StatusSuccess)

	if report.Status == domain.StatusFailed {
		return report, runErr
	}
	return report, nil
}

// checkDependencies enforces the staleness gate: every upstream must have a
// last_success younger than this stage's max staleness.
func (o *Orchestrator) checkDependencies(ctx context.Context, def *StageDef) error {
	for _, dep := range def.DependsOn {
		run, err := o.pipeline.Get(ctx, dep)
		if err != nil {
			return &domain.PersistenceError{Op: "read dependency state", Err: err}
		}
		if run == nil || run.LastSuccess == nil {
			return &domain.DependencyNotReadyError{Stage: def.Name, Dependency: dep, Reason: "has never succeeded"}
		}
		age := time.Since(*run.LastSuccess)
		if def.MaxStaleness > 0 && age > def.MaxStaleness {
			return &domain.DependencyNotReadyError{
				Stage:      def.Name,
				Dependency: dep,
				Reason:     fmt.Sprintf("stale by %s (max %s)", age.Round(time.Second), def.MaxStaleness),
			}
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, def *StageDef, report *Report, success bool) {
	ctx = context.WithoutCancel(ctx)
	if err := o.pipeline.MarkResult(ctx, def.Name, report.Status, success, time.Now()); err != nil {
		log.Error().Str("stage", def.Name).Err(err).Msg("failed to persist stage result")
	}
	metrics.StageRuns.WithLabelValues(def.Name, string(report.Status)).Inc()
	metrics.StageDuration.WithLabelValues(def.Name).Observe(report.Duration.Seconds())
	metrics.RowsWritten.WithLabelValues(def.Name).Add(float64(report.Result.RowsWritten))
	for _, s := range report.Result.Skipped {
		metrics.SymbolsSkipped.WithLabelValues(def.Name, s.Reason).Inc()
	}
	o.writeArtifact(report)

	log.Info().
		Str("stage", def.Name).
		Str("status", string(report.Status)).
		Int("processed", report.Result.Processed).
		Int("skipped", len(report.Result.Skipped)).
		Int("rows", report.Result.RowsWritten).
		Dur("duration", report.Duration).
		Msg("stage finished")
}

func (o *Orchestrator) writeArtifact(report *Report) {
	if o.artifactsDir == "" {
		return
	}
	if err := os.MkdirAll(o.artifactsDir, 0o755); err != nil {
		log.Warn().Err(err).Msg("cannot create artifacts dir")
		return
	}
	name := fmt.Sprintf("%s-%s-%d.json", report.Stage, report.Date, report.StartedAt.Unix())
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("cannot marshal run report")
		return
	}
	if err := os.WriteFile(filepath.Join(o.artifactsDir, name), data, 0o644); err != nil {
		log.Warn().Err(err).Msg("cannot write run report artifact")
	}
}

// Levels resolves the registered DAG into topologically ordered levels;
// stages within a level have no mutual dependencies and may run together.
func (o *Orchestrator) Levels() ([][]string, error) {
	indeg := make(map[string]int, len(o.stages))
	for name, def := range o.stages {
		if _, ok := indeg[name]; !ok {
			indeg[name] = 0
		}
		for _, dep := range def.DependsOn {
			if _, known := o.stages[dep]; !known {
				return nil, &domain.ConfigError{Field: "stage." + name, Reason: "unknown dependency " + dep}
			}
			indeg[name]++
		}
	}

	var levels [][]string
	resolved := make(map[string]bool, len(o.stages))
	for len(resolved) < len(o.stages) {
		var level []string
		for _, name := range o.order {
			if resolved[name] || indeg[name] > 0 {
				continue
			}
			level = append(level, name)
		}
		if len(level) == 0 {
			return nil, &domain.ConfigError{Field: "stages", Reason: "dependency cycle detected"}
		}
		for _, name := range level {
			resolved[name] = true
			for other, def := range o.stages {
				if resolved[other] {
					continue
				}
				for _, dep := range def.DependsOn {
					if dep == name {
						indeg[other]--
					}
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Cycle runs the whole DAG once in topological order. Stages within a level
// run concurrently; a BLOCKED stage or one already held by another execution
// is recorded and the cycle continues. Only FAILED stages make the cycle
// return an error.
func (o *Orchestrator) Cycle(ctx context.Context, p Params) ([]*Report, error) {
	levels, err := o.Levels()
	if err != nil {
		return nil, err
	}

	var (
		reports []*Report
		failed  []string
	)
	for _, level := range levels {
		results := make([]*Report, len(level))
		g, gctx := errgroup.WithContext(ctx)
		for i, name := range level {
			i, name := i, name
			g.Go(func() error {
				rep, err := o.Run(gctx, name, p)
				if errors.Is(err, domain.ErrAlreadyRunning) {
					log.Warn().Str("stage", name).Msg("skipped: already running")
					return nil
				}
				results[i] = rep
				if rep != nil && rep.Status == domain.StatusFailed {
					return nil // recorded below; keep siblings running
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return reports, err
		}
		for _, rep := range results {
			if rep == nil {
				continue
			}
			reports = append(reports, rep)
			if rep.Status == domain.StatusFailed {
				failed = append(failed, rep.Stage)
			}
		}
	}
	if len(failed) > 0 {
		return reports, fmt.Errorf("cycle finished with failed stages: %v", failed)
	}
	return reports, nil
}
