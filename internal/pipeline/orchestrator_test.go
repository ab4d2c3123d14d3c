package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/store"
	"github.com/quantfold/factorpipe/internal/store/memory"
)

func okStage(res Result) StageFunc {
	return func(context.Context, Params) (Result, error) { return res, nil }
}

func TestRunUnknownStage(t *testing.T) {
	o := New(memory.New().Pipeline, time.Minute, "")
	_, err := o.Run(context.Background(), "nope", Params{})
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestRunSuccessWritesArtifactAndReleasesLock(t *testing.T) {
	st := memory.New()
	dir := t.TempDir()
	o := New(st.Pipeline, time.Minute, dir)
	require.NoError(t, o.Register(StageDef{
		Name: "universe",
		Run:  okStage(Result{Processed: 10, RowsWritten: 10}),
	}))

	rep, err := o.Run(context.Background(), "universe", Params{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, rep.Status)
	assert.Equal(t, 10, rep.Result.RowsWritten)

	run, err := st.Pipeline.Get(context.Background(), "universe")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Nil(t, run.LockOwner, "lock must be released after the run")
	require.NotNil(t, run.LastSuccess)
	assert.Equal(t, string(domain.StatusSuccess), run.LastStatus)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "universe-")
}

func TestRunPartialBelowThreshold(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	skips := make([]Skip, 9)
	for i := range skips {
		skips[i] = Skip{Symbol: "S", Reason: "provider_NOT_FOUND"}
	}
	require.NoError(t, o.Register(StageDef{
		Name:             "ingest_pricing",
		SuccessThreshold: 0.8,
		Run:              okStage(Result{Processed: 1, Skipped: skips}),
	}))

	rep, err := o.Run(context.Background(), "ingest_pricing", Params{})
	require.NoError(t, err, "a partial run is not an error")
	assert.Equal(t, domain.StatusPartial, rep.Status)

	run, _ := st.Pipeline.Get(context.Background(), "ingest_pricing")
	assert.Nil(t, run.LastSuccess, "PARTIAL must not advance last_success")
	assert.Equal(t, string(domain.StatusPartial), run.LastStatus)
}

func TestRunFailed(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	boom := errors.New("boom")
	require.NoError(t, o.Register(StageDef{
		Name: "ingest_pricing",
		Run:  func(context.Context, Params) (Result, error) { return Result{}, boom },
	}))

	rep, err := o.Run(context.Background(), "ingest_pricing", Params{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, domain.StatusFailed, rep.Status)

	run, _ := st.Pipeline.Get(context.Background(), "ingest_pricing")
	assert.Nil(t, run.LockOwner, "lock must be released even on failure")
}

func TestRunBudgetExpiryIsPartial(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	require.NoError(t, o.Register(StageDef{
		Name:   "ingest_pricing",
		Budget: 10 * time.Millisecond,
		Run: func(ctx context.Context, _ Params) (Result, error) {
			<-ctx.Done()
			return Result{Processed: 3, RowsWritten: 3}, ctx.Err()
		},
	}))

	rep, err := o.Run(context.Background(), "ingest_pricing", Params{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, rep.Status)
	// Work committed before the budget expired is kept.
	assert.Equal(t, 3, rep.Result.RowsWritten)
}

func TestRunBlockedByMissingDependency(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	ran := false
	require.NoError(t, o.Register(StageDef{Name: "universe", Run: okStage(Result{})}))
	require.NoError(t, o.Register(StageDef{
		Name:      "ingest_pricing",
		DependsOn: []string{"universe"},
		Run: func(context.Context, Params) (Result, error) {
			ran = true
			return Result{}, nil
		},
	}))

	rep, err := o.Run(context.Background(), "ingest_pricing", Params{})
	var dep *domain.DependencyNotReadyError
	require.ErrorAs(t, err, &dep)
	assert.Equal(t, "universe", dep.Dependency)
	assert.Equal(t, domain.StatusBlocked, rep.Status)
	assert.False(t, ran, "a blocked stage must perform zero writes")
	assert.Zero(t, rep.Result.RowsWritten)

	// Force bypasses the gate.
	rep, err = o.Run(context.Background(), "ingest_pricing", Params{Force: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, rep.Status)
	assert.True(t, ran)
}

// unreadableDepsRepo fails every Get for one stage name.
type unreadableDepsRepo struct {
	store.PipelineRepo
	broken string
}

func (r *unreadableDepsRepo) Get(ctx context.Context, stage string) (*domain.PipelineRun, error) {
	if stage == r.broken {
		return nil, errors.New("connection refused")
	}
	return r.PipelineRepo.Get(ctx, stage)
}

func TestRunFailsWhenDependencyStateUnreadable(t *testing.T) {
	st := memory.New()
	repo := &unreadableDepsRepo{PipelineRepo: st.Pipeline, broken: "universe"}
	o := New(repo, time.Minute, "")
	ran := false
	require.NoError(t, o.Register(StageDef{Name: "universe", Run: okStage(Result{})}))
	require.NoError(t, o.Register(StageDef{
		Name:      "ingest_pricing",
		DependsOn: []string{"universe"},
		Run: func(context.Context, Params) (Result, error) {
			ran = true
			return Result{}, nil
		},
	}))

	rep, err := o.Run(context.Background(), "ingest_pricing", Params{})
	var pe *domain.PersistenceError
	require.ErrorAs(t, err, &pe)
	// A store outage is not the informational BLOCKED state.
	assert.Equal(t, domain.StatusFailed, rep.Status)
	assert.False(t, ran)

	run, getErr := st.Pipeline.Get(context.Background(), "ingest_pricing")
	require.NoError(t, getErr)
	assert.Equal(t, string(domain.StatusFailed), run.LastStatus)
}

func TestRunBlockedByStaleDependency(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	require.NoError(t, o.Register(StageDef{Name: "universe", Run: okStage(Result{})}))
	require.NoError(t, o.Register(StageDef{
		Name:         "ingest_pricing",
		DependsOn:    []string{"universe"},
		MaxStaleness: time.Hour,
		Run:          okStage(Result{Processed: 1}),
	}))

	// Upstream succeeded, but three hours ago.
	require.NoError(t, st.Pipeline.MarkResult(context.Background(), "universe",
		domain.StatusSuccess, true, time.Now().Add(-3*time.Hour)))

	rep, err := o.Run(context.Background(), "ingest_pricing", Params{})
	var dep *domain.DependencyNotReadyError
	require.ErrorAs(t, err, &dep)
	assert.Equal(t, domain.StatusBlocked, rep.Status)

	// A fresh upstream success unblocks.
	require.NoError(t, st.Pipeline.MarkResult(context.Background(), "universe",
		domain.StatusSuccess, true, time.Now()))
	rep, err = o.Run(context.Background(), "ingest_pricing", Params{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, rep.Status)
}

func TestRunSingleFlight(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	entered := make(chan struct{})
	release := make(chan struct{})
	var enteredOnce sync.Once
	require.NoError(t, o.Register(StageDef{
		Name: "universe",
		Run: func(context.Context, Params) (Result, error) {
			enteredOnce.Do(func() { close(entered) })
			<-release
			return Result{Processed: 1}, nil
		},
	}))

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), "universe", Params{})
		done <- err
	}()
	<-entered

	_, err := o.Run(context.Background(), "universe", Params{})
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)

	// With the first holder finished, the stage is free again.
	_, err = o.Run(context.Background(), "universe", Params{})
	require.NoError(t, err)
}

func TestLevels(t *testing.T) {
	o := New(memory.New().Pipeline, time.Minute, "")
	require.NoError(t, o.Register(StageDef{Name: "universe", Run: okStage(Result{})}))
	require.NoError(t, o.Register(StageDef{Name: "ingest_pricing", DependsOn: []string{"universe"}, Run: okStage(Result{})}))
	require.NoError(t, o.Register(StageDef{Name: "ingest_fundamentals", DependsOn: []string{"universe"}, Run: okStage(Result{})}))
	require.NoError(t, o.Register(StageDef{Name: "factor_value", DependsOn: []string{"ingest_pricing", "ingest_fundamentals"}, Run: okStage(Result{})}))

	levels, err := o.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"universe"}, levels[0])
	assert.ElementsMatch(t, []string{"ingest_pricing", "ingest_fundamentals"}, levels[1])
	assert.Equal(t, []string{"factor_value"}, levels[2])
}

func TestLevelsRejectsCycles(t *testing.T) {
	o := New(memory.New().Pipeline, time.Minute, "")
	require.NoError(t, o.Register(StageDef{Name: "a", DependsOn: []string{"b"}, Run: okStage(Result{})}))
	require.NoError(t, o.Register(StageDef{Name: "b", DependsOn: []string{"a"}, Run: okStage(Result{})}))

	_, err := o.Levels()
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestLevelsRejectsUnknownDependency(t *testing.T) {
	o := New(memory.New().Pipeline, time.Minute, "")
	require.NoError(t, o.Register(StageDef{Name: "a", DependsOn: []string{"ghost"}, Run: okStage(Result{})}))
	_, err := o.Levels()
	require.Error(t, err)
}

func TestCycleRunsWholeDAG(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	var order []string
	stage := func(name string) StageFunc {
		return func(context.Context, Params) (Result, error) {
			order = append(order, name) // levels run serially here: one stage per level
			return Result{Processed: 1}, nil
		}
	}
	require.NoError(t, o.Register(StageDef{Name: "universe", Run: stage("universe")}))
	require.NoError(t, o.Register(StageDef{Name: "ingest_pricing", DependsOn: []string{"universe"}, Run: stage("ingest_pricing")}))
	require.NoError(t, o.Register(StageDef{Name: "factor_momentum", DependsOn: []string{"ingest_pricing"}, Run: stage("factor_momentum")}))

	reports, err := o.Cycle(context.Background(), Params{})
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, []string{"universe", "ingest_pricing", "factor_momentum"}, order)
	for _, rep := range reports {
		assert.Equal(t, domain.StatusSuccess, rep.Status)
	}
}

func TestCycleReportsFailedStages(t *testing.T) {
	st := memory.New()
	o := New(st.Pipeline, time.Minute, "")
	require.NoError(t, o.Register(StageDef{Name: "universe", Run: okStage(Result{Processed: 1})}))
	require.NoError(t, o.Register(StageDef{
		Name:      "ingest_pricing",
		DependsOn: []string{"universe"},
		Run: func(context.Context, Params) (Result, error) {
			return Result{}, errors.New("provider down")
		},
	}))
	// Downstream of the failure blocks instead of failing.
	require.NoError(t, o.Register(StageDef{
		Name:      "factor_momentum",
		DependsOn: []string{"ingest_pricing"},
		Run:       okStage(Result{Processed: 1}),
	}))

	reports, err := o.Cycle(context.Background(), Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest_pricing")

	byStage := map[string]domain.RunStatus{}
	for _, rep := range reports {
		byStage[rep.Stage] = rep.Status
	}
	assert.Equal(t, domain.StatusSuccess, byStage["universe"])
	assert.Equal(t, domain.StatusFailed, byStage["ingest_pricing"])
	assert.Equal(t, domain.StatusBlocked, byStage["factor_momentum"])
}

func TestSuccessFraction(t *testing.T) {
	assert.Equal(t, 1.0, Result{}.SuccessFraction())
	assert.Equal(t, 1.0, Result{Processed: 5}.SuccessFraction())
	assert.Equal(t, 0.5, Result{Processed: 1, Skipped: []Skip{{}}}.SuccessFraction())
}
