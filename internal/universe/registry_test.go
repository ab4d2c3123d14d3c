package universe

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/factorpipe/internal/config"
	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/guard"
	"github.com/quantfold/factorpipe/internal/provider"
	"github.com/quantfold/factorpipe/internal/store"
	"github.com/quantfold/factorpipe/internal/store/memory"
)

type fakeSource struct {
	id      string
	symbols []domain.Symbol
	err     error
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) ListSymbols(context.Context) ([]domain.Symbol, error) {
	return s.symbols, s.err
}

func fastGuard(ids ...string) *guard.Guard {
	configs := map[string]config.ProviderConfig{}
	for _, id := range ids {
		configs[id] = config.ProviderConfig{
			RPS: 10_000, Burst: 10_000, TimeoutSecs: 5, MaxRetries: 0,
			Backoff: config.BackoffConfig{BaseMS: 1, MaxMS: 2},
			Circuit: config.CircuitConfig{FailureThreshold: 100, CooldownSecs: 300},
		}
	}
	return guard.New(configs)
}

func symbolSet(n int) []domain.Symbol {
	out := make([]domain.Symbol, n)
	for i := range out {
		out[i] = domain.Symbol{Ticker: fmt.Sprintf("S%03d", i), Name: fmt.Sprintf("Symbol %d", i), Sector: "tech"}
	}
	return out
}

func activeTickers(t *testing.T, st *store.Store) map[string]bool {
	t.Helper()
	symbols, err := st.Symbols.ListActive(context.Background())
	require.NoError(t, err)
	out := map[string]bool{}
	for _, s := range symbols {
		out[s.Ticker] = true
	}
	return out
}

func TestSyncAddsReactivatesDeactivates(t *testing.T) {
	st := memory.New()
	src := &fakeSource{id: "reg", symbols: symbolSet(3)}
	r := New([]provider.RegistrySource{src}, st.Symbols, fastGuard("reg"), 2)

	res, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Added: 3}, res)
	assert.Len(t, activeTickers(t, st), 3)

	// S002 drops out of the registry: deactivated, not deleted.
	src.symbols = symbolSet(2)
	res, err = r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Deactivated: 1}, res)

	all, err := st.Symbols.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3, "symbols are never deleted")
	active := activeTickers(t, st)
	assert.False(t, active["S002"])

	// S002 returns: reactivated.
	src.symbols = symbolSet(3)
	res, err = r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Reactivated: 1}, res)
	assert.True(t, activeTickers(t, st)["S002"])
}

func TestSyncIdempotent(t *testing.T) {
	st := memory.New()
	src := &fakeSource{id: "reg", symbols: symbolSet(3)}
	r := New([]provider.RegistrySource{src}, st.Symbols, fastGuard("reg"), 2)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)
	res, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res, "an unchanged registry is a no-op")
}

func TestSyncMergesSourcesFirstWins(t *testing.T) {
	st := memory.New()
	a := &fakeSource{id: "reg-a", symbols: []domain.Symbol{
		{Ticker: "AAA", Name: "Alpha", Sector: "tech"},
		{Ticker: "BBB", Name: "Beta"}, // sector missing, filled by reg-b
	}}
	b := &fakeSource{id: "reg-b", symbols: []domain.Symbol{
		{Ticker: "AAA", Name: "Alpha Conflicting", Sector: "energy"},
		{Ticker: "BBB", Sector: "utilities"},
		{Ticker: "CCC", Name: "Gamma", Sector: "health"},
	}}
	r := New([]provider.RegistrySource{a, b}, st.Symbols, fastGuard("reg-a", "reg-b"), 2)

	res, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Added)

	all, err := st.Symbols.List(context.Background())
	require.NoError(t, err)
	byTicker := map[string]domain.Symbol{}
	for _, s := range all {
		byTicker[s.Ticker] = s
	}
	assert.Equal(t, "tech", byTicker["AAA"].Sector, "first source wins on conflicts")
	assert.Equal(t, "utilities", byTicker["BBB"].Sector, "later sources fill gaps")
	assert.Equal(t, "health", byTicker["CCC"].Sector)
}

func TestSyncAllSourcesFailedLeavesTableUntouched(t *testing.T) {
	st := memory.New()
	src := &fakeSource{id: "reg", symbols: symbolSet(3)}
	g := fastGuard("reg")
	r := New([]provider.RegistrySource{src}, st.Symbols, g, 2)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	src.err = &domain.ProviderError{Provider: "reg", Status: domain.ProviderNotFound}
	_, err = r.Sync(context.Background())
	require.Error(t, err)
	var pe *domain.ProviderError
	assert.ErrorAs(t, err, &pe)
	assert.Len(t, activeTickers(t, st), 3, "a failed sync must not change the universe")
}

func TestSyncPartialSourceFailureSkipsDeactivation(t *testing.T) {
	st := memory.New()
	a := &fakeSource{id: "reg-a", symbols: []domain.Symbol{{Ticker: "AAA", Name: "Alpha", Sector: "tech"}}}
	b := &fakeSource{id: "reg-b", symbols: []domain.Symbol{{Ticker: "BBB", Name: "Beta", Sector: "energy"}}}
	r := New([]provider.RegistrySource{a, b}, st.Symbols, fastGuard("reg-a", "reg-b"), 1)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, activeTickers(t, st), 2)

	// reg-b goes down. BBB is only absent because its source is, so it must
	// stay active; adds from the healthy source still land.
	b.err = &domain.ProviderError{Provider: "reg-b", Status: domain.ProviderServerError}
	a.symbols = append(a.symbols, domain.Symbol{Ticker: "CCC", Name: "Gamma", Sector: "tech"})

	res, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Added: 1}, res)

	active := activeTickers(t, st)
	assert.True(t, active["BBB"], "a source outage must not deactivate its symbols")
	assert.True(t, active["CCC"])
	assert.Len(t, active, 3)

	// Both sources healthy again: the deactivation pass resumes.
	b.err = nil
	b.symbols = nil
	res, err = r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Deactivated: 1}, res)
	assert.False(t, activeTickers(t, st)["BBB"])
}

func TestSyncRejectsImplausiblySmallRegistry(t *testing.T) {
	st := memory.New()
	src := &fakeSource{id: "reg", symbols: symbolSet(50)}
	r := New([]provider.RegistrySource{src}, st.Symbols, fastGuard("reg"), 10)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	// A sudden collapse below the floor is treated as bad data.
	src.symbols = symbolSet(3)
	_, err = r.Sync(context.Background())
	var de *domain.DataIntegrityError
	require.ErrorAs(t, err, &de)
	assert.Len(t, activeTickers(t, st), 50, "fail-safe keeps the previous universe")
}
