// Package app wires configuration, storage, providers and stages into the
// orchestrated pipeline DAG.
package app

import (
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantfold/factorpipe/internal/cache"
	"github.com/quantfold/factorpipe/internal/composite"
	"github.com/quantfold/factorpipe/internal/config"
	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/factors"
	"github.com/quantfold/factorpipe/internal/guard"
	"github.com/quantfold/factorpipe/internal/ingest"
	"github.com/quantfold/factorpipe/internal/pipeline"
	"github.com/quantfold/factorpipe/internal/provider"
	"github.com/quantfold/factorpipe/internal/store"
	"github.com/quantfold/factorpipe/internal/universe"
)

// Stage names as persisted in the pipeline state table.
const (
	StageUniverse           = "universe"
	StageIngestPricing      = "ingest_pricing"
	StageIngestFundamentals = "ingest_fundamentals"
	StageIngestOwnership    = "ingest_ownership"
	StageComposite          = "composite"
)

// FactorStageName returns the pipeline stage name of a factor category.
func FactorStageName(c domain.Category) string { return "factor_" + string(c) }

// Clients are the injected external collaborators. Tests supply fakes; the
// CLI builds HTTP shims from provider config.
type Clients struct {
	Registries   []provider.RegistrySource
	Pricing      provider.Client
	Fundamentals provider.Client
	Ownership    provider.Client
}

// App owns the wired pipeline.
type App struct {
	Config       *config.Config
	Store        *store.Store
	Guard        *guard.Guard
	Orchestrator *pipeline.Orchestrator
}

// New wires the full DAG: universe → ingestors → factor stages → composite.
func New(cfg *config.Config, st *store.Store, clients Clients) (*App, error) {
	g := guard.New(cfg.Providers)

	var rc *cache.RecordCache
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		rc = cache.New(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB}))
	}

	orch := pipeline.New(st.Pipeline, pipeline.DefaultLockLease, cfg.Artifacts.Dir)
	a := &App{Config: cfg, Store: st, Guard: g, Orchestrator: orch}

	reg := universe.New(clients.Registries, st.Symbols, g, cfg.Universe.MinSymbols)
	if err := a.register(pipeline.StageDef{
		Name:             StageUniverse,
		MaxStaleness:     26 * time.Hour,
		SuccessThreshold: 1.0,
		Budget:           10 * time.Minute,
		Run:              reg.Stage(),
	}); err != nil {
		return nil, err
	}

	type source struct {
		stage    string
		category domain.SourceCategory
		client   provider.Client
		lookback int
	}
	sources := []source{
		{StageIngestPricing, domain.SourcePricing, clients.Pricing, 600},
		{StageIngestFundamentals, domain.SourceFundamentals, clients.Fundamentals, 800},
		{StageIngestOwnership, domain.SourceOwnership, clients.Ownership, 120},
	}
	for _, src := range sources {
		ttl := time.Duration(0)
		if src.client != nil {
			if pc, ok := cfg.Providers[src.client.ID()]; ok {
				ttl = time.Duration(pc.TTLSecs) * time.Second
			}
		}
		ing := ingest.New(src.category, src.client, g, rc, ttl, st, src.lookback)
		if err := a.register(pipeline.StageDef{
			Name:         src.stage,
			DependsOn:    []string{StageUniverse},
			MaxStaleness: 26 * time.Hour,
			Budget:       60 * time.Minute,
			BatchSize:    ingest.DefaultBatchSize,
			Run:          ing.Run,
		}); err != nil {
			return nil, err
		}
	}

	// Each factor stage gates on the ingest sources it reads.
	factorDeps := map[domain.Category][]string{
		domain.CategoryMomentum:    {StageIngestPricing},
		domain.CategoryValue:       {StageIngestPricing, StageIngestFundamentals},
		domain.CategoryQuality:     {StageIngestFundamentals},
		domain.CategoryGrowth:      {StageIngestFundamentals},
		domain.CategoryPositioning: {StageIngestOwnership},
		domain.CategoryRisk:        {StageIngestPricing},
		domain.CategorySentiment:   {StageIngestOwnership},
	}
	var factorStages []string
	for _, def := range factors.Definitions() {
		stage, err := factors.NewStage(def, st)
		if err != nil {
			return nil, err
		}
		name := FactorStageName(def.Category)
		factorStages = append(factorStages, name)
		if err := a.register(pipeline.StageDef{
			Name:         name,
			DependsOn:    factorDeps[def.Category],
			MaxStaleness: 26 * time.Hour,
			Budget:       30 * time.Minute,
			BatchSize:    500,
			Run:          stage.Run,
		}); err != nil {
			return nil, err
		}
	}

	engine, err := composite.New(cfg.CategoryWeights(), cfg.Composite, st)
	if err != nil {
		return nil, err
	}
	if err := a.register(pipeline.StageDef{
		Name:         StageComposite,
		DependsOn:    factorStages,
		MaxStaleness: 26 * time.Hour,
		Budget:       15 * time.Minute,
		Run:          engine.Stage(),
	}); err != nil {
		return nil, err
	}

	return a, nil
}

// register applies per-stage config overrides before registration.
func (a *App) register(def pipeline.StageDef) error {
	sc := a.Config.StageOr(def.Name, config.StageConfig{
		MaxStalenessHours: int(def.MaxStaleness / time.Hour),
		SuccessThreshold:  def.SuccessThreshold,
		BudgetMinutes:     int(def.Budget / time.Minute),
		BatchSize:         def.BatchSize,
	})
	def.MaxStaleness = time.Duration(sc.MaxStalenessHours) * time.Hour
	def.SuccessThreshold = sc.SuccessThreshold
	def.Budget = time.Duration(sc.BudgetMinutes) * time.Minute
	def.BatchSize = sc.BatchSize
	return a.Orchestrator.Register(def)
}

// HTTPClients builds the default HTTP provider shims from configuration.
func HTTPClients(cfg *config.Config) Clients {
	build := func(id, kind string) provider.Client {
		pc, ok := cfg.Providers[id]
		if !ok || pc.BaseURL == "" {
			return nil
		}
		return provider.NewHTTPClient(id, kind, pc.BaseURL, time.Duration(pc.TimeoutSecs)*time.Second)
	}
	var c Clients
	if pc, ok := cfg.Providers["registry"]; ok && pc.BaseURL != "" {
		c.Registries = []provider.RegistrySource{
			provider.NewHTTPRegistry("registry", pc.BaseURL, time.Duration(pc.TimeoutSecs)*time.Second),
		}
	}
	c.Pricing = build("pricing", "pricing")
	c.Fundamentals = build("fundamentals", "fundamentals")
	c.Ownership = build("ownership", "ownership")
	return c
}
