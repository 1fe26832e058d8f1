package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/wanglei99999/ai-agent-learning/pkg/embedding"
	"github.com/wanglei99999/ai-agent-learning/pkg/embedding/openai"
	"github.com/wanglei99999/ai-agent-learning/pkg/maintenance"
	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
	"github.com/wanglei99999/ai-agent-learning/pkg/memory/qdrant"
	"github.com/wanglei99999/ai-agent-learning/pkg/memory/sqlite"
	"github.com/wanglei99999/ai-agent-learning/pkg/telemetry"
)

func setDefaults(v *viper.Viper) {
	d := memory.DefaultConfig()
	v.SetDefault("owner_id", d.OwnerID)
	v.SetDefault("working.capacity", d.WorkingCapacity)
	v.SetDefault("working.token_budget", d.WorkingTokenBudget)
	v.SetDefault("working.ttl_minutes", d.WorkingTTLMinutes)
	v.SetDefault("decay.factor", d.DecayFactor)
	v.SetDefault("decay.period_hours", d.DecayPeriodHours)
	v.SetDefault("forget.importance_threshold", d.ImportanceForgetThreshold)
	v.SetDefault("max_capacity", d.MaxCapacity)
	v.SetDefault("tiers.enabled", []string{"working", "episodic", "semantic"})

	v.SetDefault("backend.kind", "memory")
	v.SetDefault("backend.sqlite.path", "agentmem.db")
	v.SetDefault("backend.qdrant.host", "localhost")
	v.SetDefault("backend.qdrant.port", 6334)
	v.SetDefault("backend.qdrant.collection_prefix", "memory_")

	v.SetDefault("embedding.provider", "none")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.cache_size", 10000)

	v.SetDefault("telemetry.tracing", telemetry.ExporterNone)

	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("serve.grpc_addr", "")

	m := maintenance.DefaultConfig()
	v.SetDefault("maintenance.interval", m.Interval)
	v.SetDefault("maintenance.consolidate_threshold", m.ConsolidateThreshold)
	v.SetDefault("maintenance.max_age", time.Duration(0))
}

// memoryConfig maps viper keys onto memory.Config.
func memoryConfig(v *viper.Viper) (memory.Config, error) {
	cfg := memory.Config{
		OwnerID:                   v.GetString("owner_id"),
		WorkingCapacity:           v.GetInt("working.capacity"),
		WorkingTokenBudget:        v.GetInt("working.token_budget"),
		WorkingTTLMinutes:         v.GetInt("working.ttl_minutes"),
		DecayFactor:               v.GetFloat64("decay.factor"),
		DecayPeriodHours:          v.GetFloat64("decay.period_hours"),
		ImportanceForgetThreshold: v.GetFloat64("forget.importance_threshold"),
		MaxCapacity:               v.GetInt("max_capacity"),
	}
	for _, name := range v.GetStringSlice("tiers.enabled") {
		kind, err := memory.ParseTierKind(name)
		if err != nil {
			return memory.Config{}, err
		}
		cfg.EnabledTiers = append(cfg.EnabledTiers, kind)
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = memory.DefaultConfig().OwnerID
	}
	return cfg, cfg.Validate()
}

func maintenanceConfig(v *viper.Viper, cfg memory.Config) maintenance.Config {
	m := maintenance.DefaultConfig()
	if d := v.GetDuration("maintenance.interval"); d > 0 {
		m.Interval = d
	}
	m.ForgetThreshold = cfg.ImportanceForgetThreshold
	m.MaxAge = v.GetDuration("maintenance.max_age")
	m.ConsolidateThreshold = v.GetFloat64("maintenance.consolidate_threshold")
	return m
}

// engine bundles a Manager with the resources it was built from.
type engine struct {
	cfg      memory.Config
	manager  *memory.Manager
	recorder *memory.Recorder
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	closers  []func(context.Context) error
}

// buildEngine wires the configured embedder, backend, tracing and metrics
// into a Manager.
func buildEngine(ctx context.Context, v *viper.Viper) (*engine, error) {
	cfg, err := memoryConfig(v)
	if err != nil {
		return nil, err
	}
	e := &engine{
		cfg:     cfg,
		metrics: telemetry.NewMetrics(),
		logger:  slog.Default(),
	}

	tracer, shutdown, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Exporter:     v.GetString("telemetry.tracing"),
		OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
		Insecure:     v.GetBool("telemetry.otlp_insecure"),
	})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, shutdown)

	opts := []memory.Option{
		memory.WithLogger(e.logger),
		memory.WithTracer(tracer),
		memory.WithObserver(e.metrics),
	}

	embedder, err := e.embedder(v)
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	if embedder != nil {
		opts = append(opts, memory.WithSimilarity(embedding.NewSimilarity(embedder, e.logger)))
	}

	tiers, err := e.backendTiers(ctx, v, cfg, embedder, opts)
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	mgr, err := newManager(cfg, opts, tiers)
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	e.manager = mgr
	e.recorder = memory.NewRecorder(mgr)
	// Tiers must close before the shared stores they borrow from.
	e.closers = append([]func(context.Context) error{func(context.Context) error { return mgr.Close() }}, e.closers...)

	e.logger.Debug("engine ready",
		"owner_id", cfg.OwnerID,
		"tiers", cfg.EnabledTiers,
		"backend", v.GetString("backend.kind"),
		"embedding", v.GetString("embedding.provider"),
	)
	return e, nil
}

// newManager builds a Manager over tiers. The tiers are closed when the
// Manager cannot be built, so the stores they borrow from can be released.
func newManager(cfg memory.Config, opts []memory.Option, tiers []*memory.StoreTier) (*memory.Manager, error) {
	all := append([]memory.Option(nil), opts...)
	for _, t := range tiers {
		all = append(all, memory.WithTier(t))
	}
	mgr, err := memory.NewManager(cfg, all...)
	if err != nil {
		closeTiers(tiers)
		return nil, err
	}
	return mgr, nil
}

func closeTiers(tiers []*memory.StoreTier) {
	for _, t := range tiers {
		_ = t.Close()
	}
}

func (e *engine) embedder(v *viper.Viper) (embedding.Embedder, error) {
	var inner embedding.Embedder
	switch provider := v.GetString("embedding.provider"); provider {
	case "", "none":
		return nil, nil
	case "hash":
		inner = embedding.NewHashEmbedder(v.GetInt("embedding.dimensions"))
	case "openai":
		inner = openai.New(openai.Options{
			APIKey:     v.GetString("embedding.api_key"),
			BaseURL:    v.GetString("embedding.base_url"),
			Model:      v.GetString("embedding.model"),
			Dimensions: v.GetInt("embedding.dimensions"),
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (want none, hash or openai)", provider)
	}

	size := v.GetInt64("embedding.cache_size")
	if size <= 0 {
		return inner, nil
	}
	cached, err := embedding.NewCachedEmbedder(inner, size)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error {
		cached.Close()
		return nil
	})
	return cached, nil
}

// backendTiers opens a StoreTier for every enabled long-term kind when the
// backend is not the in-process default.
func (e *engine) backendTiers(ctx context.Context, v *viper.Viper, cfg memory.Config, embedder embedding.Embedder, opts []memory.Option) ([]*memory.StoreTier, error) {
	var newBackend func(memory.TierKind) (memory.Backend, error)

	switch kind := v.GetString("backend.kind"); kind {
	case "", "memory":
		return nil, nil
	case "sqlite":
		store, err := sqlite.Open(v.GetString("backend.sqlite.path"))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return store.Close() })
		newBackend = func(k memory.TierKind) (memory.Backend, error) { return store.Backend(k), nil }
	case "qdrant":
		if embedder == nil {
			embedder = embedding.NewHashEmbedder(v.GetInt("embedding.dimensions"))
			e.logger.Warn("qdrant backend without an embedding provider, using hash embeddings")
		}
		store, err := qdrant.Open(qdrant.Config{
			Host:             v.GetString("backend.qdrant.host"),
			Port:             v.GetInt("backend.qdrant.port"),
			APIKey:           v.GetString("backend.qdrant.api_key"),
			UseTLS:           v.GetBool("backend.qdrant.use_tls"),
			CollectionPrefix: v.GetString("backend.qdrant.collection_prefix"),
		}, embedder)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return store.Close() })
		newBackend = func(k memory.TierKind) (memory.Backend, error) { return store.Backend(ctx, k) }
	default:
		return nil, fmt.Errorf("unsupported backend %q (want memory, sqlite or qdrant)", kind)
	}

	var opened []*memory.StoreTier
	for _, kind := range cfg.EnabledTiers {
		if kind == memory.TierWorking {
			continue
		}
		b, err := newBackend(kind)
		if err != nil {
			closeTiers(opened)
			return nil, fmt.Errorf("open %s backend: %w", kind, err)
		}
		opened = append(opened, memory.NewStoreTier(kind, b, cfg, opts...))
	}
	return opened, nil
}

// working returns the engine's working tier, if enabled.
func (e *engine) working() (*memory.WorkingTier, bool) {
	t, ok := e.manager.Tier(memory.TierWorking)
	if !ok {
		return nil, false
	}
	w, ok := t.(*memory.WorkingTier)
	return w, ok
}

// Close releases everything in reverse dependency order.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	for _, c := range e.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
