// Package app wires the koschei subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the memory store, builds
// the provider chain, history log, style profiler, orchestrator and HTTP
// façade from config; Run serves until the context ends; Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithHistory, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/koschei/internal/config"
	"github.com/MrWong99/koschei/internal/health"
	"github.com/MrWong99/koschei/internal/history"
	"github.com/MrWong99/koschei/internal/observe"
	"github.com/MrWong99/koschei/internal/orchestrator"
	"github.com/MrWong99/koschei/internal/prompt"
	"github.com/MrWong99/koschei/internal/recall"
	"github.com/MrWong99/koschei/internal/resilience"
	"github.com/MrWong99/koschei/internal/server"
	"github.com/MrWong99/koschei/internal/style"
	"github.com/MrWong99/koschei/pkg/memory"
	"github.com/MrWong99/koschei/pkg/memory/chromem"
	"github.com/MrWong99/koschei/pkg/memory/postgres"
	"github.com/MrWong99/koschei/pkg/provider/embeddings"
	"github.com/MrWong99/koschei/pkg/provider/llm"
	"github.com/MrWong99/koschei/pkg/provider/llm/tokenizer"
)

// NamedLLM pairs a fallback LLM with the name it is reported under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the provider instances built by main.go via the config
// registry. LLM and Embeddings are required.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider

	// FallbackLLMs are tried in order when LLM fails or its breaker is open.
	FallbackLLMs []NamedLLM
}

// App owns all subsystem lifetimes and serves the reply pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store    memory.Store
	llm      llm.Provider
	history  history.Log
	profiler style.Profiler
	metrics  *observe.Metrics
	orch     *orchestrator.Orchestrator
	server   *server.Server
	level    *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a memory store instead of opening one from config. The
// caller keeps ownership; Shutdown does not close it.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithHistory injects a history log instead of creating one from config.
func WithHistory(h history.Log) Option {
	return func(a *App) { a.history = h }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel hands New the level variable of the process logger so config
// reloads can change verbosity without a restart.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated (see [config.Load]).
//
// New performs all initialisation synchronously: the memory store is opened
// and every partition bound to the configured embedder before the
// orchestrator and server are assembled. On error, everything opened so far
// is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.LLM == nil {
		return nil, fmt.Errorf("app: an LLM provider is required")
	}
	if providers.Embeddings == nil {
		return nil, fmt.Errorf("app: an embeddings provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. LLM chain ─────────────────────────────────────────────────────
	a.initLLM()

	// ── 3. History log ───────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Style profiler ────────────────────────────────────────────────
	if err := a.initProfiler(); err != nil {
		return nil, fmt.Errorf("app: init style profiler: %w", err)
	}

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	if err := a.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 6. HTTP façade ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the configured backend (unless injected) and binds every
// partition to the embeddings provider.
func (a *App) initMemory(ctx context.Context) error {
	emb := a.providers.Embeddings
	if a.store == nil {
		switch a.cfg.Memory.Backend {
		case config.MemoryPostgres:
			store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, emb)
			if err != nil {
				return err
			}
			a.store = store
		default:
			store, err := chromem.New(a.cfg.Memory.Path, emb, chromem.WithCompress(a.cfg.Memory.Compress))
			if err != nil {
				return err
			}
			a.store = store
		}
		a.closers = append(a.closers, a.store.Close)
	}

	for _, p := range memory.Partitions() {
		if err := a.store.Bind(ctx, p, emb); err != nil {
			return fmt.Errorf("bind %s: %w", p, err)
		}
	}
	slog.Info("memory store ready",
		"backend", a.cfg.Memory.Backend,
		"embeddings", memory.ConfigOf(emb).String(),
	)
	return nil
}

// initLLM wraps the primary LLM in a circuit-breaking fallback chain when
// fallbacks are configured. Every attempt is reported to the provider
// metrics.
func (a *App) initLLM() {
	if len(a.providers.FallbackLLMs) == 0 {
		a.llm = a.providers.LLM
		return
	}
	m := a.metrics
	fo := a.cfg.Providers.Failover
	fb := resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  fo.MaxFailures,
			ResetTimeout: fo.ResetTimeout,
			HalfOpenMax:  fo.HalfOpenTrials,
		},
		OnResult: func(provider string, outcome resilience.Outcome, _ error) {
			ctx := context.Background()
			m.RecordProviderRequest(ctx, provider, "llm", outcome.String())
			if outcome == resilience.OutcomeFailure {
				m.RecordProviderError(ctx, provider, "llm")
			}
		},
	})
	for _, f := range a.providers.FallbackLLMs {
		fb.AddFallback(f.Name, f.Provider)
	}
	slog.Info("llm failover enabled", "order", fb.Names())
	a.llm = fb
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	hc := a.cfg.History
	switch hc.Backend {
	case config.HistoryRedis:
		client, err := history.Dial(ctx, hc.RedisAddr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.history = history.NewRedisLog(client, hc.MaxMessages)
	case config.HistoryNone:
		a.history = history.Nop{}
	default:
		a.history = history.NewMemoryLog(hc.MaxMessages)
	}
	return nil
}

func (a *App) initProfiler() error {
	var p style.Profiler = style.NewLLMProfiler(a.llm, style.WithTemperature(OptionsFromConfig(a.cfg).Temperature))
	if ttl := a.cfg.Style.CacheTTL; ttl > 0 {
		cached, err := style.NewCachedProfiler(p, ttl)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			cached.Close()
			return nil
		})
		p = cached
	}
	a.profiler = p
	return nil
}

func (a *App) initOrchestrator() error {
	composer, err := ComposerFromConfig(a.cfg)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(a.store, a.llm,
		orchestrator.WithOptions(OptionsFromConfig(a.cfg)),
		orchestrator.WithComposer(composer),
		orchestrator.WithProfiler(a.profiler),
		orchestrator.WithHistory(a.history),
		orchestrator.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *App) initServer() error {
	sc := a.cfg.Server
	checkers := []health.Checker{health.PingChecker("memory", a.store)}
	if p, ok := a.history.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("history", p))
	}
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(checkers...),
		server.WithMetricsHandler(promhttp.Handler()),
		server.WithCORS(sc.CORSOrigins...),
		server.WithRateLimit(sc.RateLimit.RPS, sc.RateLimit.Burst),
	}
	if sc.TLS != nil {
		opts = append(opts, server.WithTLS(sc.TLS.CertFile, sc.TLS.KeyFile))
	}
	srv, err := server.New(a.orch, opts...)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// OptionsFromConfig maps the pipeline section of a defaulted config onto
// orchestrator options.
func OptionsFromConfig(cfg *config.Config) orchestrator.Options {
	p := cfg.Pipeline
	o := orchestrator.DefaultOptions()
	o.DefaultRound = p.DefaultRound
	o.ImitateEnabled = config.Bool(p.ImitateEnabled)
	o.IncludeNearbyPlayers = config.Bool(p.IncludeNearbyPlayers)
	o.LocationFilterEnabled = config.Bool(p.LocationFilterEnabled)
	o.PlayerK = p.PlayerK
	o.NPCK = p.NPCK
	o.GenerationTimeout = p.GenerationTimeout
	o.RetrievalFailure = orchestrator.RetrievalFailurePolicy(p.RetrievalFailure)
	if p.Temperature != nil {
		o.Temperature = *p.Temperature
	}
	o.FillRecent = cfg.History.FillRecent
	if cfg.History.MaxMessages > 0 {
		o.RecentLimit = cfg.History.MaxMessages
	}
	return o
}

// ComposerFromConfig builds the prompt composer for the configured persona
// and world. A positive pipeline.max_prompt_tokens enables budgeting with a
// tokenizer matching the primary LLM model.
func ComposerFromConfig(cfg *config.Config) (prompt.Composer, error) {
	locs, err := recall.NewLocations(cfg.World.Locations...)
	if err != nil {
		return prompt.Composer{}, err
	}
	c := prompt.Composer{
		Persona: prompt.Persona{
			Name:     cfg.Persona.Name,
			Preamble: cfg.Persona.Preamble,
		},
		Locations: locs,
	}
	if limit := cfg.Pipeline.MaxPromptTokens; limit > 0 {
		c.Counter = tokenizer.ForModel(cfg.Providers.LLM.Model)
		c.MaxTokens = limit
	}
	return c, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the reply pipeline.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Store returns the memory store in use.
func (a *App) Store() memory.Store { return a.store }

// Handler returns the HTTP handler of the façade.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP façade on the configured address and blocks until ctx
// is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running",
		"addr", a.cfg.Server.ListenAddr,
		"persona", a.cfg.Persona.Name,
		"locations", len(a.cfg.World.Locations),
	)
	return a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
}

// Serve is like Run but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	return a.server.Serve(ctx, ln)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change: log level,
// persona, locations and pipeline tuning. Changes that need a restart are
// logged and otherwise ignored. It has the signature of [config.ChangeFunc].
func (a *App) ApplyConfig(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged || d.LocationsChanged {
		c, err := ComposerFromConfig(newCfg)
		if err == nil {
			err = a.orch.SetComposer(c)
		}
		if err != nil {
			slog.Error("config reload: keeping previous prompt composer", "err", err)
		} else {
			slog.Info("prompt composer updated", "persona", newCfg.Persona.Name, "locations", c.Locations.String())
		}
	}
	if d.PipelineChanged {
		if err := a.orch.SetOptions(OptionsFromConfig(newCfg)); err != nil {
			slog.Error("config reload: keeping previous pipeline options", "err", err)
		} else {
			slog.Info("pipeline options updated", "fields", d.PipelineFields)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
	a.cfg = newCfg
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error during failed init", "err", err)
		}
	}
	a.closers = nil
}
