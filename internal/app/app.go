// Package app wires all MarketVox subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves traffic until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject fakes via functional options (WithStorage, WithCache).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/marketvox/marketvox/internal/agent"
	"github.com/marketvox/marketvox/internal/cache"
	"github.com/marketvox/marketvox/internal/config"
	"github.com/marketvox/marketvox/internal/edge"
	"github.com/marketvox/marketvox/internal/gate"
	"github.com/marketvox/marketvox/internal/health"
	"github.com/marketvox/marketvox/internal/memory"
	"github.com/marketvox/marketvox/internal/observe"
	"github.com/marketvox/marketvox/internal/session"
	"github.com/marketvox/marketvox/internal/sessionlog"
	"github.com/marketvox/marketvox/internal/store"
	"github.com/marketvox/marketvox/internal/tools"
	"github.com/marketvox/marketvox/pkg/provider/embeddings"
	"github.com/marketvox/marketvox/pkg/provider/llm"
	"github.com/marketvox/marketvox/pkg/provider/marketdata"
	"github.com/marketvox/marketvox/pkg/provider/stt"
	"github.com/marketvox/marketvox/pkg/provider/tts"
	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/provider/websearch"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry,
// with fallback chains already wrapped in.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
	MarketData marketdata.Provider
	WebSearch  websearch.Provider
}

// Storage is the union of everything the app reads and writes in Postgres:
// session rows, conversation history, user notes, watchlists, and
// preferences. *store.Store implements it; tests inject a fake.
type Storage interface {
	session.Store
	session.MonitorStore
	agent.HistoryStore
	memory.NotesStore
	tools.WatchlistStore
	tools.PreferencesStore

	Ping(ctx context.Context) error
	Close()
}

var _ Storage = (*store.Store)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfgMu     sync.RWMutex
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	storage   Storage
	kv        cache.Cache
	gate      *gate.Gate
	logs      *sessionlog.Logger
	memory    *memory.Manager
	tools     *tools.Registry
	tickers   *agent.TickerMap
	assembler *agent.Assembler
	sessions  *session.Manager
	monitor   *session.Monitor
	edge      *edge.Server
	metrics   *observe.Metrics

	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStorage injects a storage backend instead of connecting to Postgres.
func WithStorage(s Storage) Option {
	return func(a *App) { a.storage = s }
}

// WithCache injects a cache instead of creating one from config.
func WithCache(c cache.Cache) Option {
	return func(a *App) { a.kv = c }
}

// WithLogger sets the parent logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry, fallback chains
// included). Use Option functions to inject test doubles.
//
// New performs all initialisation synchronously: storage connection, cache,
// LLM gate, session logger, memory manager, tool registry (built-ins plus
// MCP-bridged tools), ticker map, context assembler, session manager,
// heartbeat monitor, and the edge server. It does not listen; Run does.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.metrics = observe.DefaultMetrics()

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Cache ─────────────────────────────────────────────────────────
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. LLM gate ──────────────────────────────────────────────────────
	a.gate = gate.New(
		gate.WithTimeout(cfg.Gate.LLMTimeout.Std()),
		gate.WithWaitHook(a.metrics.GateWaitHook()),
	)
	if err := observe.ObserveGateDepth(otel.GetMeterProvider(), a.gate.Depth); err != nil {
		a.log.Warn("gate depth gauge not registered", "error", err)
	}

	// ── 4. Session logger ────────────────────────────────────────────────
	if err := a.initSessionLogs(); err != nil {
		return nil, fmt.Errorf("app: init session logs: %w", err)
	}

	// ── 5. Memory manager ────────────────────────────────────────────────
	a.memory = memory.NewManager(memory.ManagerConfig{
		Store:            a.storage,
		LLM:              providers.LLM,
		Gate:             a.gate,
		Logs:             a.logs,
		Logger:           a.log,
		BufferCap:        cfg.Memory.BufferCap,
		FinalizeDeadline: cfg.Memory.FinalizeDeadline.Std(),
	})

	// ── 6. Tool registry ─────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 7. Ticker map + context assembler ────────────────────────────────
	if err := a.initAgentDeps(); err != nil {
		return nil, fmt.Errorf("app: init agent deps: %w", err)
	}

	// ── 8. Session manager ───────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 9. Heartbeat monitor ─────────────────────────────────────────────
	mon, err := session.NewMonitor(session.MonitorConfig{
		Store:     a.storage,
		Closer:    a.sessions,
		IdleLimit: cfg.Session.IdleLimit.Std(),
		Logger:    a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init monitor: %w", err)
	}
	a.monitor = mon

	// ── 10. Edge server ──────────────────────────────────────────────────
	srv, err := edge.New(edge.Config{
		Sessions: a.sessions,
		Health:   a.buildHealth(),
		Metrics:  a.metrics,
		Logger:   a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init edge: %w", err)
	}
	a.edge = srv

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage connects to Postgres unless a backend was injected.
func (a *App) initStorage(ctx context.Context) error {
	if a.storage != nil {
		return nil
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return errors.New("store.postgres_dsn is required when storage is not injected")
	}
	dims := a.cfg.Store.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // matches OpenAI text-embedding-3-small
	}

	st, err := store.New(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.storage = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initCache builds the KV cache from config unless one was injected.
func (a *App) initCache() error {
	if a.kv != nil {
		return nil
	}

	switch a.cfg.Cache.Backend {
	case config.CacheRedis:
		rc, err := cache.NewRedis(cache.RedisConfig{
			Addr:     a.cfg.Cache.Addr,
			Password: a.cfg.Cache.Password,
			DB:       a.cfg.Cache.DB,
		}, a.log)
		if err != nil {
			return err
		}
		a.kv = rc
		a.closers = append(a.closers, rc.Close)
	default:
		a.kv = cache.NewMemory(time.Minute)
	}
	return nil
}

// initSessionLogs creates the per-session file logger.
func (a *App) initSessionLogs() error {
	root := a.cfg.Logs.Root
	if root == "" {
		root = "logs"
	}
	opts := []sessionlog.Option{sessionlog.WithLogger(a.log)}
	if a.cfg.Logs.ToolOutputLimit > 0 {
		opts = append(opts, sessionlog.WithToolOutputLimit(a.cfg.Logs.ToolOutputLimit))
	}
	logs, err := sessionlog.New(root, opts...)
	if err != nil {
		return err
	}
	a.logs = logs
	return nil
}

// initTools builds the registry, registers the built-in tools for each
// configured provider, and bridges MCP servers.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tools.NewRegistry(tools.RegistryConfig{
		Cache:  a.kv,
		Logger: a.log,
	})

	toolOpts := []tools.Option{}
	if d := a.cfg.Agent.ToolDeadline.Std(); d > 0 {
		toolOpts = append(toolOpts, tools.WithInvokeTimeout(d))
	}

	if a.providers.MarketData != nil {
		if err := a.tools.Register(tools.NewPriceTool(a.providers.MarketData, toolOpts...)); err != nil {
			return err
		}
		if err := a.tools.Register(tools.NewNewsTool(a.providers.MarketData, toolOpts...)); err != nil {
			return err
		}
	} else {
		a.log.Warn("no market data provider; price and news tools disabled")
	}

	if a.providers.WebSearch != nil {
		if err := a.tools.Register(tools.NewResearchTool(a.providers.WebSearch, toolOpts...)); err != nil {
			return err
		}
	} else {
		a.log.Warn("no web search provider; research tool disabled")
	}

	if err := a.tools.Register(tools.NewWatchlistTool(a.storage, toolOpts...)); err != nil {
		return err
	}
	if err := a.tools.Register(tools.NewPreferencesTool(a.storage, toolOpts...)); err != nil {
		return err
	}

	if len(a.cfg.MCP.Servers) > 0 {
		bridge := tools.NewMCPBridge(a.log)
		configs := make([]tools.ServerConfig, 0, len(a.cfg.MCP.Servers))
		for _, srv := range a.cfg.MCP.Servers {
			configs = append(configs, tools.ServerConfig{
				Name:      srv.Name,
				Transport: srv.Transport,
				Command:   srv.Command,
				URL:       srv.URL,
				Env:       srv.Env,
				Timeout:   srv.Timeout.Std(),
				TTL:       srv.CacheTTL.Std(),
			})
		}
		n := bridge.Register(ctx, a.tools, configs)
		a.log.Info("mcp tools bridged", "count", n)
		a.closers = append(a.closers, bridge.Close)
	}

	return nil
}

// initAgentDeps loads the ticker map and builds the prompt context assembler.
func (a *App) initAgentDeps() error {
	a.tickers = agent.NewTickerMap()
	if path := a.cfg.Agent.TickersFile; path != "" {
		if err := a.tickers.LoadFile(path); err != nil {
			return fmt.Errorf("load tickers file %q: %w", path, err)
		}
		a.log.Info("ticker map extended", "path", path, "entries", a.tickers.Len())
	}

	asmOpts := []agent.AssemblerOption{agent.WithLogger(a.log)}
	if a.providers.Embeddings != nil {
		asmOpts = append(asmOpts, agent.WithEmbedder(a.providers.Embeddings))
	}
	if n := a.cfg.Agent.RecentTurns; n > 0 {
		asmOpts = append(asmOpts, agent.WithRecentTurns(n))
	}
	if n := a.cfg.Agent.RecallTopK; n > 0 {
		asmOpts = append(asmOpts, agent.WithRecallTopK(n))
	}
	a.assembler = agent.NewAssembler(a.storage, asmOpts...)
	return nil
}

// initSessions builds the session manager with a runtime factory that
// assembles the per-session graph, memory buffer, and transcript log.
func (a *App) initSessions() error {
	factory := func(sessionID, userID, source string, startedAt time.Time) (session.Runtime, error) {
		cfg := a.conf() // admission-time snapshot so reloads reach new sessions
		mem := a.memory.Session(sessionID, userID)
		tlog := a.logs.Session(sessionID, userID, source, startedAt)

		graph, err := agent.NewGraph(agent.GraphConfig{
			SessionID:    sessionID,
			UserID:       userID,
			LLM:          a.providers.LLM,
			Gate:         a.gate,
			Tools:        a.tools,
			Tickers:      a.tickers,
			Assembler:    a.assembler,
			Memory:       mem,
			Log:          tlog,
			Logger:       a.log,
			MinResults:   cfg.Agent.MinResults,
			TurnDeadline: cfg.Session.TurnDeadline.Std(),
			ToolDeadline: cfg.Agent.ToolDeadline.Std(),
			JoinDeadline: cfg.Agent.JoinDeadline.Std(),
		})
		if err != nil {
			return session.Runtime{}, err
		}
		return session.Runtime{Graph: graph, Memory: mem, Log: tlog}, nil
	}

	mgr, err := session.NewManager(session.ManagerConfig{
		Store:             a.storage,
		Factory:           factory,
		STT:               a.providers.STT,
		TTS:               a.providers.TTS,
		VAD:               a.providers.VAD,
		Embedder:          a.providers.Embeddings,
		Metrics:           a.metrics,
		Logger:            a.log,
		AllowUnknownUsers: a.cfg.Session.AllowUnknownUsers,
		Language:          a.cfg.Session.Language,
		TurnDeadline:      a.cfg.Session.TurnDeadline.Std(),
	})
	if err != nil {
		return err
	}
	a.sessions = mgr
	return nil
}

// buildHealth assembles the readiness probes. Postgres and the LLM vendor
// are hard dependencies; the cache only degrades readiness when it is down.
func (a *App) buildHealth() *health.Handler {
	probes := []health.Probe{
		{Name: "postgres", Check: a.storage.Ping},
		{Name: "llm", Check: func(context.Context) error {
			if a.providers.LLM == nil {
				return errors.New("no llm provider configured")
			}
			return nil
		}},
	}
	if pinger, ok := a.kv.(interface{ Ping(context.Context) error }); ok {
		probes = append(probes, health.Probe{Name: "cache", Soft: true, Check: pinger.Ping})
	}
	return health.New(probes...)
}

// conf returns the current config snapshot.
func (a *App) conf() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ApplyConfig applies a reloaded config. Hot-applicable changes take effect
// immediately (idle limit, memory tuning) or at the next session admission
// (agent knobs, turn deadline); restart-required sections are logged and
// otherwise ignored.
func (a *App) ApplyConfig(newCfg *config.Config, d config.ConfigDiff) {
	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()

	if d.SessionChanged {
		a.monitor.SetIdleLimit(newCfg.Session.IdleLimit.Std())
		a.log.Info("session settings reloaded",
			"idle_limit", newCfg.Session.IdleLimit.Std(),
			"turn_deadline", newCfg.Session.TurnDeadline.Std(),
		)
	}
	if d.AgentChanged {
		a.log.Info("agent settings reloaded; new sessions pick them up")
	}
	if d.MemoryChanged {
		a.memory.SetTuning(newCfg.Memory.BufferCap, newCfg.Memory.FinalizeDeadline.Std())
		a.log.Info("memory settings reloaded")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			"sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run reconciles orphaned session rows, starts the heartbeat monitor, and
// serves the edge HTTP surface until ctx is cancelled. It returns ctx's
// error after the listener has shut down.
func (a *App) Run(ctx context.Context) error {
	// Rows left active by a previous crash would shadow new sessions.
	if n, err := a.monitor.ReconcileOrphans(ctx); err != nil {
		a.log.Warn("orphan reconciliation failed", "error", err)
	} else if n > 0 {
		a.log.Info("orphaned sessions reconciled at boot", "count", n)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.monitor.Run(ctx)
	}()

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}

	a.httpSrv = &http.Server{
		Handler:           a.edge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tls := a.cfg.Server.TLS; tls != nil {
			serveErr = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			serveErr = a.httpSrv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	a.log.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	wg.Wait()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes all live sessions, stops the listener and monitor, and
// tears down the remaining subsystems. It respects the context deadline: if
// ctx expires, remaining closers are skipped and the context error is
// returned. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		// Sessions first: close-all runs every memory finalizer while the
		// store and gate are still up.
		if err := a.sessions.CloseAll(ctx, "shutdown"); err != nil {
			a.log.Warn("session close-all incomplete", "error", err)
		}
		a.monitor.Stop()

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "error", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
