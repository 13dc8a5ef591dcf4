// Command marketvox is the main entry point for the MarketVox voice assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/marketvox/marketvox/internal/app"
	"github.com/marketvox/marketvox/internal/config"
	"github.com/marketvox/marketvox/internal/observe"
	"github.com/marketvox/marketvox/internal/resilience"
	"github.com/marketvox/marketvox/pkg/provider/embeddings"
	ollamaembed "github.com/marketvox/marketvox/pkg/provider/embeddings/ollama"
	oaembed "github.com/marketvox/marketvox/pkg/provider/embeddings/openai"
	"github.com/marketvox/marketvox/pkg/provider/llm"
	"github.com/marketvox/marketvox/pkg/provider/llm/anyllm"
	oallm "github.com/marketvox/marketvox/pkg/provider/llm/openai"
	"github.com/marketvox/marketvox/pkg/provider/marketdata"
	"github.com/marketvox/marketvox/pkg/provider/marketdata/finnhub"
	"github.com/marketvox/marketvox/pkg/provider/stt"
	"github.com/marketvox/marketvox/pkg/provider/stt/deepgram"
	"github.com/marketvox/marketvox/pkg/provider/stt/whisperhttp"
	"github.com/marketvox/marketvox/pkg/provider/tts"
	"github.com/marketvox/marketvox/pkg/provider/tts/coqui"
	"github.com/marketvox/marketvox/pkg/provider/tts/elevenlabs"
	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/provider/vad/energy"
	"github.com/marketvox/marketvox/pkg/provider/websearch"
	"github.com/marketvox/marketvox/pkg/provider/websearch/searxng"
)

// version is stamped via -ldflags at release time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("marketvox", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "marketvox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "marketvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("marketvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must come before app.New so metric instruments bind to the real provider.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "marketvox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Changed() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(new, d)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai goes through the native client; tool calling and streaming are
	// better exercised there than through the any-llm translation layer.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisperhttp.Option
		if entry.Model != "" {
			opts = append(opts, whisperhttp.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisperhttp.WithLanguage(lang))
		}
		return whisperhttp.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── Market data ───────────────────────────────────────────────────────────

	reg.RegisterMarketData("finnhub", func(entry config.ProviderEntry) (marketdata.Provider, error) {
		var opts []finnhub.Option
		if entry.BaseURL != "" {
			opts = append(opts, finnhub.WithBaseURL(entry.BaseURL))
		}
		return finnhub.New(entry.APIKey, opts...)
	})

	// ── Web search ────────────────────────────────────────────────────────────

	reg.RegisterWebSearch("searxng", func(entry config.ProviderEntry) (websearch.Provider, error) {
		var opts []searxng.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, searxng.WithLanguage(lang))
		}
		return searxng.New(entry.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Providers with a configured fallback are wrapped in a resilience
// chain with per-backend circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if fbName := cfg.Providers.LLMFallback.Name; fbName != "" && ps.LLM != nil {
		fb, err := reg.CreateLLM(cfg.Providers.LLMFallback)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", fbName, err)
		}
		chain := resilience.NewLLMFallback(ps.LLM, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		chain.AddFallback(fbName, fb)
		ps.LLM = chain
		slog.Info("fallback chain armed", "kind", "llm", "fallback", fbName)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if fbName := cfg.Providers.STTFallback.Name; fbName != "" && ps.STT != nil {
		fb, err := reg.CreateSTT(cfg.Providers.STTFallback)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fbName, err)
		}
		chain := resilience.NewSTTFallback(ps.STT, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		chain.AddFallback(fbName, fb)
		ps.STT = chain
		slog.Info("fallback chain armed", "kind", "stt", "fallback", fbName)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if fbName := cfg.Providers.TTSFallback.Name; fbName != "" && ps.TTS != nil {
		fb, err := reg.CreateTTS(cfg.Providers.TTSFallback)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fbName, err)
		}
		chain := resilience.NewTTSFallback(ps.TTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		chain.AddFallback(fbName, fb)
		ps.TTS = chain
		slog.Info("fallback chain armed", "kind", "tts", "fallback", fbName)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "vad", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	if name := cfg.Providers.MarketData.Name; name != "" {
		p, err := reg.CreateMarketData(cfg.Providers.MarketData)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "marketdata", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create market data provider %q: %w", name, err)
		} else {
			ps.MarketData = resilience.NewMarketDataGuard(p, name, resilience.CircuitBreakerConfig{})
			slog.Info("provider created", "kind", "marketdata", "name", name)
		}
	}

	if name := cfg.Providers.WebSearch.Name; name != "" {
		p, err := reg.CreateWebSearch(cfg.Providers.WebSearch)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "websearch", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create web search provider %q: %w", name, err)
		} else {
			ps.WebSearch = resilience.NewWebSearchGuard(p, name, resilience.CircuitBreakerConfig{})
			slog.Info("provider created", "kind", "websearch", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        MarketVox — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Market data", cfg.Providers.MarketData.Name, "")
	printProvider("Web search", cfg.Providers.WebSearch.Name, "")
	fmt.Printf("║  Cache backend   : %-19s ║\n", cfg.Cache.Backend)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if root := cfg.Logs.Root; root != "" {
		fmt.Printf("║  Session logs    : %-19s ║\n", root)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher change the level without replacing the handler.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
