package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper"},
	"tts":        {"elevenlabs", "coqui"},
	"vad":        {"energy"},
	"embeddings": {"openai", "ollama"},
	"marketdata": {"finnhub"},
	"websearch":  {"searxng"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} and $VAR references are expanded from the environment before
// parsing, so API keys can stay out of the file. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt", cfg.Providers.STTFallback.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("marketdata", cfg.Providers.MarketData.Name)
	validateProviderName("websearch", cfg.Providers.WebSearch.Name)

	// A fallback without a primary is almost certainly a mistake.
	if cfg.Providers.LLMFallback.Name != "" && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallback is set but providers.llm is not"))
	}
	if cfg.Providers.STTFallback.Name != "" && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallback is set but providers.stt is not"))
	}
	if cfg.Providers.TTSFallback.Name != "" && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallback is set but providers.tts is not"))
	}

	// Provider availability warnings. The core cannot answer anything
	// without an LLM, and voice sessions need STT + TTS.
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the agent cannot generate responses")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; voice input will be rejected")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; responses will be text-only")
	}
	if cfg.Providers.MarketData.Name == "" {
		slog.Warn("no market-data provider configured; price and news tools will be unavailable")
	}

	// Embeddings ↔ store dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Store.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but store.embedding_dimensions is not set; defaulting to 1536")
	}

	// Store availability
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; sessions, notes and watchlists will not persist")
	}

	// Cache
	if cfg.Cache.Backend != "" && !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheRedis && cfg.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when cache.backend is redis"))
	}

	// Durations must not be negative; zero means default.
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"session.idle_limit", cfg.Session.IdleLimit},
		{"session.turn_deadline", cfg.Session.TurnDeadline},
		{"agent.tool_deadline", cfg.Agent.ToolDeadline},
		{"agent.join_deadline", cfg.Agent.JoinDeadline},
		{"gate.llm_timeout", cfg.Gate.LLMTimeout},
		{"memory.finalize_deadline", cfg.Memory.FinalizeDeadline},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if cfg.Agent.MinResults < 0 {
		errs = append(errs, errors.New("agent.min_results must not be negative"))
	}
	if cfg.Memory.BufferCap < 0 {
		errs = append(errs, errors.New("memory.buffer_cap must not be negative"))
	}
	if cfg.Logs.ToolOutputLimit < 0 {
		errs = append(errs, errors.New("logs.tool_output_limit must not be negative"))
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		switch srv.Transport {
		case "", "stdio", "streamable-http":
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == "stdio" && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == "streamable-http" && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
