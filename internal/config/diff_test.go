package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/marketvox/marketvox/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelIsHot(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_SessionIsHot(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Session: config.SessionConfig{IdleLimit: config.Duration(2 * time.Minute)},
	}
	new := &config.Config{
		Session: config.SessionConfig{IdleLimit: config.Duration(5 * time.Minute)},
	}

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Error("expected SessionChanged=true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("session change should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_AgentKnobsAreHot(t *testing.T) {
	t.Parallel()
	old := &config.Config{Agent: config.AgentConfig{MinResults: 5}}
	new := &config.Config{Agent: config.AgentConfig{MinResults: 3}}

	d := config.Diff(old, new)
	if !d.AgentChanged {
		t.Error("expected AgentChanged=true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("min_results change should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_TickersFileRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{Agent: config.AgentConfig{TickersFile: "/etc/a.yaml"}}
	new := &config.Config{Agent: config.AgentConfig{TickersFile: "/etc/b.yaml"}}

	d := config.Diff(old, new)
	if d.AgentChanged {
		t.Error("tickers_file alone should not set AgentChanged")
	}
	if !slices.Contains(d.RestartRequired, "agent.tickers_file") {
		t.Errorf("expected agent.tickers_file in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_ProviderChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
		},
	}
	new := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		},
	}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("expected providers in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_ProviderOptionsCompared(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram", Options: map[string]any{"tier": "nova"}},
		},
	}
	same := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram", Options: map[string]any{"tier": "nova"}},
		},
	}
	if d := config.Diff(old, same); d.Changed() {
		t.Errorf("equal options maps should not register a change, got %+v", d)
	}

	changed := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram", Options: map[string]any{"tier": "enhanced"}},
		},
	}
	if d := config.Diff(old, changed); !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("expected providers in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_StoreAndCacheRequireRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Store: config.StoreConfig{PostgresDSN: "postgres://a"},
		Cache: config.CacheConfig{Backend: config.CacheMemory},
	}
	new := &config.Config{
		Store: config.StoreConfig{PostgresDSN: "postgres://b"},
		Cache: config.CacheConfig{Backend: config.CacheRedis, Addr: "localhost:6379"},
	}

	d := config.Diff(old, new)
	for _, section := range []string{"store", "cache"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("expected %s in RestartRequired, got %v", section, d.RestartRequired)
		}
	}
}

func TestDiff_MCPServersRequireRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "filings", Transport: "stdio", Command: "mcp-filings"},
		}},
	}
	new := &config.Config{
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "filings", Transport: "stdio", Command: "mcp-filings"},
			{Name: "web", Transport: "streamable-http", URL: "https://tools.example.com/mcp"},
		}},
	}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "mcp") {
		t.Errorf("expected mcp in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_MixedHotAndRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Session: config.SessionConfig{Language: "en"},
		Store:   config.StoreConfig{EmbeddingDimensions: 1536},
	}
	new := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogWarn},
		Session: config.SessionConfig{Language: "de"},
		Store:   config.StoreConfig{EmbeddingDimensions: 768},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.SessionChanged {
		t.Errorf("expected hot changes recorded, got %+v", d)
	}
	if !slices.Contains(d.RestartRequired, "store") {
		t.Errorf("expected store in RestartRequired, got %v", d.RestartRequired)
	}
	if !d.Changed() {
		t.Error("expected Changed()=true")
	}
}
