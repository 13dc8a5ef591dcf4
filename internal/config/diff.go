package config

import "reflect"

// ConfigDiff describes what changed between two configs, classified by how
// the change can be applied: hot-applicable knobs are applied live by the
// watcher callback, everything else only logs a restart-required notice.
type ConfigDiff struct {
	// LogLevelChanged means server.log_level changed; NewLogLevel carries
	// the new value. Applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged means a session lifecycle knob (idle_limit,
	// turn_deadline) changed. Applied live to the heartbeat monitor and to
	// sessions admitted after the reload.
	SessionChanged bool

	// AgentChanged means an agent tuning knob (min_results, deadlines,
	// recent_turns, recall_top_k) changed. Applied to graphs built after the
	// reload.
	AgentChanged bool

	// MemoryChanged means memory.finalize_deadline or memory.buffer_cap
	// changed. Applied to sessions admitted after the reload.
	MemoryChanged bool

	// RestartRequired lists the sections whose changes cannot be applied to
	// a running process (providers, store, cache, server, gate, logs, mcp,
	// agent.tickers_file). Empty when every change was hot-applicable.
	RestartRequired []string
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.AgentChanged ||
		d.MemoryChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and classifies every change as either
// hot-applicable or restart-required.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	oldA, newA := old.Agent, new.Agent
	if oldA.TickersFile != newA.TickersFile {
		// The ticker file is read once at startup.
		d.RestartRequired = append(d.RestartRequired, "agent.tickers_file")
		oldA.TickersFile, newA.TickersFile = "", ""
	}
	if oldA != newA {
		d.AgentChanged = true
	}

	if old.Gate != new.Gate {
		// The gate is constructed once; its timeout cannot move under
		// queued waiters.
		d.RestartRequired = append(d.RestartRequired, "gate")
	}
	if old.Memory != new.Memory {
		d.MemoryChanged = true
	}

	if !serverEqual(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if old.Logs != new.Logs {
		d.RestartRequired = append(d.RestartRequired, "logs")
	}
	if !mcpEqual(old.MCP, new.MCP) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}

// serverEqual compares server configs ignoring the hot-applicable log level.
func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	if a.TLS != nil && *a.TLS != *b.TLS {
		return false
	}
	return true
}

// providersEqual compares every provider slot. ProviderEntry carries a
// free-form Options map, so the comparison goes through entryEqual.
func providersEqual(a, b ProvidersConfig) bool {
	pairs := [][2]ProviderEntry{
		{a.LLM, b.LLM}, {a.LLMFallback, b.LLMFallback},
		{a.STT, b.STT}, {a.STTFallback, b.STTFallback},
		{a.TTS, b.TTS}, {a.TTSFallback, b.TTSFallback},
		{a.VAD, b.VAD}, {a.Embeddings, b.Embeddings},
		{a.MarketData, b.MarketData}, {a.WebSearch, b.WebSearch},
	}
	for _, p := range pairs {
		if !entryEqual(p[0], p[1]) {
			return false
		}
	}
	return true
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}

// mcpEqual compares MCP server lists field by field. Any change counts as a
// restart: bridged tools are registered once.
func mcpEqual(a, b MCPConfig) bool {
	if len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		sa, sb := a.Servers[i], b.Servers[i]
		if sa.Name != sb.Name || sa.Transport != sb.Transport ||
			sa.Command != sb.Command || sa.URL != sb.URL ||
			sa.Timeout != sb.Timeout || sa.CacheTTL != sb.CacheTTL {
			return false
		}
		if len(sa.Env) != len(sb.Env) {
			return false
		}
		for k, v := range sa.Env {
			if sb.Env[k] != v {
				return false
			}
		}
	}
	return true
}
