package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NUDGE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
		"NUDGE_BASE_URL", "NUDGE_TELEGRAM_TOKEN",
		"NUDGE_MEMORY_ENABLED", "NUDGE_MEMORY_DB_PATH",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", cfg.Agent.Model, DefaultModel)
	}
	if cfg.Agent.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", cfg.Agent.MaxTokens, DefaultMaxTokens)
	}
	if cfg.Agent.HistoryDepth != DefaultHistoryDepth {
		t.Errorf("HistoryDepth = %d, want %d", cfg.Agent.HistoryDepth, DefaultHistoryDepth)
	}

	def := cfg.Proactive.Defaults
	if !def.Enabled {
		t.Error("Proactive.Defaults.Enabled should default to true")
	}
	if def.Schedule.MinIntervalMinutes != DefaultMinIntervalMinutes {
		t.Errorf("MinIntervalMinutes = %d, want %d", def.Schedule.MinIntervalMinutes, DefaultMinIntervalMinutes)
	}
	if def.Schedule.MaxIntervalMinutes != DefaultMaxIntervalMinutes {
		t.Errorf("MaxIntervalMinutes = %d, want %d", def.Schedule.MaxIntervalMinutes, DefaultMaxIntervalMinutes)
	}
	if def.Schedule.QuietHours != DefaultQuietHours {
		t.Errorf("QuietHours = %q, want %q", def.Schedule.QuietHours, DefaultQuietHours)
	}
	if def.ContextAware.MaxDelayMinutes != DefaultMaxDelayMinutes {
		t.Errorf("MaxDelayMinutes = %d, want %d", def.ContextAware.MaxDelayMinutes, DefaultMaxDelayMinutes)
	}
	if def.Segmentation.SplitMode != "regex" {
		t.Errorf("SplitMode = %q, want regex", def.Segmentation.SplitMode)
	}
	if cfg.Memory.Enabled {
		t.Error("Memory should default to disabled")
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("missing file should yield defaults, got model %q", cfg.Agent.Model)
	}
}

func TestLoadConfigFileInvalidJSON(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"agent": {"model": "claude-opus-4-1", "maxTokens": 4096},
		"provider": {"apiKey": "sk-file"},
		"channels": {"telegram": {"enabled": true, "token": "tg-token"}},
		"proactive": {
			"sessions": [
				{"chatId": "42", "channel": "telegram", "enabled": true}
			]
		}
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Agent.Model != "claude-opus-4-1" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Provider.APIKey != "sk-file" {
		t.Errorf("APIKey = %q", cfg.Provider.APIKey)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("Telegram = %+v", cfg.Channels.Telegram)
	}

	// Session fields left zero must be filled from the defaults.
	sess := cfg.Proactive.Sessions[0]
	if sess.Schedule.MinIntervalMinutes != DefaultMinIntervalMinutes {
		t.Errorf("session MinIntervalMinutes = %d, want %d", sess.Schedule.MinIntervalMinutes, DefaultMinIntervalMinutes)
	}
	if sess.Schedule.QuietHours != DefaultQuietHours {
		t.Errorf("session QuietHours = %q, want %q", sess.Schedule.QuietHours, DefaultQuietHours)
	}
	if sess.ContextAware.MemoryTopK != DefaultMemoryTopK {
		t.Errorf("session MemoryTopK = %d, want %d", sess.ContextAware.MemoryTopK, DefaultMemoryTopK)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NUDGE_API_KEY", "sk-nudge")
	t.Setenv("ANTHROPIC_API_KEY", "sk-anthropic")
	t.Setenv("NUDGE_BASE_URL", "https://proxy.example.com")
	t.Setenv("NUDGE_TELEGRAM_TOKEN", "tg-env")
	t.Setenv("NUDGE_MEMORY_ENABLED", "true")
	t.Setenv("NUDGE_MEMORY_DB_PATH", "/tmp/mem.db")

	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Provider.APIKey != "sk-nudge" {
		t.Errorf("NUDGE_API_KEY should win, got %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.BaseURL != "https://proxy.example.com" {
		t.Errorf("BaseURL = %q", cfg.Provider.BaseURL)
	}
	if cfg.Channels.Telegram.Token != "tg-env" {
		t.Errorf("Telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if !cfg.Memory.Enabled || cfg.Memory.DBPath != "/tmp/mem.db" {
		t.Errorf("Memory = %+v", cfg.Memory)
	}
}

func TestEnvAnthropicFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-anthropic")

	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Provider.APIKey != "sk-anthropic" {
		t.Errorf("APIKey = %q, want sk-anthropic", cfg.Provider.APIKey)
	}
	if cfg.Provider.Type != "" {
		t.Errorf("Type = %q, want empty (anthropic default)", cfg.Provider.Type)
	}
}

func TestEnvOpenAIFallbackSetsType(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Provider.APIKey != "sk-openai" {
		t.Errorf("APIKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Type != "openai" {
		t.Errorf("Type = %q, want openai", cfg.Provider.Type)
	}
}

func TestNormalizeRepairsIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proactive.Sessions = []SessionConfig{{
		ChatID:  "1",
		Enabled: true,
		Schedule: ScheduleConfig{
			MinIntervalMinutes: 60,
			MaxIntervalMinutes: 10, // below min, must be clamped up
		},
		Segmentation: SegmentationConfig{LogBase: 0.5},
	}}
	normalize(cfg)

	sess := cfg.Proactive.Sessions[0]
	if sess.Schedule.MaxIntervalMinutes != 60 {
		t.Errorf("MaxIntervalMinutes = %d, want clamped to 60", sess.Schedule.MaxIntervalMinutes)
	}
	if sess.Segmentation.LogBase != 1.8 {
		t.Errorf("LogBase = %v, want 1.8", sess.Segmentation.LogBase)
	}
	if sess.GroupIdleMinutes != DefaultGroupIdleMinutes {
		t.Errorf("GroupIdleMinutes = %d, want %d", sess.GroupIdleMinutes, DefaultGroupIdleMinutes)
	}
}

func TestNormalizeInheritsDecay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proactive.Defaults.Schedule.Decay = DecayConfig{Probabilities: "0.8,0.5", MaxUnanswered: 4}
	cfg.Proactive.Sessions = []SessionConfig{
		{ChatID: "1", Enabled: true},
		{ChatID: "2", Enabled: true, Schedule: ScheduleConfig{Decay: DecayConfig{MaxUnanswered: 1}}},
	}
	normalize(cfg)

	if got := cfg.Proactive.Sessions[0].Schedule.Decay.Probabilities; got != "0.8,0.5" {
		t.Errorf("empty decay should inherit defaults, got %q", got)
	}
	// A session with any decay field set keeps its own block untouched.
	if got := cfg.Proactive.Sessions[1].Schedule.Decay; got.Probabilities != "" || got.MaxUnanswered != 1 {
		t.Errorf("explicit decay overwritten: %+v", got)
	}
}

func TestSessionFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proactive.Sessions = []SessionConfig{
		{ChatID: "42", Channel: "telegram", Enabled: true, Name: "alice"},
		{ChatID: "7", Channel: "telegram", Enabled: false},
		{ChatID: "9", Enabled: true, Name: "any-channel"},
	}

	if sc := cfg.SessionFor("telegram", "42"); sc == nil || sc.Name != "alice" {
		t.Errorf("SessionFor(telegram, 42) = %+v", sc)
	}
	if sc := cfg.SessionFor("telegram", "7"); sc != nil {
		t.Error("disabled session should resolve to nil")
	}
	if sc := cfg.SessionFor("telegram", "404"); sc != nil {
		t.Error("unknown chat should resolve to nil")
	}
	if sc := cfg.SessionFor("feishu", "42"); sc != nil {
		t.Error("channel mismatch should resolve to nil")
	}
	if sc := cfg.SessionFor("telegram", "9"); sc == nil || sc.Name != "any-channel" {
		t.Error("empty session channel should match any channel")
	}
}

func TestProviderByID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider = ProviderConfig{APIKey: "sk-default"}
	cfg.Providers = map[string]ProviderConfig{
		"fast": {Type: "openai", APIKey: "sk-fast", Model: "gpt-4o-mini"},
	}

	if p := cfg.ProviderByID("fast"); p.APIKey != "sk-fast" || p.Model != "gpt-4o-mini" {
		t.Errorf("ProviderByID(fast) = %+v", p)
	}
	if p := cfg.ProviderByID(""); p.APIKey != "sk-default" {
		t.Errorf("ProviderByID(\"\") = %+v", p)
	}
	if p := cfg.ProviderByID("missing"); p.APIKey != "sk-default" {
		t.Errorf("unknown id should fall back to default, got %+v", p)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-saved"
	cfg.Channels.Telegram.Token = "tg-saved"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	if _, err := os.Stat(ConfigPath()); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Provider.APIKey != "sk-saved" {
		t.Errorf("APIKey = %q", loaded.Provider.APIKey)
	}
	if loaded.Channels.Telegram.Token != "tg-saved" {
		t.Errorf("Telegram token = %q", loaded.Channels.Telegram.Token)
	}
}
