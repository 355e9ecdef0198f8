package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxToolIterations = 20
	DefaultBufSize           = 100

	DefaultMinIntervalMinutes = 30
	DefaultMaxIntervalMinutes = 900
	DefaultQuietHours         = "1-7"
	DefaultGroupIdleMinutes   = 10
	DefaultMaxUnanswered      = 3

	DefaultMinDelayMinutes    = 5
	DefaultMaxDelayMinutes    = 720
	DefaultMaxContextMessages = 10
	DefaultMemoryTopK         = 5

	DefaultSegmentThreshold = 150
	DefaultSegmentInterval  = "1.5,3.5"

	DefaultLLMTimeoutSeconds = 120
	DefaultHistoryDepth      = 40
)

type Config struct {
	Agent     AgentConfig               `json:"agent"`
	Provider  ProviderConfig            `json:"provider"`
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Channels  ChannelsConfig            `json:"channels"`
	Memory    MemoryConfig              `json:"memory"`
	Proactive ProactiveConfig           `json:"proactive"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
	LLMTimeoutSeconds int    `json:"llmTimeoutSeconds"`
	HistoryDepth      int    `json:"historyDepth,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath,omitempty"`
}

// ProactiveConfig holds per-session proactive messaging settings. Defaults
// fill any field a session entry leaves zero-valued.
type ProactiveConfig struct {
	Defaults SessionConfig   `json:"defaults"`
	Sessions []SessionConfig `json:"sessions"`
}

// SessionConfig is the resolved configuration for one chat session.
type SessionConfig struct {
	ChatID  string `json:"chatId,omitempty"`
	Name    string `json:"name,omitempty"`
	Channel string `json:"channel,omitempty"`
	Enabled bool   `json:"enabled"`
	Group   bool   `json:"group,omitempty"`

	// Prompt is the motivation template. Placeholders {{current_time}},
	// {{unanswered_count}} and {{last_reply_time}} are substituted at fire
	// time.
	Prompt string `json:"prompt,omitempty"`

	Schedule     ScheduleConfig     `json:"schedule"`
	ContextAware ContextAwareConfig `json:"contextAware"`
	Segmentation SegmentationConfig `json:"segmentation"`
	AutoTrigger  AutoTriggerConfig  `json:"autoTrigger"`

	GroupIdleMinutes int `json:"groupIdleMinutes,omitempty"`
}

type ScheduleConfig struct {
	MinIntervalMinutes int            `json:"minIntervalMinutes,omitempty"`
	MaxIntervalMinutes int            `json:"maxIntervalMinutes,omitempty"`
	QuietHours         string         `json:"quietHours,omitempty"` // "22-7", wraps past midnight
	Rules              []IntervalRule `json:"rules,omitempty"`
	Decay              DecayConfig    `json:"decay"`
}

// IntervalRule maps an hour-of-day window to a weighted interval choice.
// Weights uses the "20-30:0.2,30-50:0.5,50-90:0.3" format (minutes:weight).
type IntervalRule struct {
	StartHour int    `json:"startHour"`
	EndHour   int    `json:"endHour"`
	Weights   string `json:"intervalWeights,omitempty"`
}

// DecayConfig controls the decaying-probability gate on consecutive
// unanswered proactive sends. Probabilities is a comma list like
// "0.8,0.5,0.3"; Step continues the list arithmetically (nil means no step
// is configured, an explicit 0 freezes at the last value); MaxUnanswered is
// the hard cap used when neither list nor step is set (0 means unset).
type DecayConfig struct {
	Probabilities string   `json:"probabilities,omitempty"`
	Step          *float64 `json:"step,omitempty"`
	MaxUnanswered int      `json:"maxUnanswered,omitempty"`
}

type ContextAwareConfig struct {
	Enabled            bool   `json:"enabled"`
	ProviderID         string `json:"providerId,omitempty"` // key into Config.Providers
	MinDelayMinutes    int    `json:"minDelayMinutes,omitempty"`
	MaxDelayMinutes    int    `json:"maxDelayMinutes,omitempty"`
	MaxContextMessages int    `json:"maxContextMessages,omitempty"`
	EnableMemory       bool   `json:"enableMemory"`
	MemoryTopK         int    `json:"memoryTopK,omitempty"`
	ExtraPrompt        string `json:"extraPrompt,omitempty"`
}

type SegmentationConfig struct {
	Enabled   bool   `json:"enabled"`
	SplitMode string `json:"splitMode,omitempty"` // "regex" (default) or "words"
	Regex     string `json:"regex,omitempty"`
	// SplitWords is used in "words" mode; each listed rune ends a segment.
	SplitWords []string `json:"splitWords,omitempty"`
	Threshold  int      `json:"wordsCountThreshold,omitempty"`
	// IntervalMethod "random" draws uniformly from Interval ("lo,hi"
	// seconds); "log" scales with segment length using LogBase.
	IntervalMethod string  `json:"intervalMethod,omitempty"`
	Interval       string  `json:"interval,omitempty"`
	LogBase        float64 `json:"logBase,omitempty"`
}

type AutoTriggerConfig struct {
	Enabled      bool `json:"enabled"`
	AfterMinutes int  `json:"afterMinutes,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".nudge", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
			LLMTimeoutSeconds: DefaultLLMTimeoutSeconds,
			HistoryDepth:      DefaultHistoryDepth,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{},
		Memory:   MemoryConfig{Enabled: false},
		Proactive: ProactiveConfig{
			Defaults: SessionConfig{
				Enabled: true,
				Schedule: ScheduleConfig{
					MinIntervalMinutes: DefaultMinIntervalMinutes,
					MaxIntervalMinutes: DefaultMaxIntervalMinutes,
					QuietHours:         DefaultQuietHours,
					Decay:              DecayConfig{MaxUnanswered: DefaultMaxUnanswered},
				},
				ContextAware: ContextAwareConfig{
					Enabled:            false,
					MinDelayMinutes:    DefaultMinDelayMinutes,
					MaxDelayMinutes:    DefaultMaxDelayMinutes,
					MaxContextMessages: DefaultMaxContextMessages,
					EnableMemory:       true,
					MemoryTopK:         DefaultMemoryTopK,
				},
				Segmentation: SegmentationConfig{
					SplitMode:      "regex",
					Threshold:      DefaultSegmentThreshold,
					IntervalMethod: "random",
					Interval:       DefaultSegmentInterval,
					LogBase:        1.8,
				},
				AutoTrigger:      AutoTriggerConfig{AfterMinutes: 5},
				GroupIdleMinutes: DefaultGroupIdleMinutes,
			},
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".nudge")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	normalize(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("NUDGE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("NUDGE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("NUDGE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if enabled := os.Getenv("NUDGE_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}
	if dbPath := os.Getenv("NUDGE_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
}

// normalize fills zero-valued session fields from Proactive.Defaults and
// repairs invalid values the documented way (fallback defaults, never fail).
func normalize(cfg *Config) {
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.LLMTimeoutSeconds <= 0 {
		cfg.Agent.LLMTimeoutSeconds = DefaultLLMTimeoutSeconds
	}

	def := &cfg.Proactive.Defaults
	normalizeSession(def, &DefaultConfig().Proactive.Defaults)
	for i := range cfg.Proactive.Sessions {
		normalizeSession(&cfg.Proactive.Sessions[i], def)
	}
}

func normalizeSession(sc, def *SessionConfig) {
	if sc.Channel == "" {
		sc.Channel = def.Channel
	}
	if sc.Prompt == "" {
		sc.Prompt = def.Prompt
	}
	if sc.GroupIdleMinutes <= 0 {
		sc.GroupIdleMinutes = def.GroupIdleMinutes
	}

	s := &sc.Schedule
	if s.MinIntervalMinutes <= 0 {
		s.MinIntervalMinutes = def.Schedule.MinIntervalMinutes
	}
	if s.MaxIntervalMinutes <= 0 {
		s.MaxIntervalMinutes = def.Schedule.MaxIntervalMinutes
	}
	if s.MaxIntervalMinutes < s.MinIntervalMinutes {
		s.MaxIntervalMinutes = s.MinIntervalMinutes
	}
	if s.QuietHours == "" {
		s.QuietHours = def.Schedule.QuietHours
	}
	if len(s.Rules) == 0 {
		s.Rules = def.Schedule.Rules
	}
	if s.Decay == (DecayConfig{}) {
		s.Decay = def.Schedule.Decay
	}

	c := &sc.ContextAware
	if c.MinDelayMinutes <= 0 {
		c.MinDelayMinutes = def.ContextAware.MinDelayMinutes
	}
	if c.MaxDelayMinutes <= 0 {
		c.MaxDelayMinutes = def.ContextAware.MaxDelayMinutes
	}
	if c.MaxContextMessages <= 0 {
		c.MaxContextMessages = def.ContextAware.MaxContextMessages
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = def.ContextAware.MemoryTopK
	}

	g := &sc.Segmentation
	if g.SplitMode == "" {
		g.SplitMode = def.Segmentation.SplitMode
	}
	if g.Threshold <= 0 {
		g.Threshold = def.Segmentation.Threshold
	}
	if g.IntervalMethod == "" {
		g.IntervalMethod = def.Segmentation.IntervalMethod
	}
	if g.Interval == "" {
		g.Interval = def.Segmentation.Interval
	}
	if g.LogBase <= 1 {
		g.LogBase = 1.8
	}

	if sc.AutoTrigger.AfterMinutes <= 0 {
		sc.AutoTrigger.AfterMinutes = def.AutoTrigger.AfterMinutes
	}
}

// SessionFor finds the proactive settings for a channel+chat pair. Returns
// nil when the session is not configured or disabled.
func (c *Config) SessionFor(channel, chatID string) *SessionConfig {
	for i := range c.Proactive.Sessions {
		sc := &c.Proactive.Sessions[i]
		if sc.ChatID != chatID {
			continue
		}
		if sc.Channel != "" && sc.Channel != channel {
			continue
		}
		if !sc.Enabled {
			return nil
		}
		return sc
	}
	return nil
}

// ProviderByID resolves a named provider override, falling back to the
// default provider when id is empty or unknown.
func (c *Config) ProviderByID(id string) ProviderConfig {
	if id != "" {
		if p, ok := c.Providers[id]; ok {
			return p
		}
	}
	return c.Provider
}

func SaveConfig(cfg *Config) error {
	return SaveConfigFile(cfg, ConfigPath())
}

func SaveConfigFile(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
