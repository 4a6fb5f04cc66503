// Package config provides the configuration schema, loader, and provider
// registry for the Sublexa captions server.
package config

// LogLevel controls log verbosity for the Sublexa server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TranslatorMode selects which backend serves confirmed sentences.
type TranslatorMode string

const (
	// ModeQuality sends sealed sentences to the quality backend and the
	// provisional tail to the speed backend.
	ModeQuality TranslatorMode = "quality"

	// ModeSpeed sends everything to the speed backend.
	ModeSpeed TranslatorMode = "speed"
)

// IsValid reports whether m is a recognised translator mode.
func (m TranslatorMode) IsValid() bool {
	return m == ModeQuality || m == ModeSpeed
}

// Config is the root configuration structure for Sublexa.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds network and logging settings for the Sublexa server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists extra origin patterns accepted for WebSocket
	// upgrades and CORS (e.g., "captions.example.com", "*.example.com").
	// Same-host callers are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig declares the upstream services behind each pipeline stage.
type ProvidersConfig struct {
	ASR        ASRConfig        `yaml:"asr"`
	Translator TranslatorConfig `yaml:"translator"`
	LLM        ProviderEntry    `yaml:"llm"`
}

// ASRConfig holds one block per speech vendor. A vendor with an empty
// api_key is left unconfigured and its endpoint answers 503.
type ASRConfig struct {
	Speechmatics VendorEntry `yaml:"speechmatics"`
	ElevenLabs   VendorEntry `yaml:"elevenlabs"`
}

// VendorEntry configures one speech recognition vendor.
type VendorEntry struct {
	// APIKey authenticates against the vendor. A leading $ is expanded
	// from the environment, so secrets can stay out of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor's default WebSocket endpoint.
	// Leave empty to use the vendor's built-in default.
	BaseURL string `yaml:"base_url"`

	// Language hints the spoken language to the recognizer (short codes,
	// e.g. "en"). Empty lets the vendor detect it.
	Language string `yaml:"language"`
}

// TranslatorConfig holds the two translation tiers.
type TranslatorConfig struct {
	// Quality is the sentence-level HTTP machine translation backend.
	Quality BackendEntry `yaml:"quality"`

	// Speed is the streaming LLM backend used for provisional tails (and
	// for everything in speed mode).
	Speed BackendEntry `yaml:"speed"`
}

// BackendEntry configures one translation backend.
type BackendEntry struct {
	// APIKey authenticates against the backend. A leading $ is expanded
	// from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the model for the speed backend. Ignored by the
	// quality backend.
	Model string `yaml:"model"`
}

// ProviderEntry is the common configuration block for named providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// A leading $ is expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig sets the per-session defaults applied when a client leaves
// the matching query parameter out.
type SessionConfig struct {
	// Aggressiveness is the sentence-seal punctuation threshold (1 or 2).
	Aggressiveness int `yaml:"aggressiveness"`

	// PartialInterval throttles provisional translations to every Nth
	// transcript update.
	PartialInterval int `yaml:"partial_interval"`

	// TranslatorMode picks the backend for confirmed sentences.
	TranslatorMode TranslatorMode `yaml:"translator_mode"`

	// TopicSummary enables the rolling topic line fed to translators as
	// disambiguation context.
	TopicSummary bool `yaml:"topic_summary"`
}
