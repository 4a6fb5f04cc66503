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

// ValidLLMNames lists the known llm provider names. Unlike the vendor and
// translator blocks, the llm block is selected by name, so an unknown name
// can never be constructed and is a hard validation error.
var ValidLLMNames = []string{"openai", "anyllm"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, expands environment
// references in credential fields, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields whose zero value is not meaningful on its
// own. Session numerics stay zero here: their defaults belong to the
// session layer, and zero is how "use the built-in default" travels.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
}

// expandSecrets resolves environment references in the credential and
// endpoint fields, so deployments can keep keys out of the file.
func expandSecrets(cfg *Config) {
	for _, f := range []*string{
		&cfg.Providers.ASR.Speechmatics.APIKey,
		&cfg.Providers.ASR.Speechmatics.BaseURL,
		&cfg.Providers.ASR.ElevenLabs.APIKey,
		&cfg.Providers.ASR.ElevenLabs.BaseURL,
		&cfg.Providers.Translator.Quality.APIKey,
		&cfg.Providers.Translator.Quality.BaseURL,
		&cfg.Providers.Translator.Speed.APIKey,
		&cfg.Providers.Translator.Speed.BaseURL,
		&cfg.Providers.LLM.APIKey,
		&cfg.Providers.LLM.BaseURL,
	} {
		*f = expandEnv(*f)
	}
}

// expandEnv expands $VAR and ${VAR} references. Values that do not start
// with $ pass through untouched, so literal keys keep working.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	return os.ExpandEnv(s)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Missing credentials are deliberately soft: the matching endpoint answers
// 503 until the key is supplied, and the rest of the server keeps serving.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider availability warnings
	if cfg.Providers.ASR.Speechmatics.APIKey == "" {
		slog.Warn("providers.asr.speechmatics.api_key is empty; /stt/speechmatics will answer 503")
	}
	if cfg.Providers.ASR.ElevenLabs.APIKey == "" {
		slog.Warn("providers.asr.elevenlabs.api_key is empty; /stt/elevenlabs will answer 503")
	}
	if cfg.Providers.Translator.Speed.APIKey == "" {
		slog.Warn("providers.translator.speed.api_key is empty; no session can start without the speed backend")
	}
	if cfg.Providers.Translator.Quality.APIKey == "" {
		slog.Warn("providers.translator.quality.api_key is empty; quality-mode sessions will answer 503")
	}
	if cfg.Providers.LLM.Name == "" || cfg.Providers.LLM.APIKey == "" {
		slog.Warn("providers.llm is not fully configured; tone detection, sentence splitting, and topic summaries are disabled")
	}

	// LLM name
	if name := cfg.Providers.LLM.Name; name != "" && !slices.Contains(ValidLLMNames, name) {
		errs = append(errs, fmt.Errorf("providers.llm.name %q is invalid; valid values: %s", name, strings.Join(ValidLLMNames, ", ")))
	}

	// Session defaults. Zero means "not set" for the numeric fields; the
	// consumers fall back to their own defaults.
	if a := cfg.Session.Aggressiveness; a != 0 && a != 1 && a != 2 {
		errs = append(errs, fmt.Errorf("session.aggressiveness %d is invalid; valid values: 1, 2", a))
	}
	if p := cfg.Session.PartialInterval; p < 0 {
		errs = append(errs, fmt.Errorf("session.partial_interval %d is invalid; must be a positive integer", p))
	}
	if m := cfg.Session.TranslatorMode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("session.translator_mode %q is invalid; valid values: quality, speed", m))
	}

	return errors.Join(errs...)
}
