package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file configuration.
const (
	EnvPort      = "VOICE_PORT"
	EnvAgentURL  = "NANO_CLAW_URL"
	EnvSTTURL    = "STT_SERVICE_URL"
	EnvStaticDir = "VOICE_STATIC_DIR"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"remote", "whisper-server", "whisper-native"},
	"tts": {"coqui"},
}

// LookupFunc reads an environment variable; [os.LookupEnv] in production.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := parse(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv builds a [Config] from defaults and environment overrides only.
// Used when no configuration file is given.
func LoadEnv() (*Config, error) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, nil)
}

func parse(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the environment variables read through lookup.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("config: %s %q is not a valid port", EnvPort, v)
		}
		cfg.Server.ListenAddr = ":" + v
	}
	if v, ok := lookup(EnvAgentURL); ok && v != "" {
		cfg.Agent.URL = v
	}
	if v, ok := lookup(EnvSTTURL); ok && v != "" {
		cfg.Providers.STT.BaseURL = v
	}
	if v, ok := lookup(EnvStaticDir); ok && v != "" {
		cfg.Server.StaticDir = v
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Agent
	if err := validateURL(cfg.Agent.URL); err != nil {
		errs = append(errs, fmt.Errorf("agent.url: %w", err))
	}
	if cfg.Agent.Timeout < 0 {
		errs = append(errs, fmt.Errorf("agent.timeout %s must not be negative", cfg.Agent.Timeout))
	}
	if cfg.Agent.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("agent.breaker.max_failures %d must not be negative", cfg.Agent.Breaker.MaxFailures))
	}

	// Providers
	errs = append(errs, validateEntry("providers.stt", "stt", cfg.Providers.STT)...)
	for i, e := range cfg.Providers.STTFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.stt_fallbacks[%d]", i), "stt", e)...)
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; replies will be text only")
	} else {
		errs = append(errs, validateEntry("providers.tts", "tts", cfg.Providers.TTS)...)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.tts_fallbacks[%d]", i), "tts", e)...)
	}

	// Speech
	if cfg.Speech.Workers < 0 {
		errs = append(errs, fmt.Errorf("speech.workers %d must not be negative", cfg.Speech.Workers))
	}
	if cfg.Speech.Lookahead < 0 {
		errs = append(errs, fmt.Errorf("speech.lookahead %d must not be negative", cfg.Speech.Lookahead))
	}

	// Signaling
	if cfg.Signaling.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("signaling.rate_limit %g must not be negative", cfg.Signaling.RateLimit))
	}
	if cfg.Signaling.Burst < 0 {
		errs = append(errs, fmt.Errorf("signaling.burst %d must not be negative", cfg.Signaling.Burst))
	}

	return errors.Join(errs...)
}

func validateEntry(prefix, kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		return append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	validateProviderName(kind, e.Name)
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", prefix, e.Timeout))
	}
	// The native recognizer loads a local model instead of calling a server.
	if e.Name == "whisper-native" {
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for whisper-native", prefix))
		}
		return errs
	}
	if err := validateURL(e.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("%s.base_url: %w", prefix, err))
	}
	return errs
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
