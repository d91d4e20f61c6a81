// Package config provides the configuration schema, loader, and provider registry
// for the voicebridge server.
package config

import "time"

// LogLevel controls log verbosity for the voicebridge server.
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

// Defaults applied by [Load] and [LoadFromReader] to fields left empty.
const (
	DefaultListenAddr   = ":8080"
	DefaultStaticDir    = "web"
	DefaultAgentURL     = "http://localhost:3001"
	DefaultSessionID    = "voice-default"
	DefaultSTTURL       = "http://host.docker.internal:8200"
	DefaultSTTTimeout   = 30 * time.Second
	DefaultAgentTimeout = 120 * time.Second
	DefaultTTSTimeout   = 30 * time.Second
	DefaultSTUNServer   = "stun:stun.l.google.com:19302"
	DefaultTTSWorkers   = 2
	DefaultRateLimit    = 50.0
	DefaultBurst        = 100
)

// Config is the root configuration structure for voicebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Providers ProvidersConfig `yaml:"providers"`
	Speech    SpeechConfig    `yaml:"speech"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Signaling SignalingConfig `yaml:"signaling"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StaticDir holds the browser client. "/" serves its index.html.
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins lists host patterns accepted for the WebSocket
	// upgrade in addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AgentConfig points at the conversational agent backend.
type AgentConfig struct {
	// URL is the backend base address; requests go to {URL}/api/chat.
	URL string `yaml:"url"`

	// SessionID is sent with every request.
	SessionID string `yaml:"session_id"`

	// Timeout bounds one agent turn.
	Timeout time.Duration `yaml:"timeout"`

	// Breaker configures the circuit breaker in front of the backend.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a circuit breaker. Zero values select the defaults
// of the resilience package.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry]. Fallbacks are tried in order when the primary fails or its
// breaker is open.
type ProvidersConfig struct {
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "remote", "coqui").
	Name string `yaml:"name"`

	// BaseURL is the provider's endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider, if it has several.
	Model string `yaml:"model"`

	// Language is the default language hint, e.g. "en".
	Language string `yaml:"language"`

	// Timeout bounds one request. Zero selects the stage default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SpeechConfig tunes the synthesis pipeline.
type SpeechConfig struct {
	// Workers bounds concurrent synthesis requests across all sessions.
	Workers int `yaml:"workers"`

	// Lookahead bounds how many sentences of one reply are rendered ahead
	// of playback. Zero means every sentence.
	Lookahead int `yaml:"lookahead"`

	// Voice selects the synthesis voice.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the TTS voice parameters.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Language overrides the provider language for this voice.
	Language string `yaml:"language"`
}

// WebRTCConfig configures peer connections.
type WebRTCConfig struct {
	// STUNServers are used during ICE gathering. An explicit empty list
	// disables STUN.
	STUNServers []string `yaml:"stun_servers"`
}

// SignalingConfig bounds per-connection signaling traffic.
type SignalingConfig struct {
	// RateLimit is the sustained inbound messages per second.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the number of messages accepted above the sustained rate.
	Burst int `yaml:"burst"`
}

// ApplyDefaults fills empty fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = DefaultStaticDir
	}
	if c.Agent.URL == "" {
		c.Agent.URL = DefaultAgentURL
	}
	if c.Agent.SessionID == "" {
		c.Agent.SessionID = DefaultSessionID
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.Providers.STT.Name == "" {
		c.Providers.STT.Name = "remote"
		if c.Providers.STT.BaseURL == "" {
			c.Providers.STT.BaseURL = DefaultSTTURL
		}
	}
	if c.Providers.STT.Timeout == 0 {
		c.Providers.STT.Timeout = DefaultSTTTimeout
	}
	if c.Providers.TTS.Timeout == 0 {
		c.Providers.TTS.Timeout = DefaultTTSTimeout
	}
	if c.Speech.Workers == 0 {
		c.Speech.Workers = DefaultTTSWorkers
	}
	if c.WebRTC.STUNServers == nil {
		c.WebRTC.STUNServers = []string{DefaultSTUNServer}
	}
	if c.Signaling.RateLimit == 0 {
		c.Signaling.RateLimit = DefaultRateLimit
	}
	if c.Signaling.Burst == 0 {
		c.Signaling.Burst = DefaultBurst
	}
}
