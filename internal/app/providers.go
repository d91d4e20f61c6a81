package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/resilience"
	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	"github.com/MrWong99/voicebridge/pkg/provider/stt/remote"
	"github.com/MrWong99/voicebridge/pkg/provider/stt/whisper"
	"github.com/MrWong99/voicebridge/pkg/provider/tts"
	"github.com/MrWong99/voicebridge/pkg/provider/tts/coqui"
)

// Providers holds the recognition and synthesis backends. TTS may be nil,
// in which case replies are sent as text only.
type Providers struct {
	STT     stt.Recognizer
	STTName string
	TTS     tts.Synthesizer
	TTSName string

	// Checkers probe the backends for /readyz.
	Checkers []health.Checker

	// closers release backend resources, in order.
	closers []func() error
}

// Close releases backend resources such as loaded models.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// RegisterBuiltinProviders wires all built-in provider factories into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("remote", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		return remote.New(entry.BaseURL, remote.WithHTTPClient(httpClient(entry.Timeout)))
	})

	reg.RegisterSTT("whisper-server", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		opts := []whisper.ServerOption{whisper.WithHTTPClient(httpClient(entry.Timeout))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if entry.Language != "" {
			opts = append(opts, coqui.WithLanguage(entry.Language))
		}
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// BuildProviders instantiates the providers named in cfg using reg. When
// fallbacks are configured the chain is wrapped in a resilience fallback
// group with one circuit breaker per backend.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	breakers := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: logBreaker},
	}

	rec, err := createSTT(ps, reg, cfg.Providers.STT)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	ps.STT, ps.STTName = rec, cfg.Providers.STT.Name
	if len(cfg.Providers.STTFallbacks) > 0 {
		chain := resilience.NewRecognizerFallback(rec, cfg.Providers.STT.Name, breakers)
		for _, entry := range cfg.Providers.STTFallbacks {
			fb, err := createSTT(ps, reg, entry)
			if err != nil {
				_ = ps.Close()
				return nil, err
			}
			chain.AddFallback(entry.Name, fb)
		}
		ps.STT = chain
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		synth, err := reg.CreateTTS(entry)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
		ps.TTS, ps.TTSName = synth, entry.Name
		if len(cfg.Providers.TTSFallbacks) > 0 {
			chain := resilience.NewSynthesizerFallback(synth, entry.Name, breakers)
			for _, fbEntry := range cfg.Providers.TTSFallbacks {
				fb, err := reg.CreateTTS(fbEntry)
				if err != nil {
					_ = ps.Close()
					return nil, fmt.Errorf("create tts provider %q: %w", fbEntry.Name, err)
				}
				chain.AddFallback(fbEntry.Name, fb)
			}
			ps.TTS = chain
		}
	}

	return ps, nil
}

// createSTT builds one recognizer and records its health probe and closer.
func createSTT(ps *Providers, reg *config.Registry, entry config.ProviderEntry) (stt.Recognizer, error) {
	rec, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name)

	if h, ok := rec.(interface{ Health(context.Context) error }); ok {
		ps.Checkers = append(ps.Checkers, health.Checker{Name: "stt:" + entry.Name, Check: h.Health})
	}
	if c, ok := rec.(interface{ Close() error }); ok {
		ps.closers = append(ps.closers, c.Close)
	}
	return rec, nil
}

func logBreaker(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = config.DefaultSTTTimeout
	}
	return &http.Client{Timeout: timeout}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
