package app_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/voicebridge/internal/app"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/resilience"
	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	"github.com/MrWong99/voicebridge/pkg/provider/stt/remote"
	"github.com/MrWong99/voicebridge/pkg/provider/tts"
	"github.com/MrWong99/voicebridge/pkg/provider/tts/coqui"
	ttsmock "github.com/MrWong99/voicebridge/pkg/provider/tts/mock"
)

// probedRecognizer exposes Health and Close like the real backends.
type probedRecognizer struct {
	stt.Recognizer
	closed *atomic.Int32
}

func (probedRecognizer) Health(context.Context) error { return nil }

func (p probedRecognizer) Close() error {
	p.closed.Add(1)
	return nil
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	if got := reg.Names("stt"); !slices.Equal(got, []string{"remote", "whisper-native", "whisper-server"}) {
		t.Errorf("stt names = %v", got)
	}
	if got := reg.Names("tts"); !slices.Equal(got, []string{"coqui"}) {
		t.Errorf("tts names = %v", got)
	}

	rec, err := reg.CreateSTT(config.ProviderEntry{Name: "remote", BaseURL: "http://stt:8200"})
	if err != nil {
		t.Fatalf("CreateSTT(remote): %v", err)
	}
	if _, ok := rec.(*remote.Client); !ok {
		t.Errorf("remote factory returned %T", rec)
	}

	synth, err := reg.CreateTTS(config.ProviderEntry{Name: "coqui", BaseURL: "http://tts:5002"})
	if err != nil {
		t.Fatalf("CreateTTS(coqui): %v", err)
	}
	if _, ok := synth.(*coqui.Provider); !ok {
		t.Errorf("coqui factory returned %T", synth)
	}

	bad := config.ProviderEntry{Name: "coqui", BaseURL: "http://tts:5002", Options: map[string]any{"api_mode": "opera"}}
	if _, err := reg.CreateTTS(bad); err == nil {
		t.Error("expected error for unknown api_mode")
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper-native"}); err == nil {
		t.Error("expected error for whisper-native without a model")
	}
}

func TestBuildProviders_FallbackChains(t *testing.T) {
	t.Parallel()
	var closed atomic.Int32
	reg := config.NewRegistry()
	for _, name := range []string{"a", "b"} {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Recognizer, error) {
			return probedRecognizer{Recognizer: stt.RecognizerFunc(func(context.Context, []byte, int) (stt.Result, error) {
				return stt.Result{Text: name}, nil
			}), closed: &closed}, nil
		})
	}
	reg.RegisterTTS("t", func(config.ProviderEntry) (tts.Synthesizer, error) { return &ttsmock.Synthesizer{}, nil })

	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT:          config.ProviderEntry{Name: "a"},
		STTFallbacks: []config.ProviderEntry{{Name: "b"}},
		TTS:          config.ProviderEntry{Name: "t"},
		TTSFallbacks: []config.ProviderEntry{{Name: "t"}},
	}}
	ps, err := app.BuildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}

	if _, ok := ps.STT.(*resilience.RecognizerFallback); !ok {
		t.Errorf("STT = %T, want fallback chain", ps.STT)
	}
	if _, ok := ps.TTS.(*resilience.SynthesizerFallback); !ok {
		t.Errorf("TTS = %T, want fallback chain", ps.TTS)
	}
	if ps.STTName != "a" || ps.TTSName != "t" {
		t.Errorf("names = %q %q", ps.STTName, ps.TTSName)
	}
	res, err := ps.STT.Recognize(context.Background(), []byte{1, 2}, 16000)
	if err != nil || res.Text != "a" {
		t.Errorf("Recognize = %+v %v, want primary", res, err)
	}

	var names []string
	for _, c := range ps.Checkers {
		names = append(names, c.Name)
	}
	if !slices.Equal(names, []string{"stt:a", "stt:b"}) {
		t.Errorf("checkers = %v", names)
	}

	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := closed.Load(); n != 2 {
		t.Errorf("closed %d recognizers, want 2", n)
	}
}

func TestBuildProviders_SingleBackendsAndOptionalTTS(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("a", func(config.ProviderEntry) (stt.Recognizer, error) {
		return stt.RecognizerFunc(func(context.Context, []byte, int) (stt.Result, error) { return stt.Result{}, nil }), nil
	})

	ps, err := app.BuildProviders(&config.Config{Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "a"}}}, reg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := ps.STT.(*resilience.RecognizerFallback); ok {
		t.Error("single backend should not be wrapped")
	}
	if ps.TTS != nil {
		t.Errorf("TTS = %T, want nil", ps.TTS)
	}
	if len(ps.Checkers) != 0 {
		t.Errorf("checkers = %d, want none", len(ps.Checkers))
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	var closed atomic.Int32
	reg := config.NewRegistry()
	reg.RegisterSTT("ok", func(config.ProviderEntry) (stt.Recognizer, error) {
		return probedRecognizer{closed: &closed}, nil
	})

	tests := []struct {
		name string
		cfg  config.ProvidersConfig
	}{
		{"unknown stt", config.ProvidersConfig{STT: config.ProviderEntry{Name: "nope"}}},
		{"unknown fallback", config.ProvidersConfig{
			STT:          config.ProviderEntry{Name: "ok"},
			STTFallbacks: []config.ProviderEntry{{Name: "nope"}},
		}},
		{"unknown tts", config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "ok"},
			TTS: config.ProviderEntry{Name: "nope"},
		}},
	}
	for _, tt := range tests {
		_, err := app.BuildProviders(&config.Config{Providers: tt.cfg}, reg)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: err = %v, want ErrProviderNotRegistered", tt.name, err)
		}
	}
	// Recognizers created before the failure are released.
	if n := closed.Load(); n != 2 {
		t.Errorf("closed %d recognizers, want 2", n)
	}
}
