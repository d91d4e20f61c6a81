package resilience

import (
	"context"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/tts"
)

// SynthesizerFallback implements [tts.Synthesizer] with failover across
// several synthesis backends.
type SynthesizerFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*SynthesizerFallback)(nil)

// NewSynthesizerFallback creates a [SynthesizerFallback] with primary as the
// preferred backend.
func NewSynthesizerFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *SynthesizerFallback {
	return &SynthesizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *SynthesizerFallback) AddFallback(name string, s tts.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Synthesize renders text on the first healthy backend.
func (f *SynthesizerFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (audio.AudioChunk, error) {
	return ExecuteWithResult(f.group, func(s tts.Synthesizer) (audio.AudioChunk, error) {
		return s.Synthesize(ctx, text, voice)
	})
}
