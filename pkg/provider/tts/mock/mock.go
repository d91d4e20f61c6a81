// Package mock provides a scripted [tts.Synthesizer] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/tts"
)

// Synthesizer is a mock [tts.Synthesizer]. By default every sentence
// renders to BytesPerSentence bytes of 48 kHz mono PCM filled with the
// first byte of the text, which lets tests check ordering.
type Synthesizer struct {
	mu    sync.Mutex
	calls []string

	// BytesPerSentence defaults to 960.
	BytesPerSentence int

	// Fail, if set, returns an error for texts where it returns non-nil.
	Fail func(text string) error

	// Delay, if set, blocks each call for the returned duration or until ctx
	// is done.
	Delay func(text string) time.Duration

	// Gate, if non-nil, blocks every call until it is closed or ctx is done.
	Gate chan struct{}
}

// Synthesize implements [tts.Synthesizer].
func (s *Synthesizer) Synthesize(ctx context.Context, text string, _ tts.VoiceProfile) (audio.AudioChunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	n := s.BytesPerSentence
	fail, delay, gate := s.Fail, s.Delay, s.Gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return audio.AudioChunk{}, ctx.Err()
		}
	}
	if delay != nil {
		select {
		case <-time.After(delay(text)):
		case <-ctx.Done():
			return audio.AudioChunk{}, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(text); err != nil {
			return audio.AudioChunk{}, err
		}
	}
	if n <= 0 {
		n = 960
	}
	fill := byte(0)
	if len(text) > 0 {
		fill = text[0]
	}
	pcm := make([]byte, n)
	for i := range pcm {
		pcm[i] = fill
	}
	return audio.AudioChunk{Samples: pcm, SampleRate: audio.SampleRate, Channels: 1}, nil
}

// Calls returns the texts synthesized so far.
func (s *Synthesizer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
