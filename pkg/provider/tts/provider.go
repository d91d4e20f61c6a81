// Package tts defines the speech-synthesis abstraction used by the speech
// pipeline. A [Synthesizer] renders one sentence to PCM; sentence splitting,
// ordering and cancellation live in the caller.
package tts

import (
	"context"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// VoiceProfile selects a voice on the synthesis backend.
type VoiceProfile struct {
	// ID is the backend-specific speaker identifier. Empty selects the
	// backend default.
	ID string

	// Language is a BCP-47 tag such as "en". Empty uses the backend default.
	Language string
}

// Synthesizer renders text to S16LE PCM in whatever format the backend
// produces; the returned chunk carries that format.
//
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (audio.AudioChunk, error)
}
