// Package stt defines the batch speech-recognition abstraction used by voice
// sessions and the recognition service.
//
// A [Recognizer] turns one complete utterance of mono S16LE PCM into text.
// [Client] wraps a Recognizer with the degrade-to-silence policy sessions
// rely on: it never returns an error, only text.
package stt

import (
	"context"
	"time"
)

// DefaultSampleRate is the rate recognition backends expect.
const DefaultSampleRate = 16000

// Result is the outcome of one recognition request.
type Result struct {
	// Text is the transcription; empty when no speech was detected.
	Text string

	// Duration is the length of the submitted audio.
	Duration time.Duration
}

// Recognizer transcribes a complete utterance.
//
// pcm is mono S16LE at sampleRate. Implementations must be safe for
// concurrent use and must honour ctx cancellation.
type Recognizer interface {
	Recognize(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}

// RecognizerFunc adapts a function to [Recognizer].
type RecognizerFunc func(ctx context.Context, pcm []byte, sampleRate int) (Result, error)

// Recognize implements [Recognizer].
func (f RecognizerFunc) Recognize(ctx context.Context, pcm []byte, sampleRate int) (Result, error) {
	return f(ctx, pcm, sampleRate)
}

// PCMDuration returns the length of mono S16LE pcm at sampleRate.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
}
