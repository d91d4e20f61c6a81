package resilience

import (
	"context"

	"github.com/MrWong99/voicebridge/pkg/provider/stt"
)

// RecognizerFallback implements [stt.Recognizer] with failover across
// several recognition backends.
type RecognizerFallback struct {
	group *FallbackGroup[stt.Recognizer]
}

var _ stt.Recognizer = (*RecognizerFallback)(nil)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred backend.
func NewRecognizerFallback(primary stt.Recognizer, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *RecognizerFallback) AddFallback(name string, r stt.Recognizer) {
	f.group.AddFallback(name, r)
}

// Recognize transcribes pcm on the first healthy backend.
func (f *RecognizerFallback) Recognize(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(r stt.Recognizer) (stt.Result, error) {
		return r.Recognize(ctx, pcm, sampleRate)
	})
}
