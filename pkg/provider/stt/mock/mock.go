// Package mock provides a scripted [stt.Recognizer] for tests.
//
//	rec := &mock.Recognizer{Result: stt.Result{Text: "hi"}}
//	client := stt.NewClient(rec)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/pkg/provider/stt"
)

// RecognizeCall records one Recognize invocation.
type RecognizeCall struct {
	// PCM is a copy of the submitted audio.
	PCM        []byte
	SampleRate int
}

// Recognizer is a mock [stt.Recognizer].
type Recognizer struct {
	mu    sync.Mutex
	calls []RecognizeCall

	// Result is returned when Err is nil.
	Result stt.Result

	// Err, if non-nil, is returned instead of Result.
	Err error

	// Delay blocks each call for this long or until ctx is done, in which
	// case ctx.Err() is returned.
	Delay time.Duration
}

// Recognize implements [stt.Recognizer].
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, RecognizeCall{PCM: append([]byte(nil), pcm...), SampleRate: sampleRate})
	delay, res, err := r.Delay, r.Result, r.Err
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// Calls returns a copy of the recorded calls.
func (r *Recognizer) Calls() []RecognizeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecognizeCall(nil), r.calls...)
}

var _ stt.Recognizer = (*Recognizer)(nil)
