package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

var _ stt.Recognizer = (*NativeRecognizer)(nil)

// NativeOption configures a [NativeRecognizer].
type NativeOption func(*NativeRecognizer)

// WithNativeLanguage sets the recognition language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(r *NativeRecognizer) { r.language = lang }
}

// WithNativeSilenceThreshold sets the RMS floor below which inference is
// skipped. Zero disables the check.
func WithNativeSilenceThreshold(rms float64) NativeOption {
	return func(r *NativeRecognizer) { r.silenceRMS = rms }
}

// NativeRecognizer runs whisper.cpp in-process. The model is loaded once
// and shared; each request gets its own context, so concurrent calls are
// safe.
type NativeRecognizer struct {
	model      whisperlib.Model
	language   string
	silenceRMS float64
}

// NewNative loads the model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeRecognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	r := &NativeRecognizer{
		model:      model,
		language:   defaultLanguage,
		silenceRMS: defaultRMSThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the model.
func (r *NativeRecognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// Recognize implements [stt.Recognizer]. whisper.cpp requires 16 kHz input;
// other rates are rejected.
func (r *NativeRecognizer) Recognize(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	res := stt.Result{Duration: stt.PCMDuration(pcm, sampleRate)}
	if sampleRate != whisperlib.SampleRate {
		return stt.Result{}, fmt.Errorf("whisper: sample rate %d not supported, need %d", sampleRate, whisperlib.SampleRate)
	}
	if len(pcm) == 0 || computeRMS(pcm) < r.silenceRMS {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "err", err)
	}

	// The encoder-begin callback aborts inference when it returns false.
	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(pcmToFloat32(pcm), proceed, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stt.Result{}, ctxErr
		}
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	res.Text = strings.Join(parts, " ")
	return res, nil
}
