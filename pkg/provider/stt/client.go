package stt

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

const defaultTimeout = 30 * time.Second

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithTargetRate sets the rate audio is resampled to before recognition.
// Defaults to [DefaultSampleRate].
func WithTargetRate(rate int) ClientOption {
	return func(c *Client) { c.targetRate = rate }
}

// WithTimeout bounds each recognition call. Defaults to 30s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithObserver registers a callback invoked after every backend call with
// its latency and error.
func WithObserver(fn func(elapsed time.Duration, err error)) ClientOption {
	return func(c *Client) { c.observe = fn }
}

// Client resamples captured audio and calls a [Recognizer], mapping every
// failure to empty text. Callers treat "" as "no speech detected".
type Client struct {
	rec        Recognizer
	targetRate int
	timeout    time.Duration
	observe    func(time.Duration, error)
}

// NewClient wraps rec.
func NewClient(rec Recognizer, opts ...ClientOption) *Client {
	c := &Client{
		rec:        rec,
		targetRate: DefaultSampleRate,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Transcribe returns the text spoken in pcm (mono S16LE at sampleRate).
// Empty input returns "" without calling the backend. Backend errors and
// timeouts are logged and return "".
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) string {
	if len(pcm) == 0 {
		return ""
	}
	resampled := audio.ResampleMono16(pcm, sampleRate, c.targetRate)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := c.rec.Recognize(ctx, resampled, c.targetRate)
	elapsed := time.Since(start)
	if c.observe != nil {
		c.observe(elapsed, err)
	}
	if err != nil {
		slog.Warn("stt: transcription failed, treating as silence",
			"err", err,
			"bytes", len(pcm),
			"elapsed", elapsed,
		)
		return ""
	}
	slog.Debug("stt: transcribed", "chars", len(res.Text), "elapsed", elapsed)
	return res.Text
}
