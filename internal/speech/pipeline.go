package speech

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/tts"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultLookahead = 2
	defaultTimeout   = 30 * time.Second
)

// Target receives synthesized audio for one playback epoch.
type Target interface {
	// Deliver enqueues pcm (mono S16LE at [audio.SampleRate]) if epoch is
	// still the current playback epoch, and reports whether it did.
	Deliver(epoch uint64, pcm []byte) bool

	// Stale reports whether epoch has been superseded.
	Stale(epoch uint64) bool
}

// Stats summarizes one Speak call.
type Stats struct {
	Sentences int
	Delivered int
	Failed    int
	Stale     int
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithVoice sets the voice used for every sentence.
func WithVoice(v tts.VoiceProfile) Option {
	return func(p *Pipeline) { p.voice = v }
}

// WithLookahead sets how many sentences of one reply may be synthesizing at
// once. Defaults to 2.
func WithLookahead(n int) Option {
	return func(p *Pipeline) { p.lookahead = n }
}

// WithWorkers bounds concurrent synthesis across all sessions sharing the
// pipeline. Zero means unbounded.
func WithWorkers(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = semaphore.NewWeighted(n)
		} else {
			p.workers = nil
		}
	}
}

// WithTimeout bounds each synthesis call. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithObserver registers a callback run after every synthesis call.
func WithObserver(fn func(elapsed time.Duration, err error)) Option {
	return func(p *Pipeline) { p.observe = fn }
}

// Pipeline turns agent text into queued playback audio. One Pipeline is
// shared by all sessions; it is safe for concurrent use.
type Pipeline struct {
	synth     tts.Synthesizer
	voice     tts.VoiceProfile
	lookahead int
	workers   *semaphore.Weighted
	timeout   time.Duration
	observe   func(time.Duration, error)
}

// NewPipeline creates a Pipeline backed by synth.
func NewPipeline(synth tts.Synthesizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		synth:     synth,
		lookahead: defaultLookahead,
		workers:   semaphore.NewWeighted(2),
		timeout:   defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.lookahead <= 0 {
		p.lookahead = 1
	}
	return p
}

type rendered struct {
	pcm     []byte
	err     error
	skipped bool
}

// Speak cleans and splits text, synthesizes the sentences with bounded
// lookahead, and delivers each one to t in sentence order as soon as it and
// all earlier sentences are ready.
//
// All audio is tagged with epoch. Once t reports the epoch stale, no further
// sentences are dispatched, in-flight synthesis is cancelled, and finished
// results are discarded. A sentence that fails to synthesize is skipped.
// Speak returns when every dispatched synthesis has finished.
func (p *Pipeline) Speak(ctx context.Context, text string, epoch uint64, t Target) Stats {
	sentences := SplitSentences(Clean(text))
	st := Stats{Sentences: len(sentences)}
	if len(sentences) == 0 {
		return st
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]chan rendered, len(sentences))
	for i := range slots {
		slots[i] = make(chan rendered, 1)
	}

	var g errgroup.Group
	g.SetLimit(p.lookahead)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for i, sentence := range sentences {
			if ctx.Err() != nil || t.Stale(epoch) {
				for _, ch := range slots[i:] {
					ch <- rendered{skipped: true}
				}
				return
			}
			g.Go(func() error {
				slots[i] <- p.render(ctx, sentence)
				return nil
			})
		}
	}()

	for i, ch := range slots {
		if t.Stale(epoch) {
			cancel()
		}
		r := <-ch
		switch {
		case r.skipped:
			st.Stale++
		case r.err != nil:
			if ctx.Err() == nil {
				st.Failed++
				slog.Warn("speech: sentence synthesis failed, skipping",
					"index", i, "sentences", len(sentences), "err", r.err)
			} else {
				st.Stale++
			}
		case t.Deliver(epoch, r.pcm):
			st.Delivered++
		default:
			st.Stale++
		}
		if st.Stale > 0 {
			cancel()
		}
	}

	<-dispatched
	_ = g.Wait()
	slog.Debug("speech: reply finished",
		"epoch", epoch,
		"sentences", st.Sentences,
		"delivered", st.Delivered,
		"failed", st.Failed,
		"stale", st.Stale,
	)
	return st
}

// render synthesizes one sentence and converts it to the playback format.
func (p *Pipeline) render(ctx context.Context, sentence string) rendered {
	if p.workers != nil {
		if err := p.workers.Acquire(ctx, 1); err != nil {
			return rendered{err: err}
		}
		defer p.workers.Release(1)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	chunk, err := p.synth.Synthesize(ctx, sentence, p.voice)
	if p.observe != nil {
		p.observe(time.Since(start), err)
	}
	if err != nil {
		return rendered{err: err}
	}
	return rendered{pcm: audio.ToMono(chunk, audio.SampleRate).Samples}
}
