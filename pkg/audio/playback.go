package audio

import "sync/atomic"

// Generator produces fixed-size outbound frames by draining a [Queue]. The
// transport calls NextFrame once per [FrameDuration]. The source queue is
// swapped atomically; the generator never mutates a queue other than by
// reading it.
type Generator struct {
	queue atomic.Pointer[Queue]
}

// NewGenerator returns a generator with no source attached.
func NewGenerator() *Generator {
	return &Generator{}
}

// SetQueue attaches q as the frame source.
func (g *Generator) SetQueue(q *Queue) {
	g.queue.Store(q)
}

// Detach removes the frame source. Subsequent frames are silent.
func (g *Generator) Detach() {
	g.queue.Store(nil)
}

// NextFrame returns exactly [FrameBytes] of mono S16 PCM: queued audio,
// silence-padded on underrun, or all silence when no source is attached.
func (g *Generator) NextFrame() []byte {
	q := g.queue.Load()
	if q == nil {
		return make([]byte, FrameBytes)
	}
	return q.Read(FrameBytes)
}
