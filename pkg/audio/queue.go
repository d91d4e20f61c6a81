package audio

import "sync"

// Queue is a FIFO of pending PCM bytes between synthesis (producer) and the
// playback generator (consumer). Read never blocks and always returns
// exactly the requested number of bytes, padding with silence on underrun.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu  sync.Mutex
	buf []byte
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends pcm to the tail of the queue. The slice is copied.
func (q *Queue) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	q.mu.Lock()
	q.buf = append(q.buf, pcm...)
	q.mu.Unlock()
}

// Read pops up to n bytes from the head and returns a slice of exactly n
// bytes, zero-padded on the right if fewer were buffered.
func (q *Queue) Read(n int) []byte {
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)

	q.mu.Lock()
	copied := copy(out, q.buf)
	if copied == len(q.buf) {
		q.buf = q.buf[:0]
	} else {
		q.buf = q.buf[copied:]
	}
	q.mu.Unlock()

	return out
}

// Clear discards everything buffered.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.buf = nil
	q.mu.Unlock()
}

// Len reports the number of buffered bytes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
