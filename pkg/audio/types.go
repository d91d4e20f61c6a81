// Package audio holds the PCM primitives shared by the capture and playback
// paths: the fixed-cadence byte queue, the playback frame generator, inbound
// frame normalization and sample-rate conversion.
//
// All PCM in this package is 16-bit signed little-endian unless a [Frame]
// says otherwise.
package audio

import (
	"fmt"
	"time"
)

const (
	// SampleRate is the transport sample rate in Hz.
	SampleRate = 48000

	// FrameDuration is the outbound frame cadence.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of mono samples in one outbound frame.
	FrameSamples = SampleRate / 1000 * int(FrameDuration/time.Millisecond)

	// FrameBytes is the size of one outbound mono S16 frame.
	FrameBytes = FrameSamples * BytesPerSample

	// BytesPerSample is the width of one S16 sample.
	BytesPerSample = 2
)

// AudioChunk is a block of S16LE PCM together with its format. Treat it as
// immutable once produced.
type AudioChunk struct {
	Samples    []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	n := len(c.Samples) / (BytesPerSample * c.Channels)
	return time.Duration(n) * time.Second / time.Duration(c.SampleRate)
}

// SampleFormat is the encoding of the values in a [Frame].
type SampleFormat int

const (
	// FormatS16 is signed 16-bit little-endian integers.
	FormatS16 SampleFormat = iota
	// FormatF32 is IEEE-754 float32 little-endian in [-1, 1].
	FormatF32
	// FormatF64 is IEEE-754 float64 little-endian in [-1, 1].
	FormatF64
)

// String returns the conventional short name of the format.
func (f SampleFormat) String() string {
	switch f {
	case FormatS16:
		return "s16"
	case FormatF32:
		return "flt"
	case FormatF64:
		return "dbl"
	default:
		return fmt.Sprintf("SampleFormat(%d)", int(f))
	}
}

// width returns the byte size of one value, or 0 for unknown formats.
func (f SampleFormat) width() int {
	switch f {
	case FormatS16:
		return 2
	case FormatF32:
		return 4
	case FormatF64:
		return 8
	default:
		return 0
	}
}

// Frame is one decoded inbound frame as delivered by the transport. Data
// holds interleaved values; Samples is the per-channel sample count, so the
// channel count is the number of values divided by Samples.
type Frame struct {
	Format     SampleFormat
	SampleRate int
	Samples    int
	Data       []byte
}

// Channels derives the interleaved channel count. It returns 0 for a frame
// that carries no samples or an unknown format.
func (f Frame) Channels() int {
	w := f.Format.width()
	if w == 0 || f.Samples <= 0 {
		return 0
	}
	return len(f.Data) / w / f.Samples
}
