package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned by [NormalizeFrame] for frames whose size
// does not match their declared format and sample count.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// NormalizeFrame converts an inbound frame to mono S16LE PCM.
//
// Float samples are scaled by 32767 and clipped to the int16 range.
// Multi-channel frames are reduced by keeping every Nth value starting at
// channel 0; the other channels are dropped, not averaged.
func NormalizeFrame(f Frame) ([]byte, error) {
	w := f.Format.width()
	if w == 0 {
		return nil, fmt.Errorf("%w: unknown format %v", ErrMalformedFrame, f.Format)
	}
	if f.Samples <= 0 || len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	values := len(f.Data) / w
	if len(f.Data)%w != 0 || values%f.Samples != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d %v samples", ErrMalformedFrame, len(f.Data), f.Samples, f.Format)
	}
	channels := values / f.Samples

	out := make([]byte, f.Samples*BytesPerSample)
	for i := range f.Samples {
		off := i * channels * w
		var s int16
		switch f.Format {
		case FormatS16:
			s = int16(binary.LittleEndian.Uint16(f.Data[off:]))
		case FormatF32:
			s = FloatToInt16(float64(math.Float32frombits(binary.LittleEndian.Uint32(f.Data[off:]))))
		case FormatF64:
			s = FloatToInt16(math.Float64frombits(binary.LittleEndian.Uint64(f.Data[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out, nil
}

// FloatToInt16 scales a normalized float sample by 32767 and clips it to
// [-32768, 32767].
func FloatToInt16(v float64) int16 {
	scaled := v * 32767
	switch {
	case math.IsNaN(scaled):
		return 0
	case scaled >= math.MaxInt16:
		return math.MaxInt16
	case scaled <= math.MinInt16:
		return math.MinInt16
	}
	return int16(scaled)
}

// Int16sToBytes packs samples as S16LE.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// BytesToInt16s unpacks S16LE bytes. A trailing odd byte is ignored.
func BytesToInt16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}
