package audio

import (
	"fmt"
	"log/slog"
)

// ToMono resamples and downmixes chunk to mono at dstRate. Stereo input is
// averaged; wider layouts keep channel 0. A chunk already in the target
// format is returned unchanged.
func ToMono(chunk AudioChunk, dstRate int) AudioChunk {
	if len(chunk.Samples)%BytesPerSample != 0 {
		slog.Warn("audio: odd byte count in PCM chunk, dropping it",
			"bytes", len(chunk.Samples),
			"format", formatString(chunk.SampleRate, chunk.Channels),
		)
		return AudioChunk{SampleRate: dstRate, Channels: 1}
	}
	if chunk.Channels <= 1 && chunk.SampleRate == dstRate {
		return AudioChunk{Samples: chunk.Samples, SampleRate: dstRate, Channels: 1}
	}

	pcm := chunk.Samples
	switch {
	case chunk.Channels == 2:
		pcm = StereoToMono(pcm)
	case chunk.Channels > 2:
		pcm = firstChannel(pcm, chunk.Channels)
	}
	pcm = ResampleMono16(pcm, chunk.SampleRate, dstRate)
	return AudioChunk{Samples: pcm, SampleRate: dstRate, Channels: 1}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := int16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

func firstChannel(pcm []byte, channels int) []byte {
	frames := len(pcm) / (BytesPerSample * channels)
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		src := i * channels * BytesPerSample
		out[i*2] = pcm[src]
		out[i*2+1] = pcm[src+1]
	}
	return out
}

// ResampleMono16 resamples mono S16LE PCM from srcRate to dstRate using
// linear interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// formatString renders a format like "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
