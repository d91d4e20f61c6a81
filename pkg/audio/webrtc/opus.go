package webrtc

import (
	"fmt"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"layeh.com/gopus"
)

const (
	// Browsers may send stereo Opus; decode at two channels and let the
	// capture path pick channel 0.
	decodeChannels = 2

	// maxFrameSize is the largest Opus frame (120 ms) per channel at 48 kHz.
	maxFrameSize = audio.SampleRate * 120 / 1000
)

type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, decodeChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one Opus packet into an interleaved S16 frame.
func (d *opusDecoder) decode(packet []byte) (audio.Frame, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return audio.Frame{
		Format:     audio.FormatS16,
		SampleRate: audio.SampleRate,
		Samples:    len(pcm) / decodeChannels,
		Data:       audio.Int16sToBytes(pcm),
	}, nil
}

type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder returns a mono voice encoder.
func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode compresses one 20 ms mono S16LE frame.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), audio.FrameSamples, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return packet, nil
}
