package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"pgregory.net/rapid"
)

func float32Bytes(vs ...float32) []byte {
	out := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func float64Bytes(vs ...float64) []byte {
	out := make([]byte, len(vs)*8)
	for i, v := range vs {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func TestNormalizeFrame_S16Mono(t *testing.T) {
	t.Parallel()

	in := audio.Int16sToBytes([]int16{1, -2, 300})
	got, err := audio.NormalizeFrame(audio.Frame{Format: audio.FormatS16, SampleRate: 48000, Samples: 3, Data: in})
	if err != nil {
		t.Fatalf("NormalizeFrame: %v", err)
	}
	assertSamples(t, got, []int16{1, -2, 300})
}

func TestNormalizeFrame_StereoDecimation(t *testing.T) {
	t.Parallel()

	// L/R interleaved: even indices are channel 0.
	in := audio.Int16sToBytes([]int16{10, 11, 20, 21, 30, 31, 40, 41})
	got, err := audio.NormalizeFrame(audio.Frame{Format: audio.FormatS16, SampleRate: 48000, Samples: 4, Data: in})
	if err != nil {
		t.Fatalf("NormalizeFrame: %v", err)
	}
	if len(got) != len(in)/2 {
		t.Fatalf("len = %d, want %d (half the input)", len(got), len(in)/2)
	}
	assertSamples(t, got, []int16{10, 20, 30, 40})
}

func TestNormalizeFrame_FloatClipping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.Frame
		want  []int16
	}{
		{
			name:  "float32",
			frame: audio.Frame{Format: audio.FormatF32, Samples: 4, Data: float32Bytes(0, 0.5, 1.5, -1.5)},
			want:  []int16{0, 16383, 32767, -32768},
		},
		{
			name:  "float64 stereo",
			frame: audio.Frame{Format: audio.FormatF64, Samples: 2, Data: float64Bytes(1, -1, -1, 1)},
			want:  []int16{32767, -32767},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := audio.NormalizeFrame(tt.frame)
			if err != nil {
				t.Fatalf("NormalizeFrame: %v", err)
			}
			assertSamples(t, got, tt.want)
		})
	}
}

func TestNormalizeFrame_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.Frame
	}{
		{"zero samples", audio.Frame{Format: audio.FormatS16, Samples: 0, Data: []byte{1, 2}}},
		{"empty data", audio.Frame{Format: audio.FormatS16, Samples: 4}},
		{"odd bytes", audio.Frame{Format: audio.FormatS16, Samples: 1, Data: []byte{1, 2, 3}}},
		{"value count not multiple of samples", audio.Frame{Format: audio.FormatS16, Samples: 2, Data: []byte{1, 2, 3, 4, 5, 6}}},
		{"unknown format", audio.Frame{Format: audio.SampleFormat(42), Samples: 1, Data: []byte{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := audio.NormalizeFrame(tt.frame); !errors.Is(err, audio.ErrMalformedFrame) {
				t.Errorf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestNormalizeFrame_PropertyChannelDecimation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		samples := rapid.IntRange(1, 480).Draw(t, "samples")
		channels := rapid.IntRange(1, 6).Draw(t, "channels")
		values := rapid.SliceOfN(rapid.Int16(), samples*channels, samples*channels).Draw(t, "values")

		got, err := audio.NormalizeFrame(audio.Frame{
			Format:  audio.FormatS16,
			Samples: samples,
			Data:    audio.Int16sToBytes(values),
		})
		if err != nil {
			t.Fatalf("NormalizeFrame: %v", err)
		}
		out := audio.BytesToInt16s(got)
		if len(out) != samples {
			t.Fatalf("got %d samples, want %d", len(out), samples)
		}
		for i, s := range out {
			if s != values[i*channels] {
				t.Fatalf("sample %d = %d, want channel-0 value %d", i, s, values[i*channels])
			}
		}
	})
}

func TestFrame_Channels(t *testing.T) {
	t.Parallel()

	f := audio.Frame{Format: audio.FormatF32, Samples: 960, Data: make([]byte, 960*2*4)}
	if got := f.Channels(); got != 2 {
		t.Errorf("Channels() = %d, want 2", got)
	}
	if got := (audio.Frame{}).Channels(); got != 0 {
		t.Errorf("zero Frame Channels() = %d, want 0", got)
	}
}

func assertSamples(t *testing.T, pcm []byte, want []int16) {
	t.Helper()
	got := audio.BytesToInt16s(pcm)
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
