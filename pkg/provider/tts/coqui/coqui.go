// Package coqui implements [tts.Synthesizer] against a Coqui TTS server.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu), GET /api/tts with query parameters.
//   - APIModeXTTS: the XTTS v2 API server, POST /tts_to_audio/ with a JSON
//     body.
//
// Both return a WAV file; the RIFF header is parsed and the PCM returned in
// the server's native format.
//
//	s, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	chunk, err := s.Synthesize(ctx, "Hello there.", tts.VoiceProfile{})
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	apiTTSEndpoint  = "/api/tts"
	xttsEndpoint    = "/tts_to_audio/"

	// maxWAVBytes bounds a single response (about 4 minutes of 48 kHz mono).
	maxWAVBytes = 24 << 20
)

// APIMode selects which Coqui server API is targeted.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the default language sent to the server. Defaults to
// "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server API. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// Provider is a Coqui TTS client. It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeStandard && p.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// Synthesize implements [tts.Synthesizer].
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (audio.AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		return audio.AudioChunk{}, errors.New("coqui: empty text")
	}
	lang := voice.Language
	if lang == "" {
		lang = p.language
	}

	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeXTTS {
		req, err = p.xttsRequest(ctx, text, voice.ID, lang)
	} else {
		req, err = p.standardRequest(ctx, text, voice.ID, lang)
	}
	if err != nil {
		return audio.AudioChunk{}, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return audio.AudioChunk{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audio.AudioChunk{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return audio.AudioChunk{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return decodeWAV(wav)
}

func (p *Provider) standardRequest(ctx context.Context, text, speaker, lang string) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", text)
	if speaker != "" {
		params.Set("speaker_id", speaker)
	}
	if lang != "" {
		params.Set("language_id", lang)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (p *Provider) xttsRequest(ctx context.Context, text, speaker, lang string) (*http.Request, error) {
	data, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: speaker, Language: lang})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// decodeWAV walks the RIFF chunks of wav and returns its PCM payload. Only
// 16-bit PCM is accepted. The fmt chunk size varies between writers, so
// offsets are never assumed.
func decodeWAV(wav []byte) (audio.AudioChunk, error) {
	if len(wav) < 12 {
		return audio.AudioChunk{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return audio.AudioChunk{}, errors.New("coqui: WAV response missing RIFF/WAVE header")
	}

	var (
		chunk    audio.AudioChunk
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return audio.AudioChunk{}, errors.New("coqui: truncated fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(wav[body:]); format != 1 {
				return audio.AudioChunk{}, fmt.Errorf("coqui: unsupported WAV format %d", format)
			}
			if bits := binary.LittleEndian.Uint16(wav[body+14:]); bits != 16 {
				return audio.AudioChunk{}, fmt.Errorf("coqui: unsupported bit depth %d", bits)
			}
			chunk.Channels = int(binary.LittleEndian.Uint16(wav[body+2:]))
			chunk.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4:]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return audio.AudioChunk{}, errors.New("coqui: data chunk before fmt chunk")
			}
			end := body + size
			// Streaming writers leave the size at 0 or 0xFFFFFFFF.
			if size == 0 || end > len(wav) || end < body {
				end = len(wav)
			}
			pcm := wav[body:end]
			chunk.Samples = pcm[:len(pcm)-len(pcm)%2]
			return chunk, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return audio.AudioChunk{}, errors.New("coqui: WAV response missing data chunk")
}
