// Package whisper provides whisper.cpp-backed recognizers.
//
// [ServerRecognizer] talks to a running whisper-server (POST /inference with
// a multipart WAV upload). [NativeRecognizer] links whisper.cpp through its
// CGO bindings; the whisper.cpp static library and headers must be on
// LIBRARY_PATH and C_INCLUDE_PATH at build time.
//
// Both skip inference for near-silent input, which whisper otherwise tends
// to hallucinate text for.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voicebridge/pkg/provider/stt"
)

const (
	defaultLanguage = "en"

	// defaultRMSThreshold is the RMS level (S16 units) below which audio is
	// treated as silence.
	defaultRMSThreshold = 300.0
)

var _ stt.Recognizer = (*ServerRecognizer)(nil)

// ServerOption configures a [ServerRecognizer].
type ServerOption func(*ServerRecognizer)

// WithLanguage sets the language hint sent with every request. Defaults to
// "en".
func WithLanguage(lang string) ServerOption {
	return func(r *ServerRecognizer) { r.language = lang }
}

// WithModel sets the model field forwarded to the server. Empty lets the
// server use the model it was started with.
func WithModel(model string) ServerOption {
	return func(r *ServerRecognizer) { r.model = model }
}

// WithSilenceThreshold sets the RMS floor below which audio is not sent.
// Zero disables the check.
func WithSilenceThreshold(rms float64) ServerOption {
	return func(r *ServerRecognizer) { r.silenceRMS = rms }
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) ServerOption {
	return func(r *ServerRecognizer) { r.httpClient = hc }
}

// ServerRecognizer implements [stt.Recognizer] against whisper-server.
type ServerRecognizer struct {
	serverURL  string
	language   string
	model      string
	silenceRMS float64
	httpClient *http.Client
}

// NewServer creates a ServerRecognizer for the whisper-server at serverURL.
func NewServer(serverURL string, opts ...ServerOption) (*ServerRecognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &ServerRecognizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		silenceRMS: defaultRMSThreshold,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Recognize implements [stt.Recognizer].
func (r *ServerRecognizer) Recognize(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	res := stt.Result{Duration: stt.PCMDuration(pcm, sampleRate)}
	if len(pcm) == 0 || computeRMS(pcm) < r.silenceRMS {
		return res, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, sampleRate)); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"language": r.language, "model": r.model, "response_format": "json"}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	res.Text = strings.TrimSpace(out.Text)
	return res, nil
}
