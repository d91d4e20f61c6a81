// Package remote is an HTTP client for the standalone recognition service.
//
// Contract: POST {base}/transcribe with header X-Sample-Rate and a raw
// mono S16LE body; the service answers {"text": "...", "duration_s": 1.23}.
// GET {base}/health answers 200 when the service is up.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voicebridge/pkg/provider/stt"
)

var _ stt.Recognizer = (*Client)(nil)

// SampleRateHeader carries the PCM sample rate of a transcribe request.
const SampleRateHeader = "X-Sample-Rate"

// Response is the JSON body returned by POST /transcribe.
type Response struct {
	Text      string  `json:"text"`
	DurationS float64 `json:"duration_s"`
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements [stt.Recognizer] against the recognition service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("remote stt: base URL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Recognize implements [stt.Recognizer].
func (c *Client) Recognize(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", bytes.NewReader(pcm))
	if err != nil {
		return stt.Result{}, fmt.Errorf("remote stt: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(SampleRateHeader, strconv.Itoa(sampleRate))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("remote stt: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return stt.Result{}, fmt.Errorf("remote stt: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return stt.Result{}, fmt.Errorf("remote stt: parse JSON response: %w", err)
	}
	return stt.Result{
		Text:     body.Text,
		Duration: time.Duration(body.DurationS * float64(time.Second)),
	}, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("remote stt: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote stt: health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote stt: health returned HTTP %d", resp.StatusCode)
	}
	return nil
}
