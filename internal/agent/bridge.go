// Package agent talks to the conversational agent backend over HTTP.
//
// A turn is either a user message ([Bridge.Send]) or a tool decision
// ([Bridge.Decide]). Both return an [Outcome]; transport problems never
// surface as Go errors, they become a [Failure].
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voicebridge/internal/resilience"
)

// DefaultSessionID is the conversation id sent with every request.
const DefaultSessionID = "voice-default"

// maxResponseBytes caps the decoded response body.
const maxResponseBytes = 4 << 20

// Option configures a [Bridge].
type Option func(*Bridge)

// WithSessionID overrides [DefaultSessionID].
func WithSessionID(id string) Option {
	return func(b *Bridge) { b.sessionID = id }
}

// WithTimeout bounds each turn. Default: 120s.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Bridge) { b.httpClient = hc }
}

// WithBreaker guards requests with cb. Requests rejected by an open breaker
// become a [Failure] wrapping [resilience.ErrCircuitOpen].
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(b *Bridge) { b.breaker = cb }
}

// WithObserver registers a callback invoked after every request with its
// latency and transport error (nil on success).
func WithObserver(fn func(d time.Duration, err error)) Option {
	return func(b *Bridge) { b.observe = fn }
}

// Bridge is the client for the agent backend. It is safe for concurrent use.
type Bridge struct {
	baseURL    string
	sessionID  string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	observe    func(time.Duration, error)
}

// New creates a Bridge for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Bridge, error) {
	if baseURL == "" {
		return nil, errors.New("agent: base URL must not be empty")
	}
	b := &Bridge{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sessionID:  DefaultSessionID,
		timeout:    120 * time.Second,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type decisionRequest struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// chatResponse is the union of every body shape the backend returns.
type chatResponse struct {
	Type      string          `json:"type"`
	Response  string          `json:"response"`
	RequestID string          `json:"requestId"`
	Tools     json.RawMessage `json:"tools"`
	Error     json.RawMessage `json:"error"`
}

// Send posts a user message to /api/chat.
func (b *Bridge) Send(ctx context.Context, text string) Outcome {
	return b.turn(ctx, "/api/chat", chatRequest{Message: text, SessionID: b.sessionID})
}

// Decide posts a tool decision to /api/chat/approve or /api/chat/reject.
func (b *Bridge) Decide(ctx context.Context, action Action, requestID string) Outcome {
	if action != Approve && action != Reject {
		return Failure{Err: fmt.Errorf("agent: decide: invalid action %d", int(action))}
	}
	return b.turn(ctx, "/api/chat/"+action.String(), decisionRequest{RequestID: requestID, SessionID: b.sessionID})
}

func (b *Bridge) turn(ctx context.Context, path string, body any) Outcome {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	var resp chatResponse
	call := func() error {
		var err error
		resp, err = b.post(ctx, path, body)
		return err
	}
	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(call)
	} else {
		err = call()
	}
	if b.observe != nil {
		b.observe(time.Since(start), err)
	}
	if err != nil {
		slog.Warn("agent request failed", "path", path, "err", err)
		return Failure{Err: err}
	}
	return resp.outcome()
}

// post sends body and decodes the JSON reply. The status code is not checked:
// the backend reports errors with a JSON body on any status.
func (b *Bridge) post(ctx context.Context, path string, body any) (chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return chatResponse{}, fmt.Errorf("agent: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return chatResponse{}, fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return chatResponse{}, fmt.Errorf("agent: http request: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return chatResponse{}, fmt.Errorf("agent: parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	return out, nil
}

func (r chatResponse) outcome() Outcome {
	switch r.Type {
	case "final":
		return Final{Text: r.Response}
	case "tool_pending":
		if r.RequestID == "" {
			return Failure{Err: errors.New("agent: tool_pending without requestId")}
		}
		return ToolPending{RequestID: r.RequestID, Tools: r.Tools}
	}
	if msg := errorText(r.Error); msg != "" {
		return Failure{Message: msg}
	}
	return Failure{Err: fmt.Errorf("agent: unexpected response type %q", r.Type)}
}

// errorText renders the error field. Strings are unquoted; any other JSON
// value is used verbatim. null and false count as absent.
func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	switch string(raw) {
	case "null", "false":
		return ""
	}
	return string(raw)
}
