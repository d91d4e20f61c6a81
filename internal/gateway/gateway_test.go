package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicebridge/internal/agent"
	"github.com/MrWong99/voicebridge/internal/speech"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/webrtc/mock"
	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicebridge/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voicebridge/pkg/provider/tts/mock"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

type fakeAgent struct {
	mu        sync.Mutex
	send      func(text string) agent.Outcome
	decide    func(action agent.Action, id string) agent.Outcome
	decisions []string
}

func (a *fakeAgent) Send(_ context.Context, text string) agent.Outcome {
	a.mu.Lock()
	fn := a.send
	a.mu.Unlock()
	if fn == nil {
		return agent.Final{}
	}
	return fn(text)
}

func (a *fakeAgent) Decide(_ context.Context, action agent.Action, id string) agent.Outcome {
	a.mu.Lock()
	a.decisions = append(a.decisions, action.String()+":"+id)
	fn := a.decide
	a.mu.Unlock()
	if fn == nil {
		return agent.Final{}
	}
	return fn(action, id)
}

func (a *fakeAgent) Decisions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.decisions...)
}

type harness struct {
	gw    *Gateway
	srv   *httptest.Server
	peers *mock.Factory
	rec   *sttmock.Recognizer
	synth *ttsmock.Synthesizer
	agent *fakeAgent
}

// newHarness serves a Gateway over httptest. setup runs before the server
// starts so it may reconfigure the mocks and the Config freely.
func newHarness(t *testing.T, setup func(h *harness, cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		peers: &mock.Factory{},
		rec:   &sttmock.Recognizer{Result: stt.Result{Text: "hello there"}},
		synth: &ttsmock.Synthesizer{},
		agent: &fakeAgent{},
	}
	cfg := Config{
		Peers:       h.peers,
		Transcriber: stt.NewClient(h.rec),
		Speaker:     speech.NewPipeline(h.synth),
		Agent:       h.agent,
	}
	if setup != nil {
		setup(h, &cfg)
	}
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.gw = gw
	h.srv = httptest.NewServer(gw)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendRaw(t *testing.T, ws *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type received struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	SDP       string          `json:"sdp"`
	RequestID string          `json:"requestId"`
	Tools     json.RawMessage `json:"tools"`
}

func recv(t *testing.T, ws *websocket.Conn) received {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var m received
	if err := wsjson.Read(ctx, ws, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func expect(t *testing.T, ws *websocket.Conn, typ string) received {
	t.Helper()
	m := recv(t, ws)
	if m.Type != typ {
		t.Fatalf("got message %q (%+v), want %q", m.Type, m, typ)
	}
	return m
}

// connect negotiates a session and returns its mock peer connection.
func (h *harness) connect(t *testing.T, ws *websocket.Conn) *mock.PeerConnection {
	t.Helper()
	send(t, ws, map[string]string{"type": "webrtc_offer", "sdp": "v=0 offer"})
	expect(t, ws, "webrtc_answer")
	return h.peers.Last()
}

// talk feeds mic frames on a new track until the test ends.
func talk(t *testing.T, pc *mock.PeerConnection) {
	t.Helper()
	track := mock.NewTrack()
	pc.EmitTrack(track)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		frame := audio.Frame{
			Format:     audio.FormatS16,
			SampleRate: audio.SampleRate,
			Samples:    audio.FrameSamples,
			Data:       make([]byte, audio.FrameBytes),
		}
		for {
			select {
			case track.Frames <- frame:
			case <-done:
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(done)
		wg.Wait()
	})
}

// speakTurn runs mic_start/mic_stop and returns the transcription.
func speakTurn(t *testing.T, ws *websocket.Conn) received {
	t.Helper()
	send(t, ws, map[string]string{"type": "mic_start"})
	time.Sleep(20 * time.Millisecond)
	send(t, ws, map[string]string{"type": "mic_stop"})
	return expect(t, ws, "transcription")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ─── Dispatch ─────────────────────────────────────────────────────────────────

func TestHandlers_CoverEveryKind(t *testing.T) {
	t.Parallel()
	for _, k := range Kinds {
		if handlers[k] == nil {
			t.Errorf("no handler for %q", k)
		}
	}
	if len(handlers) != len(Kinds) {
		t.Errorf("handlers = %d entries, kinds = %d", len(handlers), len(Kinds))
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestHelloAndPing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "hello"})
	expect(t, ws, "hello_ack")
	send(t, ws, map[string]string{"type": "ping"})
	expect(t, ws, "pong")
}

func TestMalformedAndUnknownAreDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ws := h.dial(t)

	sendRaw(t, ws, `{not json`)
	sendRaw(t, ws, `{"type":"teleport"}`)
	sendRaw(t, ws, `[1,2,3]`)
	send(t, ws, map[string]string{"type": "ping"})
	expect(t, ws, "pong")
}

func TestNoSessionMessagesAreIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ws := h.dial(t)

	for _, typ := range []string{"mic_start", "mic_stop", "stop_speaking"} {
		send(t, ws, map[string]string{"type": typ})
	}
	send(t, ws, map[string]string{"type": "tool_approve", "requestId": "r1"})
	send(t, ws, map[string]string{"type": "ping"})
	expect(t, ws, "pong")
	if n := len(h.rec.Calls()); n != 0 {
		t.Fatalf("recognizer called %d times without a session", n)
	}
}

// ─── Negotiation ──────────────────────────────────────────────────────────────

func TestOffer_ReturnsAnswer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness, _ *Config) {
		h.peers.Configure = func(pc *mock.PeerConnection) { pc.AnswerSDP = "v=0 answer" }
	})
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "webrtc_offer", "sdp": "v=0 offer"})
	m := expect(t, ws, "webrtc_answer")
	if m.SDP != "v=0 answer" {
		t.Fatalf("sdp = %q", m.SDP)
	}
	if got := h.peers.Last().Remote(); got != "v=0 offer" {
		t.Fatalf("remote offer = %q", got)
	}
}

func TestOffer_FailureClosesWith1011(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness, _ *Config) {
		h.peers.Configure = func(pc *mock.PeerConnection) { pc.SetRemoteErr = errors.New("bad sdp") }
	})
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "webrtc_offer", "sdp": "garbage"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Fatalf("close status = %v (err %v), want 1011", got, err)
	}
	waitFor(t, "peer closed", func() bool { return h.peers.Last().Closes() == 1 })
}

func TestOffer_SecondOfferReplacesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ws := h.dial(t)

	first := h.connect(t, ws)
	second := h.connect(t, ws)
	if first == second {
		t.Fatal("second offer reused the peer connection")
	}
	if first.Closes() != 1 {
		t.Fatalf("first peer closed %d times, want 1", first.Closes())
	}
	if second.Closes() != 0 {
		t.Fatal("second peer closed")
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ws := h.dial(t)
	pc := h.connect(t, ws)

	_ = ws.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "session teardown", func() bool { return pc.Closes() == 1 })
	waitFor(t, "connection untracked", func() bool { return h.gw.Connections() == 0 })
}

// ─── Turns ────────────────────────────────────────────────────────────────────

func TestMicTurn_FinalIsRepliedAndSpoken(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		sent []string
	)
	h := newHarness(t, func(h *harness, _ *Config) {
		h.agent.send = func(text string) agent.Outcome {
			mu.Lock()
			sent = append(sent, text)
			mu.Unlock()
			return agent.Final{Text: "Sure thing."}
		}
	})
	ws := h.dial(t)
	talk(t, h.connect(t, ws))

	if m := speakTurn(t, ws); m.Text != "hello there" {
		t.Fatalf("transcription = %q", m.Text)
	}
	if m := expect(t, ws, "agent_reply"); m.Text != "Sure thing." {
		t.Fatalf("agent_reply = %q", m.Text)
	}
	waitFor(t, "reply synthesized", func() bool { return slices.Contains(h.synth.Calls(), "Sure thing.") })

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(sent, []string{"hello there"}) {
		t.Fatalf("agent received %v", sent)
	}
}

func TestMicTurn_EmptyTranscriptionSkipsAgent(t *testing.T) {
	t.Parallel()
	var called atomic.Bool
	h := newHarness(t, func(h *harness, _ *Config) {
		h.rec.Result = stt.Result{}
		h.agent.send = func(string) agent.Outcome {
			called.Store(true)
			return agent.Final{}
		}
	})
	ws := h.dial(t)
	talk(t, h.connect(t, ws))

	if m := speakTurn(t, ws); m.Text != "" {
		t.Fatalf("transcription = %q, want empty", m.Text)
	}
	send(t, ws, map[string]string{"type": "mic_stop"})
	expect(t, ws, "transcription")
	if called.Load() {
		t.Fatal("agent called for empty transcription")
	}
}

func TestMicTurn_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		out  agent.Outcome
		want string
	}{
		{"unreachable", agent.Failure{Err: errors.New("dial tcp: refused")}, "Sorry, I couldn't reach the agent."},
		{"backend error", agent.Failure{Message: "quota exceeded"}, "Error: quota exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(h *harness, _ *Config) {
				h.agent.send = func(string) agent.Outcome { return tt.out }
			})
			ws := h.dial(t)
			talk(t, h.connect(t, ws))

			speakTurn(t, ws)
			if m := expect(t, ws, "agent_reply"); m.Text != tt.want {
				t.Fatalf("agent_reply = %q, want %q", m.Text, tt.want)
			}
			waitFor(t, "failure spoken", func() bool { return len(h.synth.Calls()) > 0 })
		})
	}
}

func TestToolFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness, _ *Config) {
		h.agent.send = func(string) agent.Outcome {
			return agent.ToolPending{RequestID: "r1", Tools: json.RawMessage(`[{"name":"shell"}]`)}
		}
		h.agent.decide = func(action agent.Action, _ string) agent.Outcome {
			if action == agent.Reject {
				return agent.Failure{Err: errors.New("boom")}
			}
			return agent.Final{Text: "Done."}
		}
	})
	ws := h.dial(t)
	talk(t, h.connect(t, ws))

	speakTurn(t, ws)
	m := expect(t, ws, "tool_pending")
	if m.RequestID != "r1" || string(m.Tools) != `[{"name":"shell"}]` {
		t.Fatalf("tool_pending = %+v (tools %s)", m, m.Tools)
	}

	// Unknown and empty ids are ignored without reaching the agent.
	send(t, ws, map[string]string{"type": "tool_approve", "requestId": "nope"})
	send(t, ws, map[string]string{"type": "tool_approve", "requestId": ""})
	send(t, ws, map[string]string{"type": "tool_approve", "requestId": "r1"})
	if m := expect(t, ws, "agent_reply"); m.Text != "Done." {
		t.Fatalf("agent_reply = %q", m.Text)
	}
	if got := h.agent.Decisions(); !slices.Equal(got, []string{"approve:r1"}) {
		t.Fatalf("decisions = %v", got)
	}

	// A failing decision is reported with the tool failure message.
	speakTurn(t, ws)
	expect(t, ws, "tool_pending")
	send(t, ws, map[string]string{"type": "tool_reject", "requestId": "r1"})
	if m := expect(t, ws, "agent_reply"); m.Text != "Sorry, tool execution failed." {
		t.Fatalf("agent_reply = %q", m.Text)
	}
}

func TestPingAnsweredDuringSlowTranscription(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness, _ *Config) { h.rec.Delay = 500 * time.Millisecond })
	ws := h.dial(t)
	talk(t, h.connect(t, ws))

	send(t, ws, map[string]string{"type": "mic_start"})
	time.Sleep(20 * time.Millisecond)
	send(t, ws, map[string]string{"type": "mic_stop"})
	time.Sleep(20 * time.Millisecond)
	send(t, ws, map[string]string{"type": "ping"})

	start := time.Now()
	expect(t, ws, "pong")
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("pong took %v while STT was outstanding", elapsed)
	}
	expect(t, ws, "transcription")
}

func TestStopSpeakingInterruptsReply(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness, _ *Config) {
		h.synth.Gate = gate
		h.agent.send = func(string) agent.Outcome { return agent.Final{Text: "One. Two. Three."} }
	})
	ws := h.dial(t)
	pc := h.connect(t, ws)
	talk(t, pc)

	speakTurn(t, ws)
	expect(t, ws, "agent_reply")
	waitFor(t, "synthesis started", func() bool { return len(h.synth.Calls()) > 0 })

	send(t, ws, map[string]string{"type": "stop_speaking"})
	// The worker is free again once the reply is abandoned.
	send(t, ws, map[string]string{"type": "mic_stop"})
	expect(t, ws, "transcription")
	close(gate)

	for _, b := range pc.Output().NextFrame() {
		if b != 0 {
			t.Fatal("stopped reply reached the playback queue")
		}
	}
}

// ─── Limits & shutdown ────────────────────────────────────────────────────────

func TestRateLimitDropsExcess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ *harness, c *Config) {
		c.RateLimit = 0.001
		c.Burst = 2
	})
	ws := h.dial(t)

	for range 5 {
		send(t, ws, map[string]string{"type": "ping"})
	}
	expect(t, ws, "pong")
	expect(t, ws, "pong")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var m received
	if err := wsjson.Read(ctx, ws, &m); err == nil {
		t.Fatalf("received %q beyond the burst", m.Type)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ws := h.dial(t)
	pc := h.connect(t, ws)

	readErr := make(chan error, 1)
	go func() {
		_, _, err := ws.Read(context.Background())
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if pc.Closes() != 1 {
		t.Fatalf("peer closed %d times, want 1", pc.Closes())
	}
	if got := websocket.CloseStatus(<-readErr); got != websocket.StatusGoingAway {
		t.Fatalf("close status = %v, want 1001", got)
	}
}
