// Package session implements the per-connection voice session: one WebRTC
// peer connection, the microphone capture path, the playback queue and the
// agent turn bookkeeping.
//
// A Session moves Idle → Negotiating → Connected and ends in Closed, which
// is reachable from every state. Recording and speaking are independent
// flags on top of that.
//
// Playback is epoch-tagged: [Session.StopSpeaking] and [Session.Close]
// advance the epoch, and audio rendered for an older epoch is discarded
// instead of queued.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicebridge/internal/agent"
	"github.com/MrWong99/voicebridge/internal/speech"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/webrtc"
)

var (
	// ErrNegotiation wraps every [Session.HandleOffer] failure.
	ErrNegotiation = errors.New("session: negotiation failed")

	// ErrClosed is returned by operations on a closed Session.
	ErrClosed = errors.New("session: closed")

	// ErrUnknownToolRequest is returned by [Session.DecideTool] when the
	// request id is not the outstanding one.
	ErrUnknownToolRequest = errors.New("session: unknown tool request")
)

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transcriber turns captured PCM into text. An empty string means nothing
// was recognized or recognition failed.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) string
}

// Speaker renders text into a [speech.Target].
type Speaker interface {
	Speak(ctx context.Context, text string, epoch uint64, t speech.Target) speech.Stats
}

// Agent runs conversational turns.
type Agent interface {
	Send(ctx context.Context, text string) agent.Outcome
	Decide(ctx context.Context, action agent.Action, requestID string) agent.Outcome
}

// Config holds the dependencies of a Session.
type Config struct {
	// Peer is the peer connection. The Session owns it and closes it.
	Peer webrtc.PeerConnection

	Transcriber Transcriber
	Speaker     Speaker
	Agent       Agent

	// ID labels log lines. Optional.
	ID string
}

// Session is one browser call. All methods are safe for concurrent use.
type Session struct {
	peer  webrtc.PeerConnection
	stt   Transcriber
	tts   Speaker
	agent Agent
	log   *slog.Logger

	queue *audio.Queue
	gen   *audio.Generator
	epoch atomic.Uint64

	captureCtx    context.Context
	captureCancel context.CancelFunc
	captures      sync.WaitGroup
	closePeer     sync.Once

	mu          sync.Mutex
	state       State
	recording   bool
	mic         []byte
	speaking    bool
	speakCancel context.CancelFunc
	pendingTool string
}

var _ speech.Target = (*Session)(nil)

// New creates an idle Session and registers its peer callbacks.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Peer == nil:
		return nil, errors.New("session: peer connection is required")
	case cfg.Transcriber == nil:
		return nil, errors.New("session: transcriber is required")
	case cfg.Speaker == nil:
		return nil, errors.New("session: speaker is required")
	case cfg.Agent == nil:
		return nil, errors.New("session: agent is required")
	}

	s := &Session{
		peer:  cfg.Peer,
		stt:   cfg.Transcriber,
		tts:   cfg.Speaker,
		agent: cfg.Agent,
		log:   slog.With("conn_id", cfg.ID),
		queue: audio.NewQueue(),
		gen:   audio.NewGenerator(),
	}
	s.captureCtx, s.captureCancel = context.WithCancel(context.Background())

	s.peer.OnStateChange(func(st webrtc.State) {
		s.log.Info("peer connection state", "state", st.String())
	})
	s.peer.OnTrack(s.onTrack)
	return s, nil
}

// ─── Negotiation ──────────────────────────────────────────────────────────────

// HandleOffer applies the browser's SDP offer and returns the local answer.
// It is only valid on an idle Session. On any failure the Session is closed
// and the returned error wraps [ErrNegotiation].
func (s *Session) HandleOffer(ctx context.Context, sdp string) (string, error) {
	s.mu.Lock()
	st := s.state
	if st == StateIdle {
		s.state = StateNegotiating
	}
	s.mu.Unlock()

	if st != StateIdle {
		s.Close()
		return "", fmt.Errorf("%w: offer received in state %s", ErrNegotiation, st)
	}

	answer, err := s.negotiate(ctx, sdp)
	if err != nil {
		s.Close()
		return "", fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNegotiating {
		return "", fmt.Errorf("%w: %w", ErrNegotiation, ErrClosed)
	}
	s.state = StateConnected
	s.log.Info("sdp answer created")
	return answer, nil
}

func (s *Session) negotiate(ctx context.Context, sdp string) (string, error) {
	if err := s.peer.AttachOutput(s.gen); err != nil {
		return "", fmt.Errorf("attach output: %w", err)
	}
	if err := s.peer.SetRemoteOffer(sdp); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := s.peer.CreateAnswer(ctx)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if local := s.peer.LocalDescription(); local != "" {
		answer = local
	}
	return answer, nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

func (s *Session) onTrack(t webrtc.Track) {
	if t.Kind() != "audio" {
		s.log.Debug("ignoring non-audio track", "kind", t.Kind())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.log.Info("remote audio track received")
	s.captures.Add(1)
	go s.capture(t)
}

// capture reads frames from t until the track ends or the Session closes.
// Frames are kept only while recording.
func (s *Session) capture(t webrtc.Track) {
	defer s.captures.Done()
	loggedFormat := false
	for {
		f, err := t.ReadFrame(s.captureCtx)
		if err != nil {
			if s.captureCtx.Err() == nil {
				s.log.Info("mic track ended", "err", err)
			}
			return
		}
		if !loggedFormat {
			s.log.Debug("mic frame format",
				"format", f.Format.String(),
				"rate", f.SampleRate,
				"samples", f.Samples,
				"channels", f.Channels(),
			)
			loggedFormat = true
		}

		s.mu.Lock()
		keep := s.recording && s.state != StateClosed
		s.mu.Unlock()
		if !keep {
			continue
		}

		pcm, err := audio.NormalizeFrame(f)
		if err != nil {
			s.log.Debug("dropping malformed mic frame", "err", err)
			continue
		}

		s.mu.Lock()
		if s.recording && s.state != StateClosed {
			s.mic = append(s.mic, pcm...)
		}
		s.mu.Unlock()
	}
}

// StartRecording discards previously captured audio and starts buffering.
func (s *Session) StartRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.mic = nil
	s.recording = true
	s.log.Info("mic recording started")
}

// StopRecording stops buffering and transcribes what was captured. It
// returns the recognized text and the captured duration in seconds. An
// empty capture returns ("", 0) without calling the recognizer.
func (s *Session) StopRecording(ctx context.Context) (string, float64) {
	s.mu.Lock()
	s.recording = false
	pcm := s.mic
	s.mic = nil
	s.mu.Unlock()

	if len(pcm) == 0 {
		s.log.Warn("no mic audio captured")
		return "", 0
	}
	duration := float64(len(pcm)) / float64(audio.SampleRate*audio.BytesPerSample)
	s.log.Info("mic recording stopped", "bytes", len(pcm), "duration_s", duration)
	return s.stt.Transcribe(ctx, pcm, audio.SampleRate), duration
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// SpeakText synthesizes text into the playback queue and blocks until every
// sentence is rendered or playback is stopped. The speaking flag is cleared
// on return unless a newer epoch has started.
func (s *Session) SpeakText(ctx context.Context, text string) speech.Stats {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return speech.Stats{}
	}
	epoch := s.epoch.Load()
	ctx, cancel := context.WithCancel(ctx)
	if s.speakCancel != nil {
		s.speakCancel()
	}
	s.speakCancel = cancel
	s.speaking = true
	s.gen.SetQueue(s.queue)
	s.mu.Unlock()

	defer cancel()
	st := s.tts.Speak(ctx, text, epoch, s)

	s.mu.Lock()
	if s.epoch.Load() == epoch {
		s.speaking = false
		s.speakCancel = nil
	}
	s.mu.Unlock()
	return st
}

// Deliver implements [speech.Target]. Audio for an epoch other than the
// current one is rejected.
func (s *Session) Deliver(epoch uint64, pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.epoch.Load() != epoch {
		return false
	}
	s.queue.Enqueue(pcm)
	return true
}

// Stale implements [speech.Target].
func (s *Session) Stale(epoch uint64) bool {
	return s.epoch.Load() != epoch
}

// StopSpeaking discards queued and in-flight speech. The empty queue stays
// attached so the outbound track keeps sending silence.
func (s *Session) StopSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.epoch.Add(1)
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
	s.queue.Clear()
	s.gen.SetQueue(s.queue)
	s.speaking = false
	s.log.Info("tts playback stopped")
}

// ─── Agent turns ──────────────────────────────────────────────────────────────

// SendMessage runs an agent turn for a user message.
func (s *Session) SendMessage(ctx context.Context, text string) agent.Outcome {
	if s.State() == StateClosed {
		return agent.Failure{Err: ErrClosed}
	}
	out := s.agent.Send(ctx, text)
	s.track(out)
	return out
}

// DecideTool forwards an approve or reject decision for the outstanding
// tool request. A requestID that does not match it returns
// [ErrUnknownToolRequest] and nothing is sent.
func (s *Session) DecideTool(ctx context.Context, action agent.Action, requestID string) (agent.Outcome, error) {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	case requestID == "" || requestID != s.pendingTool:
		pending := s.pendingTool
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: got %q, outstanding %q", ErrUnknownToolRequest, requestID, pending)
	}
	s.pendingTool = ""
	s.mu.Unlock()

	out := s.agent.Decide(ctx, action, requestID)
	s.track(out)
	return out, nil
}

func (s *Session) track(out agent.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o := out.(type) {
	case agent.ToolPending:
		s.pendingTool = o.RequestID
	case agent.Final:
		s.pendingTool = ""
	}
}

// PendingTool returns the outstanding tool request id, or "".
func (s *Session) PendingTool() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingTool
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Close tears the Session down. It stops capture and waits for the capture
// goroutines to exit, discards queued speech, and closes the peer
// connection once. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	already := s.state == StateClosed
	if !already {
		s.state = StateClosed
		s.recording = false
		s.mic = nil
		s.epoch.Add(1)
		if s.speakCancel != nil {
			s.speakCancel()
			s.speakCancel = nil
		}
		s.speaking = false
		s.queue.Clear()
		s.gen.Detach()
	}
	s.mu.Unlock()

	s.captureCancel()
	s.closePeer.Do(func() {
		if err := s.peer.Close(); err != nil {
			s.log.Warn("close peer connection", "err", err)
		}
		if !already {
			s.log.Info("session closed")
		}
	})
	s.captures.Wait()
}

// State returns the negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recording reports whether mic audio is being buffered.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Speaking reports whether a reply is being synthesized.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Epoch returns the current playback epoch.
func (s *Session) Epoch() uint64 { return s.epoch.Load() }

// Queued returns the number of PCM bytes waiting for playback.
func (s *Session) Queued() int { return s.queue.Len() }
