package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voicebridge/internal/agent"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/session"
)

// handlerFunc handles one decoded inbound message on the read loop.
type handlerFunc func(c *conn, ctx context.Context, msg inbound)

// handlers is the dispatch table. Entries wrapped in queued run on the
// connection worker.
var handlers = map[Kind]handlerFunc{
	KindHello:        (*conn).handleHello,
	KindPing:         (*conn).handlePing,
	KindStopSpeaking: (*conn).handleStopSpeaking,
	KindOffer:        queued((*conn).handleOffer),
	KindMicStart:     queued((*conn).handleMicStart),
	KindMicStop:      queued((*conn).handleMicStop),
	KindToolApprove:  queued(decision(agent.Approve)),
	KindToolReject:   queued(decision(agent.Reject)),
}

func queued(h handlerFunc) handlerFunc {
	return func(c *conn, _ context.Context, msg inbound) {
		c.enqueue(msg.Type, func(ctx context.Context) { h(c, ctx, msg) })
	}
}

func decision(action agent.Action) handlerFunc {
	return func(c *conn, ctx context.Context, msg inbound) {
		c.handleToolDecision(ctx, action, msg.RequestID)
	}
}

// conn is one signaling connection.
type conn struct {
	g       *Gateway
	ws      *websocket.Conn
	id      string
	log     *slog.Logger
	limiter *rate.Limiter
	jobs    chan func(context.Context)

	writeMu  sync.Mutex
	stopOnce sync.Once

	mu   sync.Mutex
	sess *session.Session
}

func newConn(g *Gateway, ws *websocket.Conn, id string) *conn {
	return &conn{
		g:       g,
		ws:      ws,
		id:      id,
		log:     slog.With("conn_id", id),
		limiter: rate.NewLimiter(g.cfg.RateLimit, g.cfg.Burst),
		jobs:    make(chan func(context.Context), g.cfg.QueueDepth),
	}
}

// run serves the connection until the socket closes, then tears the
// session down.
func (c *conn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.work(ctx)
	}()

	c.readLoop(ctx)

	cancel()
	close(c.jobs)
	<-workerDone
	c.closeSession()
	_ = c.ws.CloseNow()
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.log.Debug("websocket read ended", "err", err)
			return
		}
		if typ != websocket.MessageText {
			c.log.Debug("ignoring binary message", "bytes", len(data))
			continue
		}
		if !c.limiter.Allow() {
			c.record(ctx, "", "rate_limited")
			c.log.Debug("signaling message dropped by rate limit")
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.record(ctx, "", "dropped")
			c.log.Debug("ignoring malformed message", "err", err)
			continue
		}
		h, ok := handlers[msg.Type]
		if !ok {
			c.record(ctx, "", "dropped")
			c.log.Debug("ignoring unknown message type", "type", string(msg.Type))
			continue
		}
		c.record(ctx, string(msg.Type), "ok")
		h(c, ctx, msg)
	}
}

func (c *conn) work(ctx context.Context) {
	for job := range c.jobs {
		if ctx.Err() != nil {
			continue
		}
		job(ctx)
	}
}

func (c *conn) enqueue(kind Kind, job func(context.Context)) {
	select {
	case c.jobs <- job:
	default:
		c.record(context.Background(), string(kind), "dropped")
		c.log.Warn("worker queue full, dropping message", "type", string(kind))
	}
}

func (c *conn) record(ctx context.Context, kind, status string) {
	if c.g.cfg.Metrics == nil {
		return
	}
	if kind == "" {
		kind = "invalid"
	}
	c.g.cfg.Metrics.RecordMessage(ctx, kind, status)
}

// write sends v as one JSON text message. Writes are serialized and each
// is bounded by the configured write timeout.
func (c *conn) write(ctx context.Context, v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, c.g.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		c.log.Debug("websocket write failed", "err", err)
	}
}

// stop closes the socket with code in the background; the read loop then
// ends and run tears everything down.
func (c *conn) stop(code websocket.StatusCode, reason string) {
	c.stopOnce.Do(func() {
		go func() { _ = c.ws.Close(code, reason) }()
	})
}

// ─── Session ownership ────────────────────────────────────────────────────────

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) setSession(s *session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	if m := c.g.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(context.Background(), 1)
	}
}

func (c *conn) closeSession() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.Close()
	if m := c.g.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(context.Background(), -1)
	}
}

// ─── Inline handlers ──────────────────────────────────────────────────────────

func (c *conn) handleHello(ctx context.Context, _ inbound) {
	c.write(ctx, typedMessage{Type: typeHelloAck})
}

func (c *conn) handlePing(ctx context.Context, _ inbound) {
	c.write(ctx, typedMessage{Type: typePong})
}

func (c *conn) handleStopSpeaking(_ context.Context, _ inbound) {
	if s := c.session(); s != nil {
		s.StopSpeaking()
	}
}

// ─── Worker handlers ──────────────────────────────────────────────────────────

func (c *conn) handleOffer(ctx context.Context, msg inbound) {
	c.closeSession()

	pc, err := c.g.cfg.Peers.NewPeerConnection()
	if err != nil {
		c.log.Error("create peer connection", "err", err)
		c.stop(websocket.StatusInternalError, "negotiation failed")
		return
	}
	sess, err := session.New(session.Config{
		Peer:        pc,
		Transcriber: c.g.cfg.Transcriber,
		Speaker:     c.g.cfg.Speaker,
		Agent:       c.g.cfg.Agent,
		ID:          c.id,
	})
	if err != nil {
		_ = pc.Close()
		c.log.Error("create session", "err", err)
		c.stop(websocket.StatusInternalError, "negotiation failed")
		return
	}
	c.setSession(sess)

	answer, err := sess.HandleOffer(ctx, msg.SDP)
	if err != nil {
		c.log.Warn("webrtc negotiation failed", "err", err)
		c.closeSession()
		c.stop(websocket.StatusInternalError, "negotiation failed")
		return
	}
	c.write(ctx, answerMessage{Type: typeAnswer, SDP: answer})
}

func (c *conn) handleMicStart(_ context.Context, _ inbound) {
	if s := c.session(); s != nil {
		s.StartRecording()
	}
}

func (c *conn) handleMicStop(ctx context.Context, _ inbound) {
	s := c.session()
	if s == nil {
		return
	}
	ctx, span := observe.StartSpan(ctx, "voice.turn")
	defer span.End()

	text, duration := s.StopRecording(ctx)
	c.log.Info("transcribed", "chars", len(text), "duration_s", duration)
	c.write(ctx, textMessage{Type: typeTranscription, Text: text})
	if text == "" {
		return
	}
	c.reply(ctx, s, s.SendMessage(ctx, text), false)
}

func (c *conn) handleToolDecision(ctx context.Context, action agent.Action, requestID string) {
	if requestID == "" {
		c.log.Debug("ignoring tool decision without requestId", "action", action.String())
		return
	}
	s := c.session()
	if s == nil {
		c.log.Debug("ignoring tool decision without session", "action", action.String())
		return
	}
	out, err := s.DecideTool(ctx, action, requestID)
	if err != nil {
		c.log.Warn("ignoring tool decision", "action", action.String(), "err", err)
		return
	}
	c.reply(ctx, s, out, true)
}

// reply relays an agent outcome to the browser and speaks it.
func (c *conn) reply(ctx context.Context, s *session.Session, out agent.Outcome, fromDecision bool) {
	switch o := out.(type) {
	case agent.Final:
		c.write(ctx, textMessage{Type: typeAgentReply, Text: o.Text})
		if o.Text != "" {
			c.speak(ctx, s, o.Text)
		}
	case agent.ToolPending:
		c.write(ctx, toolPendingMessage{Type: typeToolPending, RequestID: o.RequestID, Tools: o.Tools})
	case agent.Failure:
		text := replyAgentUnreachable
		if fromDecision {
			text = replyToolFailed
		}
		if o.Backend() {
			text = "Error: " + o.Message
		}
		c.write(ctx, textMessage{Type: typeAgentReply, Text: text})
		c.speak(ctx, s, text)
	}
}

func (c *conn) speak(ctx context.Context, s *session.Session, text string) {
	st := s.SpeakText(ctx, text)
	if m := c.g.cfg.Metrics; m != nil {
		m.RecordStaleDrops(ctx, st.Stale)
	}
}
