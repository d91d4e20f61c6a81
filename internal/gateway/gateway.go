// Package gateway is the WebSocket signaling endpoint. Each connection owns
// at most one [session.Session] and translates signaling messages into
// session operations.
//
// Messages that start backend work (offer, mic, tool decisions) run on a
// per-connection worker goroutine in arrival order. ping, hello and
// stop_speaking are answered from the read loop so they are never queued
// behind a slow backend.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/session"
	"github.com/MrWong99/voicebridge/pkg/audio/webrtc"
)

// Defaults for [Config].
const (
	DefaultRateLimit    = 50
	DefaultBurst        = 100
	DefaultWriteTimeout = 5 * time.Second
	DefaultQueueDepth   = 32

	// readLimit bounds one inbound message; SDP offers are a few KB.
	readLimit = 1 << 20
)

// Config holds the dependencies and limits of a [Gateway].
type Config struct {
	Peers       webrtc.Factory
	Transcriber session.Transcriber
	Speaker     session.Speaker
	Agent       session.Agent

	// Metrics is optional.
	Metrics *observe.Metrics

	// RateLimit is the sustained inbound messages per second per
	// connection. Default: 50.
	RateLimit rate.Limit

	// Burst is the rate limiter bucket size. Default: 100.
	Burst int

	// WriteTimeout bounds each outbound write. Default: 5s.
	WriteTimeout time.Duration

	// QueueDepth is the number of queued worker jobs per connection before
	// further ones are dropped. Default: 32.
	QueueDepth int

	// OriginPatterns is passed to [websocket.AcceptOptions]. Empty accepts
	// only same-origin requests.
	OriginPatterns []string
}

// Gateway serves the /ws endpoint. It is safe for concurrent use.
type Gateway struct {
	cfg Config

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Peers == nil:
		return nil, errors.New("gateway: peer factory is required")
	case cfg.Transcriber == nil:
		return nil, errors.New("gateway: transcriber is required")
	case cfg.Speaker == nil:
		return nil, errors.New("gateway: speaker is required")
	case cfg.Agent == nil:
		return nil, errors.New("gateway: agent is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Gateway{cfg: cfg, conns: make(map[*conn]struct{})}, nil
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c := newConn(g, ws, uuid.NewString())
	if !g.track(c) {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer g.untrack(c)

	log := observe.Logger(r.Context()).With("conn_id", c.id)
	log.Info("websocket connected", "remote", r.RemoteAddr)
	c.run(r.Context())
	log.Info("websocket disconnected")
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.wg.Done()
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown refuses new connections, closes every open one with status 1001
// and waits until their sessions are torn down or ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	open := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	for _, c := range open {
		c.stop(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
