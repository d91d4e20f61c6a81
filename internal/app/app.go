// Package app wires all voicebridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithPeers,
// WithTelemetry, WithListener). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/voicebridge/internal/agent"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/gateway"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/resilience"
	"github.com/MrWong99/voicebridge/internal/session"
	"github.com/MrWong99/voicebridge/internal/speech"
	"github.com/MrWong99/voicebridge/internal/web"
	"github.com/MrWong99/voicebridge/pkg/audio/webrtc"
	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	"github.com/MrWong99/voicebridge/pkg/provider/tts"
)

// readHeaderTimeout bounds slow clients before the handler runs.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	peers     webrtc.Factory
	telemetry *observe.Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	listener  net.Listener

	gateway *gateway.Gateway
	health  *health.Handler
	static  *web.Handler
	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPeers injects the peer connection factory instead of a pion platform.
func WithPeers(f webrtc.Factory) Option {
	return func(a *App) { a.peers = f }
}

// WithTelemetry injects initialised telemetry providers. The caller keeps
// ownership and shuts them down.
func WithTelemetry(p *observe.Providers) Option {
	return func(a *App) { a.telemetry = p }
}

// WithLevel lets [App.Reload] adjust the log level of the default logger.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders]; New takes ownership and closes them on Shutdown.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: an stt provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	a.closers = append(a.closers, providers.Close)

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.telemetry == nil {
		tp, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.telemetry = tp
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(ctx)
		})
	}
	m, err := observe.NewMetrics(a.telemetry.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = m

	// ── 2. Media transport ───────────────────────────────────────────────
	if a.peers == nil {
		a.peers = webrtc.New(webrtc.WithSTUNServers(cfg.WebRTC.STUNServers...))
	}

	// ── 3. Agent bridge ──────────────────────────────────────────────────
	bridge, err := a.newBridge()
	if err != nil {
		return nil, fmt.Errorf("app: init agent bridge: %w", err)
	}

	// ── 4. Gateway ───────────────────────────────────────────────────────
	a.gateway, err = gateway.New(gateway.Config{
		Peers:          a.peers,
		Transcriber:    a.newTranscriber(),
		Speaker:        a.newSpeaker(),
		Agent:          bridge,
		Metrics:        m,
		RateLimit:      rate.Limit(cfg.Signaling.RateLimit),
		Burst:          cfg.Signaling.Burst,
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	checkers := append([]health.Checker(nil), providers.Checkers...)
	checkers = append(checkers, health.Checker{Name: "agent", Check: reachable(cfg.Agent.URL)})
	a.health = health.New(checkers...)

	// ── 6. Static client ─────────────────────────────────────────────────
	if static, err := web.New(cfg.Server.StaticDir); err != nil {
		slog.Warn("static client not served", "dir", cfg.Server.StaticDir, "err", err)
	} else {
		a.static = static
		a.closers = append(a.closers, static.Close)
	}

	a.handler = a.routes()
	return a, nil
}

func (a *App) newTranscriber() session.Transcriber {
	opts := []stt.ClientOption{stt.WithObserver(a.metrics.Observer(a.providers.STTName, observe.KindSTT))}
	if t := a.cfg.Providers.STT.Timeout; t > 0 {
		opts = append(opts, stt.WithTimeout(t))
	}
	return stt.NewClient(a.providers.STT, opts...)
}

func (a *App) newSpeaker() session.Speaker {
	if a.providers.TTS == nil {
		return muteSpeaker{}
	}
	sc := a.cfg.Speech
	opts := []speech.Option{
		speech.WithVoice(tts.VoiceProfile{ID: sc.Voice.VoiceID, Language: sc.Voice.Language}),
		speech.WithObserver(a.metrics.Observer(a.providers.TTSName, observe.KindTTS)),
	}
	if sc.Workers > 0 {
		opts = append(opts, speech.WithWorkers(int64(sc.Workers)))
	}
	if sc.Lookahead > 0 {
		opts = append(opts, speech.WithLookahead(sc.Lookahead))
	}
	if t := a.cfg.Providers.TTS.Timeout; t > 0 {
		opts = append(opts, speech.WithTimeout(t))
	}
	return speech.NewPipeline(a.providers.TTS, opts...)
}

func (a *App) newBridge() (*agent.Bridge, error) {
	ac := a.cfg.Agent
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "agent",
		MaxFailures:   ac.Breaker.MaxFailures,
		ResetTimeout:  ac.Breaker.ResetTimeout,
		OnStateChange: logBreaker,
	})
	opts := []agent.Option{
		agent.WithSessionID(ac.SessionID),
		agent.WithBreaker(breaker),
		agent.WithObserver(a.metrics.Observer("agent", observe.KindAgent)),
	}
	if ac.Timeout > 0 {
		opts = append(opts, agent.WithTimeout(ac.Timeout))
	}
	return agent.New(ac.URL, opts...)
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.gateway)
	mux.Handle("GET /metrics", a.telemetry.MetricsHandler)
	a.health.Register(mux)
	if a.static != nil {
		a.static.Register(mux)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler with telemetry middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Connections returns the number of open signaling connections.
func (a *App) Connections() int { return a.gateway.Connections() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. It returns
// ctx.Err() after cancellation; the caller then calls [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the live-reloadable parts of a changed configuration and
// logs the sections that need a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes take effect after restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, closes every signaling connection
// and its session, stops the HTTP server and releases providers. It is
// idempotent; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "connections", a.gateway.Connections())
		a.health.SetDraining()

		var errs []error
		if err := a.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				a.stopErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		a.stopErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return a.stopErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// muteSpeaker stands in when no synthesizer is configured.
type muteSpeaker struct{}

func (muteSpeaker) Speak(context.Context, string, uint64, speech.Target) speech.Stats {
	return speech.Stats{}
}

// reachable returns a check that passes when baseURL answers HTTP at all;
// any status counts, only transport errors fail.
func reachable(baseURL string) func(context.Context) error {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}
