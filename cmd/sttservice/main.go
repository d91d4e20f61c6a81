// Command sttservice exposes a whisper recognizer over the /transcribe
// HTTP contract used by the voicebridge "remote" STT provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/sttservice"
	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	"github.com/MrWong99/voicebridge/pkg/provider/stt/whisper"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	listen := flag.String("listen", envOr("STT_LISTEN_ADDR", ":8200"), "TCP address to listen on")
	model := flag.String("model", os.Getenv("WHISPER_MODEL"), "path to a whisper.cpp model file")
	serverURL := flag.String("whisper-url", os.Getenv("WHISPER_SERVER_URL"), "whisper.cpp server URL, used when -model is empty")
	language := flag.String("language", envOr("WHISPER_LANGUAGE", "en"), "recognition language")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Recognizer ────────────────────────────────────────────────────────────
	rec, backend, closeRec, err := newRecognizer(*model, *serverURL, *language)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sttservice: %v\n", err)
		return 1
	}
	defer func() {
		if err := closeRec(); err != nil {
			slog.Warn("close recognizer", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicebridge-stt"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	svc, err := sttservice.New(rec, sttservice.WithObserver(metrics.Observer(backend, observe.KindSTT)))
	if err != nil {
		slog.Error("failed to create service", "err", err)
		return 1
	}
	mux := http.NewServeMux()
	svc.Register(mux)
	mux.Handle("GET /metrics", telemetry.MetricsHandler)

	srv := &http.Server{
		Addr:              *listen,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("stt service listening", "addr", *listen, "backend", backend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newRecognizer loads the native model when modelPath is set and falls back
// to a whisper.cpp server otherwise.
func newRecognizer(modelPath, serverURL, language string) (stt.Recognizer, string, func() error, error) {
	switch {
	case modelPath != "":
		r, err := whisper.NewNative(modelPath, whisper.WithNativeLanguage(language))
		if err != nil {
			return nil, "", nil, err
		}
		slog.Info("whisper model loaded", "path", modelPath, "language", language)
		return r, "whisper-native", r.Close, nil
	case serverURL != "":
		r, err := whisper.NewServer(serverURL, whisper.WithLanguage(language))
		if err != nil {
			return nil, "", nil, err
		}
		return r, "whisper-server", func() error { return nil }, nil
	default:
		return nil, "", nil, errors.New("one of -model or -whisper-url is required")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
