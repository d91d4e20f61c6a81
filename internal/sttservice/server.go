// Package sttservice implements the standalone recognition service: an
// HTTP front end that accepts raw PCM and answers with its transcription.
//
//	GET  /health      {"status":"ok"}
//	POST /transcribe  body: mono S16LE PCM, header X-Sample-Rate (default 48000)
//	                  reply: {"text": "...", "duration_s": 1.23}
package sttservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	"github.com/MrWong99/voicebridge/pkg/provider/stt/remote"
)

const (
	// MaxBodyBytes caps one request body (about nine minutes at 48 kHz).
	MaxBodyBytes = 50 << 20

	// DefaultInputRate applies when X-Sample-Rate is absent.
	DefaultInputRate = audio.SampleRate
)

// Option configures a [Server].
type Option func(*Server)

// WithObserver registers a callback invoked after every recognition with
// its latency and error.
func WithObserver(fn func(elapsed time.Duration, err error)) Option {
	return func(s *Server) { s.observe = fn }
}

// WithModelRate sets the rate audio is resampled to before recognition.
// Defaults to [stt.DefaultSampleRate].
func WithModelRate(rate int) Option {
	return func(s *Server) {
		if rate > 0 {
			s.modelRate = rate
		}
	}
}

// Server answers transcription requests with an injected recognizer.
type Server struct {
	rec       stt.Recognizer
	modelRate int
	observe   func(time.Duration, error)
}

// New creates a Server around rec.
func New(rec stt.Recognizer, opts ...Option) (*Server, error) {
	if rec == nil {
		return nil, errors.New("sttservice: recognizer is required")
	}
	s := &Server{rec: rec, modelRate: stt.DefaultSampleRate}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Register mounts the service routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	rate, err := parseRate(r.Header.Get(remote.SampleRateHeader))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body exceeds limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	pcm = pcm[:len(pcm)&^1]
	if len(pcm) == 0 {
		writeJSON(w, http.StatusOK, remote.Response{})
		return
	}

	duration := stt.PCMDuration(pcm, rate)
	log := slog.With("bytes", len(pcm), "rate", rate, "duration", duration)
	log.Info("sttservice: received audio")

	start := time.Now()
	res, err := s.rec.Recognize(r.Context(), audio.ResampleMono16(pcm, rate, s.modelRate), s.modelRate)
	elapsed := time.Since(start)
	if s.observe != nil {
		s.observe(elapsed, err)
	}
	if err != nil {
		log.Error("sttservice: recognition failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "recognition failed"})
		return
	}

	text := strings.TrimSpace(res.Text)
	log.Info("sttservice: transcribed", "elapsed", elapsed, "chars", len(text))
	writeJSON(w, http.StatusOK, remote.Response{
		Text:      text,
		DurationS: math.Round(duration.Seconds()*100) / 100,
	})
}

func parseRate(v string) (int, error) {
	if v == "" {
		return DefaultInputRate, nil
	}
	rate, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("invalid %s %q", remote.SampleRateHeader, v)
	}
	return rate, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("sttservice: write response", "err", err)
	}
}
