package stt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/pkg/provider/stt"
	"github.com/MrWong99/voicebridge/pkg/provider/stt/mock"
)

func TestClient_EmptyInputSkipsBackend(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{Result: stt.Result{Text: "unused"}}
	c := stt.NewClient(rec)

	if got := c.Transcribe(context.Background(), nil, 48000); got != "" {
		t.Errorf("Transcribe(nil) = %q, want empty", got)
	}
	if n := len(rec.Calls()); n != 0 {
		t.Errorf("backend called %d times, want 0", n)
	}
}

func TestClient_ResamplesToTargetRate(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{Result: stt.Result{Text: "hello there"}}
	c := stt.NewClient(rec)

	pcm := make([]byte, 96000) // 1s at 48 kHz
	got := c.Transcribe(context.Background(), pcm, 48000)
	if got != "hello there" {
		t.Errorf("Transcribe() = %q, want %q", got, "hello there")
	}

	calls := rec.Calls()
	if len(calls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(calls))
	}
	if calls[0].SampleRate != stt.DefaultSampleRate {
		t.Errorf("SampleRate = %d, want %d", calls[0].SampleRate, stt.DefaultSampleRate)
	}
	if len(calls[0].PCM) != 32000 {
		t.Errorf("resampled bytes = %d, want 32000", len(calls[0].PCM))
	}
}

func TestClient_ErrorBecomesEmptyText(t *testing.T) {
	t.Parallel()

	var observed error
	rec := &mock.Recognizer{Err: errors.New("connection refused")}
	c := stt.NewClient(rec, stt.WithObserver(func(_ time.Duration, err error) { observed = err }))

	if got := c.Transcribe(context.Background(), make([]byte, 3200), 16000); got != "" {
		t.Errorf("Transcribe() = %q, want empty on error", got)
	}
	if observed == nil {
		t.Error("observer did not see the backend error")
	}
}

func TestClient_TimeoutBecomesEmptyText(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{Delay: time.Second}
	c := stt.NewClient(rec, stt.WithTimeout(20*time.Millisecond))

	start := time.Now()
	got := c.Transcribe(context.Background(), make([]byte, 3200), 16000)
	if got != "" {
		t.Errorf("Transcribe() = %q, want empty on timeout", got)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Transcribe took %v, timeout was not applied", elapsed)
	}
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()
	if d := stt.PCMDuration(make([]byte, 96000), 48000); d != time.Second {
		t.Errorf("PCMDuration = %v, want 1s", d)
	}
	if d := stt.PCMDuration(make([]byte, 10), 0); d != 0 {
		t.Errorf("PCMDuration with zero rate = %v, want 0", d)
	}
}
