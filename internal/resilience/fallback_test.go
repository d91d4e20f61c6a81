package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("a", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "b")
	return fg
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	got := newGroup().Names()
	if !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Fatalf("Names() = %v", got)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fn      func(string) (string, error)
		want    string
		wantErr error
	}{
		{
			name: "primary succeeds",
			fn:   func(v string) (string, error) { return v + "!", nil },
			want: "a!",
		},
		{
			name: "fails over",
			fn: func(v string) (string, error) {
				if v == "a" {
					return "", errTest
				}
				return v + "!", nil
			},
			want: "b!",
		},
		{
			name:    "all fail",
			fn:      func(string) (string, error) { return "", errTest },
			wantErr: ErrAllFailed,
		},
		{
			name:    "cancellation stops the walk",
			fn:      func(string) (string, error) { return "", fmt.Errorf("wrapped: %w", context.Canceled) },
			wantErr: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExecuteWithResult(newGroup(), tt.fn)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFallbackGroup_AllFailKeepsLastError(t *testing.T) {
	t.Parallel()
	err := newGroup().Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenPrimary(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "a" {
				return errTest
			}
			return nil
		})
	}

	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(tried, []string{"b"}) {
		t.Fatalf("tried = %v, want only the secondary", tried)
	}
}

func TestFallbackGroup_CancelDoesNotTrip(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	for range 5 {
		_ = fg.Execute(func(string) error { return context.Canceled })
	}
	var tried []string
	_ = fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if !slices.Equal(tried, []string{"a"}) {
		t.Fatalf("tried = %v, want the primary", tried)
	}
}
