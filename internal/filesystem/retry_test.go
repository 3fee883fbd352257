package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"video-overlay/internal/metrics"
)

func fastConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestIsStale(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"ESTALE", syscall.ESTALE, true},
		{"wrapped ESTALE", &os.PathError{Op: "open", Path: "/x", Err: syscall.ESTALE}, true},
		{"ENOENT", syscall.ENOENT, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isStale(tt.err); got != tt.want {
				t.Errorf("isStale(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetryRecoversFromStaleHandle(t *testing.T) {
	before := testutil.ToFloat64(metrics.FilesystemRetries.WithLabelValues("open", "success"))

	calls := 0
	got, err := withRetry(context.Background(), "open", "/mnt/x", fastConfig(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.ESTALE
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("withRetry() = %d, %v", got, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if after := testutil.ToFloat64(metrics.FilesystemRetries.WithLabelValues("open", "success")); after != before+1 {
		t.Errorf("success counter = %v, want %v", after, before+1)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), "stat", "/mnt/x", fastConfig(), func() (int, error) {
		calls++
		return 0, fmt.Errorf("stat: %w", syscall.ESTALE)
	})
	if !errors.Is(err, syscall.ESTALE) {
		t.Errorf("error = %v, want ESTALE", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), "open", "/mnt/x", fastConfig(), func() (int, error) {
		calls++
		return 0, syscall.ENOENT
	})
	if !errors.Is(err, syscall.ENOENT) || calls != 1 {
		t.Errorf("withRetry() error = %v after %d calls", err, calls)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	config := RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	calls := 0
	_, err := withRetry(ctx, "open", "/mnt/x", config, func() (int, error) {
		calls++
		return 0, syscall.ESTALE
	})
	if !errors.Is(err, syscall.ESTALE) || calls != 1 {
		t.Errorf("withRetry() error = %v after %d calls", err, calls)
	}
}

func TestOpenAndStat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := OpenWithRetry(context.Background(), path, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("OpenWithRetry() error: %v", err)
	}
	_ = f.Close()

	info, err := StatWithRetry(context.Background(), path, DefaultRetryConfig())
	if err != nil || info.Size() != 4 {
		t.Errorf("StatWithRetry() = %v, %v", info, err)
	}

	if _, err := OpenWithRetry(context.Background(), path+".missing", DefaultRetryConfig()); !os.IsNotExist(err) {
		t.Errorf("missing file error = %v", err)
	}
}
