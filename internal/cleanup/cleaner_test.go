package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
)

func TestBackoffWithinBounds(t *testing.T) {
	base := time.Minute
	for n := 0; n < 10; n++ {
		for i := 0; i < 50; i++ {
			jitter := retryJitter()
			if jitter < 0.5 || jitter >= 1.5 {
				t.Fatalf("jitter = %v, want [0.5, 1.5)", jitter)
			}
			d := Backoff(base, n, jitter)
			capped := n
			if capped > 3 {
				capped = 3
			}
			exp := time.Duration(1)
			for j := 0; j < capped; j++ {
				exp *= 5
			}
			lo := time.Duration(float64(base) * 0.5 * float64(exp))
			hi := time.Duration(float64(base) * 1.5 * float64(exp))
			if d < lo || d > hi {
				t.Errorf("n=%d: backoff %v outside [%v, %v]", n, d, lo, hi)
			}
		}
	}
}

func TestBackoffMonotonic(t *testing.T) {
	// With a fixed jitter the backoff must never shrink as failures
	// accumulate, and must stop growing after the cap.
	base := time.Minute
	prev := time.Duration(0)
	for n := 0; n <= 6; n++ {
		d := Backoff(base, n, 1.0)
		if d < prev {
			t.Errorf("backoff shrank at n=%d: %v -> %v", n, prev, d)
		}
		prev = d
	}
	if Backoff(base, 4, 1.0) != Backoff(base, 100, 1.0) {
		t.Error("backoff kept growing past the cap")
	}
}

func TestBackoffCapValue(t *testing.T) {
	if got, want := Backoff(time.Minute, 3, 1.0), 125*time.Minute; got != want {
		t.Errorf("backoff at cap = %v, want %v", got, want)
	}
}

func TestDeleteLocalOutputKeepsRawWhenLiveGone(t *testing.T) {
	cfg := config.Default("eb3", 1)
	cfg.OutputDir = t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(&cfg, nil, nil, nil, logger)

	datasets := []string{"000042-raw_records", "000042-event_info"}
	makeDatasets := func() {
		for _, d := range datasets {
			if err := os.MkdirAll(filepath.Join(cfg.OutputDir, d), 0o755); err != nil {
				t.Fatal(err)
			}
		}
	}
	exists := func(d string) bool {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, d))
		return err == nil
	}

	// No live artifact registered: the processed raw data is the only
	// surviving copy and must not be deleted.
	makeDatasets()
	if err := c.deleteLocalOutput(context.Background(), &domain.Run{Number: 42}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists("000042-raw_records") {
		t.Error("raw dataset was deleted with live data already gone")
	}
	if exists("000042-event_info") {
		t.Error("processed dataset survived the cleanup")
	}

	// With live data still around everything goes.
	makeDatasets()
	withLive := &domain.Run{
		Number: 42,
		Data:   []domain.Artifact{{Type: "live", Host: "eb4", Location: "/live_data/kiln/000042"}},
	}
	if err := c.deleteLocalOutput(context.Background(), withLive); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, d := range datasets {
		if exists(d) {
			t.Errorf("dataset %s survived the cleanup with live data present", d)
		}
	}
}

func TestMetricReasonIsBounded(t *testing.T) {
	// Host names and error detail must not leak into the metric label.
	if got := metricReason(StuckReason(domain.StateBusy, "eb4")); got != "stuck" {
		t.Errorf("class = %q, want stuck", got)
	}
	if got := metricReason("validation failed: coverage mismatch"); got != "validation" {
		t.Errorf("class = %q, want validation", got)
	}
	if got := metricReason("something nobody predicted"); got != "other" {
		t.Errorf("class = %q, want other", got)
	}
}

func TestStuckReasonNamesClaimant(t *testing.T) {
	reason := StuckReason(domain.StateBusy, "eb4")
	if !strings.Contains(reason, "eb4") {
		t.Errorf("reason %q does not name the claimant host", reason)
	}
	if !strings.Contains(reason, "busy") {
		t.Errorf("reason %q does not name the stuck state", reason)
	}

	reason = StuckReason(domain.StateConsidering, "")
	if !strings.Contains(reason, "unknown host") {
		t.Errorf("reason %q does not handle a missing host", reason)
	}
}
