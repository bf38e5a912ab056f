package infer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Kiln/internal/domain"
)

type fakeRates struct {
	rates map[string]float64
	err   error
}

func (f *fakeRates) LiveRate(_ context.Context, _ int64) (map[string]float64, error) {
	return f.rates, f.err
}

func newTestInferrer(t *testing.T, hostname string, rates *fakeRates) *Inferrer {
	t.Helper()
	cfg := testConfig()
	cfg.Hostname = hostname
	in, err := NewInferrer(cfg, rates, testLogger())
	if err != nil {
		t.Fatalf("NewInferrer: %v", err)
	}
	in.nap = func(context.Context, time.Duration) {}
	return in
}

func TestParseHostTier(t *testing.T) {
	cases := []struct {
		hostname string
		want     HostTier
		wantErr  bool
	}{
		{"eb1", TierOld, false},
		{"eb2.xenon.local", TierOld, false},
		{"eb3", TierNew, false},
		{"eb5.xenon.local", TierNew, false},
		{"localhost", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		tier, err := ParseHostTier(c.hostname)
		if c.wantErr {
			if !errors.Is(err, ErrBadHostname) {
				t.Errorf("%q: err = %v, want ErrBadHostname", c.hostname, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", c.hostname, err)
			continue
		}
		if tier != c.want {
			t.Errorf("%q: tier = %v, want %v", c.hostname, tier, c.want)
		}
	}
}

func TestBenchmarkResourcesExactPoints(t *testing.T) {
	cores, messages, timeout := BenchmarkResources(TierNew, 150)
	if cores != 18 || messages != 25 || timeout != 1400 {
		t.Errorf("at 150 MB/s new tier: got %d/%d/%d, want 18/25/1400", cores, messages, timeout)
	}

	cores, messages, timeout = BenchmarkResources(TierOld, 0)
	if cores != 39 || messages != 20 || timeout != 1200 {
		t.Errorf("at 0 MB/s old tier: got %d/%d/%d, want 39/20/1200", cores, messages, timeout)
	}
}

func TestBenchmarkResourcesInterpolates(t *testing.T) {
	// 130 MB/s sits between the 110 and 150 MB/s rows; on the new
	// tier cores go 24 -> 18 there, so the result must be strictly
	// in between.
	cores, _, _ := BenchmarkResources(TierNew, 130)
	if cores <= 18 || cores >= 24 {
		t.Errorf("cores = %d, want strictly between 18 and 24", cores)
	}
}

func TestBenchmarkResourcesClampsToEdges(t *testing.T) {
	cores, messages, timeout := BenchmarkResources(TierOld, 9000)
	if cores != 8 || messages != 6 || timeout != 2400 {
		t.Errorf("beyond table: got %d/%d/%d, want last row 8/6/2400", cores, messages, timeout)
	}
}

func TestInferDefaultsWithoutInferMode(t *testing.T) {
	in := newTestInferrer(t, "eb3", &fakeRates{})

	res, err := in.Infer(context.Background(), &domain.Run{Number: 1, Start: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cores != in.cfg.Cores || res.MaxMessages != in.cfg.MaxMessages {
		t.Errorf("resources = %+v, want configured defaults", res)
	}
	if res.TimeoutSec != defaultTimeoutSec {
		t.Errorf("timeout = %d, want %d", res.TimeoutSec, defaultTimeoutSec)
	}
}

func TestInferUsesRecordedRate(t *testing.T) {
	in := newTestInferrer(t, "eb3", &fakeRates{})
	in.cfg.InferMode = true

	run := &domain.Run{Number: 1, Start: time.Now(), Rate: map[string]float64{"tpc": 150}}
	res, err := in.Infer(context.Background(), run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cores != 18 || res.MaxMessages != 25 || res.TimeoutSec != 1400 {
		t.Errorf("resources = %+v, want benchmark row for 150 MB/s", res)
	}
}

func TestInferPollsLiveRate(t *testing.T) {
	in := newTestInferrer(t, "eb3", &fakeRates{rates: map[string]float64{"tpc": 100, "neutron_veto": 50}})
	in.cfg.InferMode = true

	start := time.Now().Add(-time.Hour)
	res, err := in.Infer(context.Background(), &domain.Run{Number: 1, Start: start})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Detector rates sum to 150 MB/s.
	if res.Cores != 18 {
		t.Errorf("cores = %d, want 18 for summed live rate", res.Cores)
	}
}

func TestInferFallsBackWhenRateUnknown(t *testing.T) {
	in := newTestInferrer(t, "eb3", &fakeRates{err: errors.New("registry down")})
	in.cfg.InferMode = true

	res, err := in.Infer(context.Background(), &domain.Run{Number: 1, Start: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cores != in.cfg.Cores {
		t.Errorf("cores = %d, want default %d when rate unknown", res.Cores, in.cfg.Cores)
	}
}

func TestInferShrinksAfterFailures(t *testing.T) {
	in := newTestInferrer(t, "eb3", &fakeRates{})

	base, err := in.Infer(context.Background(), &domain.Run{Number: 1, Start: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failed, err := in.Infer(context.Background(), &domain.Run{
		Number: 1,
		Start:  time.Now(),
		Orch:   domain.Orchestration{NFailures: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.Cores >= base.Cores {
		t.Errorf("cores did not shrink: %d -> %d", base.Cores, failed.Cores)
	}
	if failed.MaxMessages >= base.MaxMessages {
		t.Errorf("messages did not shrink: %d -> %d", base.MaxMessages, failed.MaxMessages)
	}
	if failed.TimeoutSec <= base.TimeoutSec {
		t.Errorf("timeout did not grow: %d -> %d", base.TimeoutSec, failed.TimeoutSec)
	}
}

func TestInferShrinkRespectsBounds(t *testing.T) {
	in := newTestInferrer(t, "eb3", &fakeRates{})

	res, err := in.Infer(context.Background(), &domain.Run{
		Number: 1,
		Start:  time.Now(),
		Orch:   domain.Orchestration{NFailures: 50},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cores != minCores {
		t.Errorf("cores = %d, want floor %d", res.Cores, minCores)
	}
	if res.MaxMessages != minMessages {
		t.Errorf("messages = %d, want floor %d", res.MaxMessages, minMessages)
	}
	if res.TimeoutSec != maxTimeoutSec {
		t.Errorf("timeout = %d, want ceiling %d", res.TimeoutSec, maxTimeoutSec)
	}
}

func TestInferFixResourcesIgnoresFailures(t *testing.T) {
	in := newTestInferrer(t, "eb3", &fakeRates{})
	in.cfg.FixResources = true

	res, err := in.Infer(context.Background(), &domain.Run{
		Number: 1,
		Start:  time.Now(),
		Orch:   domain.Orchestration{NFailures: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Cores != in.cfg.Cores || res.TimeoutSec != defaultTimeoutSec {
		t.Errorf("resources = %+v, want unscaled defaults", res)
	}
}

func TestChooseCodec(t *testing.T) {
	bigChunks := &domain.Run{DAQConfig: domain.DAQConfig{ChunkLengthSec: 25, ChunkOverlapSec: 1}}
	cases := []struct {
		name   string
		run    *domain.Run
		rate   float64
		nFails int
		want   string
	}{
		{"slow run", bigChunks, 20, 0, CodecZstd},
		{"fast run big chunks", bigChunks, 200, 0, CodecLZ4},
		{"one failure", bigChunks, 200, 1, CodecZstd},
		{"repeated failures", bigChunks, 20, 2, CodecLZ4},
	}
	for _, c := range cases {
		if got := chooseCodec(c.run, c.rate, c.nFails); got != c.want {
			t.Errorf("%s: codec = %s, want %s", c.name, got, c.want)
		}
	}
}
