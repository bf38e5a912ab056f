package infer

import (
	"errors"
	"log/slog"
	"reflect"
	"testing"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func testConfig() *config.Config {
	cfg := config.Default("eb3", 1)
	return &cfg
}

func tpcRun(mode string, nFails int) *domain.Run {
	return &domain.Run{
		Number:    1234,
		Mode:      mode,
		Detectors: []string{"tpc", "neutron_veto", "muon_veto"},
		Orch:      domain.Orchestration{NFailures: nFails},
	}
}

func TestInferDefaultPlan(t *testing.T) {
	ti := NewTargets(testConfig(), testLogger())

	plan, err := ti.Infer(tpcRun("tpc_radon", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"event_info", "events_nv", "events_mv", "online_peak_monitor", "veto_proximity"}
	if !reflect.DeepEqual(plan.Targets, want) {
		t.Errorf("targets = %v, want %v", plan.Targets, want)
	}
	if !reflect.DeepEqual(plan.PostProcess, []string{"veto_intervals"}) {
		t.Errorf("post process = %v", plan.PostProcess)
	}
}

func TestInferModeOverrides(t *testing.T) {
	ti := NewTargets(testConfig(), testLogger())

	cases := []struct {
		mode string
		want []string
	}{
		{"pmtgain", []string{"led_calibration"}},
		{"pmtap", []string{"afterpulses"}},
		{"tpc_noise", []string{"raw_records"}},
		{"exttrig", []string{"raw_records"}},
	}
	for _, c := range cases {
		plan, err := ti.Infer(tpcRun(c.mode, 0))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.mode, err)
		}
		if !reflect.DeepEqual(plan.Targets, c.want) {
			t.Errorf("%s: targets = %v, want %v", c.mode, plan.Targets, c.want)
		}
		// Special modes still produce the rawest artifact afterwards.
		if !reflect.DeepEqual(plan.PostProcess, []string{RawestTarget}) {
			t.Errorf("%s: post process = %v", c.mode, plan.PostProcess)
		}
	}
}

func TestInferKrModeAddsDoubleEvents(t *testing.T) {
	ti := NewTargets(testConfig(), testLogger())

	plan, err := ti.Infer(tpcRun("tpc_kr83m", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !contains(plan.Targets, "event_info_double") {
		t.Errorf("targets = %v, want event_info_double included", plan.Targets)
	}
}

func TestInferVetoOnlyRun(t *testing.T) {
	ti := NewTargets(testConfig(), testLogger())

	run := &domain.Run{Number: 1, Mode: "nveto_bg", Detectors: []string{"neutron_veto"}}
	plan, err := ti.Infer(run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(plan.Targets, []string{"events_nv"}) {
		t.Errorf("targets = %v, want [events_nv]", plan.Targets)
	}
	// No _nv post-process target configured, so fall back to raw.
	if !reflect.DeepEqual(plan.PostProcess, []string{RawestTarget}) {
		t.Errorf("post process = %v", plan.PostProcess)
	}
}

func TestInferDropsAbsentVetoTargets(t *testing.T) {
	ti := NewTargets(testConfig(), testLogger())

	run := &domain.Run{Number: 1, Mode: "tpc_bg", Detectors: []string{"tpc"}}
	plan, err := ti.Infer(run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, target := range plan.Targets {
		if target == "events_nv" || target == "events_mv" {
			t.Errorf("veto target %s kept for tpc-only run", target)
		}
	}
}

func TestInferDuplicateTargetsIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Targets = []string{"event_info", "event_info"}
	ti := NewTargets(cfg, testLogger())

	_, err := ti.Infer(tpcRun("tpc_radon", 0))
	if !errors.Is(err, ErrDuplicateTargets) {
		t.Fatalf("err = %v, want ErrDuplicateTargets", err)
	}
}

func TestInferFixTargetSkipsOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.FixTarget = true
	ti := NewTargets(cfg, testLogger())

	plan, err := ti.Infer(tpcRun("pmtgain", 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(plan.Targets, cfg.Targets) {
		t.Errorf("targets = %v, want configured %v", plan.Targets, cfg.Targets)
	}
}

func TestPruneFirstMatchWins(t *testing.T) {
	policy := []PatternThreshold{
		{"event*", 2},
		{"*", 7},
	}
	// event_info matches event* (threshold 2), everything else hits
	// the catch-all.
	got := Prune([]string{"event_info", "peaklets"}, policy, 3, nil)
	if !reflect.DeepEqual(got, []string{"peaklets"}) {
		t.Errorf("pruned = %v, want [peaklets]", got)
	}
}

func TestPruneFallsBackToRawest(t *testing.T) {
	got := Prune([]string{"event_info", "events_nv", "online_peak_monitor"}, DefaultFailPolicy, 8, nil)
	if !reflect.DeepEqual(got, []string{RawestTarget}) {
		t.Errorf("pruned = %v, want [%s]", got, RawestTarget)
	}
}

func TestPruneIdempotent(t *testing.T) {
	once := Prune([]string{"event_info", "peaklets", "veto_proximity"}, DefaultFailPolicy, 5, nil)
	twice := Prune(once, DefaultFailPolicy, 5, nil)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second prune changed the set: %v -> %v", once, twice)
	}
}

func TestPruneKeepsUnderThreshold(t *testing.T) {
	// One prior failure must not drop anything from the default plan.
	targets := []string{"event_info", "events_nv", "online_peak_monitor"}
	got := Prune(targets, DefaultFailPolicy, 1, nil)
	if !reflect.DeepEqual(got, targets) {
		t.Errorf("pruned = %v, want unchanged %v", got, targets)
	}
}
