package diskguard

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
)

type fakePhaser struct {
	phases []domain.Phase
}

func (f *fakePhaser) SetPhase(_ context.Context, phase domain.Phase, _ map[string]any) error {
	f.phases = append(f.phases, phase)
	return nil
}

func testGuard(t *testing.T) (*Guard, *fakePhaser) {
	t.Helper()
	cfg := config.Default("eb3", 1)
	cfg.Disk.MaxRetries = 3
	cfg.Disk.RetryInterval = time.Millisecond
	ph := &fakePhaser{}
	g := New(&cfg, ph, slog.Default())
	g.nap = func(context.Context, time.Duration) {}
	return g, ph
}

func fullDisk() *disk.UsageStat {
	return &disk.UsageStat{UsedPercent: 99, Free: 1 << 20, Total: 1 << 40}
}

func freeDisk() *disk.UsageStat {
	return &disk.UsageStat{UsedPercent: 10, Free: 10 << 40, Total: 20 << 40}
}

func TestCheckThresholds(t *testing.T) {
	g, _ := testGuard(t)

	cases := []struct {
		name string
		stat *disk.UsageStat
		want bool
	}{
		{"plenty of space", freeDisk(), true},
		{"over percent ceiling", fullDisk(), false},
		{"under absolute floor", &disk.UsageStat{UsedPercent: 50, Free: 1 << 30}, false},
	}
	for _, c := range cases {
		g.usage = func(string) (*disk.UsageStat, error) { return c.stat, nil }
		ok, err := g.Check()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.name, err)
		}
		if ok != c.want {
			t.Errorf("%s: ok = %v, want %v", c.name, ok, c.want)
		}
	}
}

func TestWaitPassesWhenDiskIsFine(t *testing.T) {
	g, ph := testGuard(t)
	g.usage = func(string) (*disk.UsageStat, error) { return freeDisk(), nil }

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ph.phases) != 0 {
		t.Errorf("published phases %v, want none", ph.phases)
	}
}

func TestWaitRecoversWhenDiskFrees(t *testing.T) {
	g, ph := testGuard(t)
	calls := 0
	g.usage = func(string) (*disk.UsageStat, error) {
		calls++
		if calls < 3 {
			return fullDisk(), nil
		}
		return freeDisk(), nil
	}

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ph.phases) != 1 || ph.phases[0] != domain.PhaseDiskFull {
		t.Errorf("phases = %v, want single disk_full", ph.phases)
	}
}

func TestWaitFatalAfterBudget(t *testing.T) {
	g, _ := testGuard(t)
	g.usage = func(string) (*disk.UsageStat, error) { return fullDisk(), nil }

	if err := g.Wait(context.Background()); !errors.Is(err, ErrOutOfDisk) {
		t.Fatalf("err = %v, want ErrOutOfDisk", err)
	}
}
