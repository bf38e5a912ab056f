package diskguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
	"github.com/shaiso/Kiln/internal/telemetry"
)

// ErrOutOfDisk — бюджет ожидания исчерпан, диск так и не освободился.
// Фатально для экземпляра: лучше умереть, чем писать огрызки данных.
var ErrOutOfDisk = errors.New("diskguard: disk stayed full past the retry budget")

// phaser — минимальный срез liveness.Tracker, нужный guard-у.
type phaser interface {
	SetPhase(ctx context.Context, phase domain.Phase, fields map[string]any) error
}

// Guard следит за локальным диском: пока он критически полон, новые
// runs не берутся.
type Guard struct {
	cfg     *config.Config
	tracker phaser
	logger  *slog.Logger

	// usage и nap подменяются в тестах.
	usage func(path string) (*disk.UsageStat, error)
	nap   func(ctx context.Context, d time.Duration)
}

// New создаёт Guard.
func New(cfg *config.Config, tracker phaser, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger,
		usage:   disk.Usage,
		nap:     sleepCtx,
	}
}

// Check возвращает true, если на диске достаточно места для новой работы.
func (g *Guard) Check() (bool, error) {
	stat, err := g.usage(g.cfg.OutputDir)
	if err != nil {
		return false, fmt.Errorf("disk usage of %s: %w", g.cfg.OutputDir, err)
	}
	telemetry.DiskUsedPercent.Set(stat.UsedPercent)

	if stat.UsedPercent > g.cfg.Disk.MaxUsedPercent {
		return false, nil
	}
	if stat.Free < g.cfg.Disk.MinFreeBytes {
		return false, nil
	}
	return true, nil
}

// Wait блокируется, пока диск не освободится. Пока ждём — экземпляр
// в фазе disk_full. Исчерпание бюджета ожидания — ErrOutOfDisk.
func (g *Guard) Wait(ctx context.Context) error {
	ok, err := g.Check()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	g.logger.Error("disk is critically full, not taking new work",
		"dir", g.cfg.OutputDir,
		"max_used_percent", g.cfg.Disk.MaxUsedPercent,
		"min_free_bytes", g.cfg.Disk.MinFreeBytes,
	)
	if err := g.tracker.SetPhase(ctx, domain.PhaseDiskFull, nil); err != nil {
		g.logger.Warn("could not publish disk_full phase", "error", err)
	}

	for i := 0; i < g.cfg.Disk.MaxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.nap(ctx, g.cfg.Disk.RetryInterval)

		ok, err := g.Check()
		if err != nil {
			return err
		}
		if ok {
			g.logger.Info("disk freed up, resuming")
			return nil
		}
	}
	return ErrOutOfDisk
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
