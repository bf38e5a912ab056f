package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
	"github.com/shaiso/Kiln/internal/registry"
	"github.com/shaiso/Kiln/internal/telemetry"
)

// sweepBatch — потолок runs, разгребаемых одним sweep-проходом по
// каждому виду мусора. Остальное доберёт следующий проход.
const sweepBatch = 25

// Notifier получает уведомления о терминальных переходах runs.
// Реализуется mq.Publisher; nil — уведомления выключены.
type Notifier interface {
	RunFailed(ctx context.Context, run *domain.Run, reason string) error
	RunAbandoned(ctx context.Context, run *domain.Run, reason string) error
}

// Cleaner — сбои, retry и разгребание мусора: перевод run в failed
// с backoff, abandon, sweep застрявших состояний и протухших
// heartbeat-записей.
type Cleaner struct {
	cfg    *config.Config
	runs   *registry.RunRepo
	beats  *registry.HeartbeatRepo
	notify Notifier
	logger *slog.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

// New создаёт Cleaner. notify может быть nil.
func New(cfg *config.Config, runs *registry.RunRepo, beats *registry.HeartbeatRepo, notify Notifier, logger *slog.Logger) *Cleaner {
	return &Cleaner{cfg: cfg, runs: runs, beats: beats, notify: notify, logger: logger}
}

// FailRun переводит run в failed: удаляет недописанный вывод этого
// хоста, записывает причину и назначает время retry с экспоненциальным
// backoff. Повторные сбои логируются тише: один упорно падающий run
// не должен заливать журнал.
func (c *Cleaner) FailRun(ctx context.Context, run *domain.Run, reason string, cause error) error {
	logger := telemetry.WithRun(c.logger, run.Number)

	full := reason
	if cause != nil {
		full = fmt.Sprintf("%s: %v", reason, cause)
	}

	if err := c.deleteLocalOutput(ctx, run); err != nil {
		logger.Warn("could not delete partial output", "error", err)
	}

	n := run.Orch.NFailures + 1
	retry := time.Now().UTC().Add(Backoff(c.cfg.Timeouts.RetryBase, n, retryJitter()))

	if _, err := c.runs.Advance(ctx, run, domain.StateFailed, registry.AdvanceFields{
		Reason:    full,
		NextRetry: &retry,
	}); err != nil {
		return fmt.Errorf("fail run %d: %w", run.Number, err)
	}
	telemetry.RunsFailedTotal.WithLabelValues(metricReason(reason)).Inc()

	log := logger.Error
	if run.Orch.NFailures >= backoffCap {
		log = logger.Info
	}
	log("run failed", "reason", full, "n_failures", n, "next_retry", retry)

	if c.notify != nil {
		if err := c.notify.RunFailed(ctx, run, full); err != nil {
			logger.Warn("could not publish run.failed", "error", err)
		}
	}
	return nil
}

// AbandonRun терминально бросает run: вывод этого хоста удаляется,
// retry не будет никогда.
func (c *Cleaner) AbandonRun(ctx context.Context, run *domain.Run, reason string) error {
	logger := telemetry.WithRun(c.logger, run.Number)

	if err := c.deleteLocalOutput(ctx, run); err != nil {
		logger.Warn("could not delete output of abandoned run", "error", err)
	}

	if _, err := c.runs.Advance(ctx, run, domain.StateAbandoned, registry.AdvanceFields{
		Reason: reason,
	}); err != nil {
		return fmt.Errorf("abandon run %d: %w", run.Number, err)
	}
	logger.Warn("run abandoned", "reason", reason)

	if c.notify != nil {
		if err := c.notify.RunAbandoned(ctx, run, reason); err != nil {
			logger.Warn("could not publish run.abandoned", "error", err)
		}
	}
	return nil
}

// deleteLocalOutput удаляет датасеты run под OutputDir и вычищает
// соответствующие артефакты этого хоста из реестра. Идемпотентно:
// нет данных — нет работы.
//
// Если live-данных уже нет (например, удалены после done), сырые
// датасеты не трогаем: обработанный raw — последняя выжившая копия.
func (c *Cleaner) deleteLocalOutput(ctx context.Context, run *domain.Run) error {
	prefix := telemetry.RunID(run.Number) + "-"
	liveGone := run.LiveArtifact() == nil
	entries, err := os.ReadDir(c.cfg.OutputDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if liveGone && strings.HasPrefix(strings.TrimPrefix(e.Name(), prefix), "raw_records") {
			c.logger.Warn("keeping raw dataset, live data is already gone", "dataset", e.Name())
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.cfg.OutputDir, e.Name())); err != nil {
			return err
		}
	}

	for _, a := range run.ArtifactsOn(c.cfg.Hostname) {
		if a.Type == "live" {
			continue
		}
		if liveGone && strings.HasPrefix(a.Type, "raw_records") {
			continue
		}
		if err := c.runs.RemoveArtifact(ctx, run.ID, a.Type, []string{c.cfg.Hostname}); err != nil {
			return err
		}
	}
	return nil
}

// Sweep — один проход разгребания мусора. Проходы ограничены по
// частоте CleanupSpacing, лишние вызовы — no-op: sweep зовётся из
// каждого витка главного цикла.
func (c *Cleaner) Sweep(ctx context.Context) {
	c.mu.Lock()
	if time.Since(c.lastSweep) < c.cfg.Timeouts.CleanupSpacing {
		c.mu.Unlock()
		return
	}
	c.lastSweep = time.Now()
	c.mu.Unlock()

	now := time.Now().UTC()
	c.sweepHeartbeats(ctx, now)
	c.sweepStuck(ctx, domain.StateConsidering, now.Add(-c.cfg.Timeouts.MaxConsidering))
	c.sweepStuck(ctx, domain.StateBusy, now.Add(-c.cfg.Timeouts.MaxBusy))
	c.sweepInconsistentDone(ctx)
	c.sweepAbandonTags(ctx, now)
}

// sweepHeartbeats помечает протухшие heartbeat-записи и подрезает backlog.
func (c *Cleaner) sweepHeartbeats(ctx context.Context, now time.Time) {
	beats, err := c.beats.LatestPerHost(ctx)
	if err != nil {
		c.logger.Warn("sweep: could not list heartbeats", "error", err)
		return
	}
	for i := range beats {
		hb := &beats[i]
		if hb.Phase == domain.PhaseDead || !hb.OlderThan(now, c.cfg.Timeouts.PresumedDead) {
			continue
		}
		c.logger.Warn("instance presumed dead", "host", hb.Host, "last_seen", hb.Time)
		if err := c.beats.MarkDead(ctx, hb.ID); err != nil {
			c.logger.Warn("sweep: could not mark heartbeat dead", "host", hb.Host, "error", err)
		}
	}

	if n, err := c.beats.DeleteOlderThan(ctx, now.Add(-c.cfg.Timeouts.HeartbeatBacklog)); err != nil {
		c.logger.Warn("sweep: could not prune heartbeat backlog", "error", err)
	} else if n > 0 {
		c.logger.Debug("pruned heartbeat backlog", "deleted", n)
	}
}

// sweepStuck фейлит runs, застрявшие в переходном состоянии: их
// владелец умер или потерял их. Виновник называется в причине.
func (c *Cleaner) sweepStuck(ctx context.Context, state domain.State, cutoff time.Time) {
	for i := 0; i < sweepBatch; i++ {
		run, err := c.runs.ClaimStuck(ctx, state, cutoff)
		if errors.Is(err, registry.ErrNoEligibleRun) {
			return
		}
		if err != nil {
			c.logger.Warn("sweep: stuck claim failed", "state", state, "error", err)
			return
		}
		reason := StuckReason(state, run.Orch.Host)
		if err := c.FailRun(ctx, run, reason, nil); err != nil {
			c.logger.Warn("sweep: could not fail stuck run", "run", run.Number, "error", err)
		}
	}
}

// metricReason сворачивает произвольную причину сбоя в ограниченный
// класс для метрики: имена хостов и детали ошибок в label не попадают.
func metricReason(reason string) string {
	classes := []struct{ substr, class string }{
		{"lost this run", "stuck"},
		{"validation", "validation"},
		{"marked done", "inconsistent_done"},
		{"target plan", "bad_target_plan"},
		{"resource inference", "bad_resources"},
		{"live data", "no_live_data"},
		{"compute job", "job_start"},
		{"operator", "operator"},
		{"shut down", "shutdown"},
		{"timeout_killed", "timeout_killed"},
		{"no_write_killed", "no_write_killed"},
		{"crashed", "crashed"},
	}
	for _, c := range classes {
		if strings.Contains(reason, c.substr) {
			return c.class
		}
	}
	return "other"
}

// StuckReason — причина сбоя для run, застрявшего в переходном
// состоянии, с именем последнего владельца.
func StuckReason(state domain.State, host string) string {
	if host == "" {
		host = "unknown host"
	}
	return fmt.Sprintf("%s lost this run while %s", host, state)
}

// sweepInconsistentDone фейлит runs, чьё done внутренне противоречиво.
func (c *Cleaner) sweepInconsistentDone(ctx context.Context) {
	for i := 0; i < sweepBatch; i++ {
		run, err := c.runs.ClaimDoneWithoutEnd(ctx)
		if errors.Is(err, registry.ErrNoEligibleRun) {
			break
		}
		if err != nil {
			c.logger.Warn("sweep: done-without-end claim failed", "error", err)
			break
		}
		if err := c.FailRun(ctx, run, "marked done but the run never ended", nil); err != nil {
			c.logger.Warn("sweep: could not fail run", "run", run.Number, "error", err)
		}
	}

	for i := 0; i < sweepBatch; i++ {
		run, err := c.runs.ClaimDoneWithoutData(ctx)
		if errors.Is(err, registry.ErrNoEligibleRun) {
			break
		}
		if err != nil {
			c.logger.Warn("sweep: done-without-data claim failed", "error", err)
			break
		}
		if err := c.FailRun(ctx, run, "marked done but no processed artifact is registered", nil); err != nil {
			c.logger.Warn("sweep: could not fail run", "run", run.Number, "error", err)
		}
	}
}

// sweepAbandonTags бросает runs с операторским тегом abandon: failed —
// всегда, done — только недавние, старые уже уехали с DAQ.
func (c *Cleaner) sweepAbandonTags(ctx context.Context, now time.Time) {
	for i := 0; i < sweepBatch; i++ {
		run, err := c.runs.ClaimAbandonTaggedFailed(ctx)
		if errors.Is(err, registry.ErrNoEligibleRun) {
			break
		}
		if err != nil {
			c.logger.Warn("sweep: abandon-tag claim failed", "error", err)
			break
		}
		if err := c.AbandonRun(ctx, run, "operator abandon tag"); err != nil {
			c.logger.Warn("sweep: could not abandon run", "run", run.Number, "error", err)
		}
	}

	for i := 0; i < sweepBatch; i++ {
		run, err := c.runs.ClaimAbandonTaggedDone(ctx, now.Add(-c.cfg.Timeouts.AbandoningAllowed))
		if errors.Is(err, registry.ErrNoEligibleRun) {
			break
		}
		if err != nil {
			c.logger.Warn("sweep: abandon-tag claim failed", "error", err)
			break
		}
		if err := c.AbandonRun(ctx, run, "operator abandon tag"); err != nil {
			c.logger.Warn("sweep: could not abandon run", "run", run.Number, "error", err)
		}
	}
}
