package controller

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

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Kiln/internal/cleanup"
	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/diskguard"
	"github.com/shaiso/Kiln/internal/domain"
	"github.com/shaiso/Kiln/internal/infer"
	"github.com/shaiso/Kiln/internal/liveness"
	"github.com/shaiso/Kiln/internal/registry"
	"github.com/shaiso/Kiln/internal/supervisor"
	"github.com/shaiso/Kiln/internal/telemetry"
	"github.com/shaiso/Kiln/internal/validator"
)

// sweepSchedule — расписание фоновых sweep-проходов. Частота проходов
// дополнительно ограничена CleanupSpacing внутри Cleaner.
const sweepSchedule = "@every 1m"

// undyingNap — пауза перед перезапуском цикла в режиме undying.
const undyingNap = 30 * time.Second

// Events получает события жизненного цикла, которые переходят через
// controller. Реализуется mq.Publisher; nil — события выключены.
type Events interface {
	RunClaimed(ctx context.Context, run *domain.Run, targets []string) error
	RunDone(ctx context.Context, run *domain.Run) error
}

// Controller — однопоточный управляющий цикл оркестратора: захват
// runs, конвейер обработки, interleaved cleanup и disk guard.
type Controller struct {
	cfg      *config.Config
	runs     *registry.RunRepo
	tracker  *liveness.Tracker
	guard    *diskguard.Guard
	targets  *infer.Targets
	inferrer *infer.Inferrer
	super    *supervisor.Supervisor
	valid    *validator.Validator
	cleaner  *cleanup.Cleaner
	events   Events
	logger   *slog.Logger

	// Фоновое удаление live-данных: явный handle, цикл дожидается
	// его перед выходом.
	liveCh chan *domain.Run
	liveWG sync.WaitGroup
}

// Config — зависимости Controller.
type Config struct {
	Cfg      *config.Config
	Runs     *registry.RunRepo
	Tracker  *liveness.Tracker
	Guard    *diskguard.Guard
	Targets  *infer.Targets
	Inferrer *infer.Inferrer
	Super    *supervisor.Supervisor
	Valid    *validator.Validator
	Cleaner  *cleanup.Cleaner
	Events   Events
	Logger   *slog.Logger
}

// New создаёт Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg.Cfg,
		runs:     cfg.Runs,
		tracker:  cfg.Tracker,
		guard:    cfg.Guard,
		targets:  cfg.Targets,
		inferrer: cfg.Inferrer,
		super:    cfg.Super,
		valid:    cfg.Valid,
		cleaner:  cfg.Cleaner,
		events:   cfg.Events,
		logger:   logger,
	}
}

// RunForever крутит Loop до отмены контекста. В режиме undying
// фатальная ошибка цикла логируется и цикл перезапускается после
// паузы; иначе она возвращается наверх.
func (c *Controller) RunForever(ctx context.Context) error {
	for {
		err := c.Loop(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if !c.cfg.Undying {
			return err
		}
		c.logger.Error("control loop died, resurrecting", "error", err, "nap", undyingNap)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(undyingNap):
		}
	}
}

// Loop — главный цикл: стартовая уборка, затем до отмены контекста —
// disk guard, захват, обработка, idle. В dry-run режиме цикл
// завершается, когда реестр пройден насквозь.
func (c *Controller) Loop(ctx context.Context) error {
	if err := c.startup(ctx); err != nil {
		return err
	}

	cr := cron.New()
	if _, err := cr.AddFunc(sweepSchedule, func() { c.cleaner.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	cr.Start()
	defer func() {
		<-cr.Stop().Done()
	}()

	c.liveCh = make(chan *domain.Run, 16)
	c.liveWG.Add(1)
	go c.liveDeleter(ctx)
	defer func() {
		close(c.liveCh)
		c.liveWG.Wait()
	}()

	for ctx.Err() == nil {
		if err := c.guard.Wait(ctx); err != nil {
			return err
		}

		run, err := c.claimWork(ctx)
		switch {
		case errors.Is(err, registry.ErrNoEligibleRun):
			if c.runs.ReadOnly() {
				c.logger.Info("dry run exhausted the registry, stopping")
				return nil
			}
			if err := c.tracker.SetPhase(ctx, domain.PhaseIdle, map[string]any{}); err != nil {
				c.logger.Warn("could not publish idle phase", "error", err)
			}
			c.nap(ctx, c.cfg.Timeouts.IdleNap)
			continue
		case err != nil:
			c.logger.Error("claim failed", "error", err)
			c.nap(ctx, c.cfg.Timeouts.IdleNap)
			continue
		}

		c.process(ctx, run)
	}
	return nil
}

// startup — действия перед первым витком: единственность экземпляра,
// фаза starting, один sweep сразу.
func (c *Controller) startup(ctx context.Context) error {
	if err := c.tracker.EnsureSingleInstance(ctx); err != nil {
		return fmt.Errorf("ensure single instance: %w", err)
	}
	if err := c.tracker.SetPhase(ctx, domain.PhaseStarting, map[string]any{
		"production":   c.cfg.Production,
		"infer_mode":   c.cfg.InferMode,
		"max_cores":    c.cfg.Cores,
		"max_messages": c.cfg.MaxMessages,
		"targets":      c.cfg.Targets,
	}); err != nil {
		return fmt.Errorf("publish starting phase: %w", err)
	}
	c.cleaner.Sweep(ctx)
	return nil
}

// claimWork захватывает следующий run: сначала свежий, потом failed
// с наступившим retry. Вспомогательный ярус берёт TPC runs только
// когда основной не справляется.
func (c *Controller) claimWork(ctx context.Context) (*domain.Run, error) {
	var run *domain.Run
	var err error

	if c.isPrimary() {
		run, err = c.runs.ClaimNew(ctx)
	} else {
		run, err = c.claimAsHelper(ctx)
	}
	if err == nil {
		telemetry.ClaimsTotal.WithLabelValues("new").Inc()
		return run, nil
	}
	if !errors.Is(err, registry.ErrNoEligibleRun) {
		return nil, err
	}

	run, err = c.runs.ClaimRetry(ctx, c.cfg.MaxRetries)
	if err == nil {
		telemetry.ClaimsTotal.WithLabelValues("retry").Inc()
	}
	return run, err
}

// claimAsHelper — захват для хоста вспомогательного яруса: вето-only
// runs всегда; остальные — если очередь необработанных выросла или
// основной ярус слишком давно занят.
func (c *Controller) claimAsHelper(ctx context.Context) (*domain.Run, error) {
	run, err := c.runs.ClaimNewVetoOnly(ctx)
	if !errors.Is(err, registry.ErrNoEligibleRun) {
		return run, err
	}

	queued, err := c.runs.CountUnclaimed(ctx)
	if err != nil {
		return nil, err
	}
	if queued > c.cfg.MaxQueueNewRuns {
		c.logger.Info("queue is backing up, helper tier stepping in", "queued", queued)
		return c.runs.ClaimNew(ctx)
	}

	cutoff := time.Now().UTC().Add(-c.cfg.Timeouts.HelperMaxBusy)
	for _, host := range c.cfg.PrimaryHosts {
		busy, err := c.runs.HasBusySince(ctx, host, cutoff)
		if err != nil {
			return nil, err
		}
		if !busy {
			return nil, registry.ErrNoEligibleRun
		}
	}
	c.logger.Info("primary tier is saturated, helper tier stepping in")
	return c.runs.ClaimNew(ctx)
}

func (c *Controller) isPrimary() bool {
	short, _, _ := strings.Cut(c.cfg.Hostname, ".")
	for _, h := range c.cfg.PrimaryHosts {
		if short == h {
			return true
		}
	}
	return false
}

// process — конвейер одного run: план targets, ресурсы, busy,
// supervision, валидация, done либо failed.
func (c *Controller) process(ctx context.Context, run *domain.Run) {
	logger := telemetry.WithRun(c.logger, run.Number)
	logger.Info("claimed run", "mode", run.Mode, "detectors", run.Detectors,
		"n_failures", run.Orch.NFailures, "previous_state", run.Orch.State)

	plan, err := c.targets.Infer(run)
	if err != nil {
		// Дубликаты targets — ошибка конфигурации, не обрабатываем.
		c.fail(ctx, run, "target plan rejected", err)
		return
	}
	res, err := c.inferrer.Infer(ctx, run)
	if err != nil {
		c.fail(ctx, run, "resource inference failed", err)
		return
	}

	started := time.Now().UTC()
	run, err = c.runs.Advance(ctx, run, domain.StateBusy, registry.AdvanceFields{
		Started:   &started,
		Targets:   plan.Targets,
		Resources: &res,
	})
	if err != nil {
		logger.Error("could not advance run to busy", "error", err)
		return
	}
	if err := c.tracker.SetPhase(ctx, domain.PhaseBusy, map[string]any{
		"run":     run.Number,
		"targets": plan.Targets,
		"cores":   res.Cores,
	}); err != nil {
		logger.Warn("could not publish busy phase", "error", err)
	}
	if c.events != nil {
		if err := c.events.RunClaimed(ctx, run, plan.Targets); err != nil {
			logger.Warn("could not publish run.claimed", "error", err)
		}
	}

	liveDir, err := c.findLiveData(run)
	if err != nil {
		c.fail(ctx, run, "live data not found", err)
		return
	}

	outputDir := c.cfg.OutputDir
	if !c.cfg.Production {
		outputDir = config.TestDataDir()
	}

	result, err := c.super.Run(ctx, run, plan, res, liveDir, outputDir)
	if err != nil {
		c.fail(ctx, run, "could not start compute job", err)
		return
	}

	switch result.Outcome {
	case supervisor.OutcomeOK:
		if err := c.valid.Validate(ctx, run, outputDir); err != nil {
			c.fail(ctx, run, "validation failed", err)
			return
		}
		c.finish(ctx, run, logger)

	case supervisor.OutcomeCanceled:
		// Завершаемся; отдаём run другим экземплярам.
		c.fail(ctx, run, "orchestrator was shut down during processing", nil)

	default:
		c.fail(ctx, run, string(result.Outcome), errors.New(result.Reason))
	}
}

// finish объявляет run done и сигналит выгрузке.
func (c *Controller) finish(ctx context.Context, run *domain.Run, logger *slog.Logger) {
	updated, err := c.runs.Advance(ctx, run, domain.StateDone, registry.AdvanceFields{})
	if err != nil {
		logger.Error("could not advance run to done", "error", err)
		return
	}
	telemetry.RunsDoneTotal.Inc()

	if prev, err := c.runs.PromoteStatus(ctx, run.ID); err != nil {
		if errors.Is(err, registry.ErrStatusConflict) {
			logger.Warn("upload status already set elsewhere, leaving it", "status", prev)
		} else {
			logger.Error("could not promote upload status", "error", err)
		}
	}

	logger.Info("run done", "n_failures", updated.Orch.NFailures)
	if c.events != nil {
		if err := c.events.RunDone(ctx, updated); err != nil {
			logger.Warn("could not publish run.done", "error", err)
		}
	}

	if c.cfg.DeleteLive && c.cfg.Production {
		select {
		case c.liveCh <- updated:
		default:
			logger.Warn("live deletion queue is full, skipping this run")
		}
	}
}

func (c *Controller) fail(ctx context.Context, run *domain.Run, reason string, cause error) {
	if err := c.cleaner.FailRun(ctx, run, reason, cause); err != nil {
		telemetry.WithRun(c.logger, run.Number).Error("could not fail run", "error", err)
	}
}

// findLiveData находит live-данные run для этого хоста: сначала по
// зарегистрированному артефакту, затем по известным директориям.
func (c *Controller) findLiveData(run *domain.Run) (string, error) {
	if a := run.LiveArtifact(); a != nil {
		if a.Host == c.cfg.Hostname {
			return a.Location, nil
		}
		if c.cfg.Production {
			return "", fmt.Errorf("live data of run %d lives on %s, not here", run.Number, a.Host)
		}
	}

	name := telemetry.RunID(run.Number)
	for _, dir := range c.cfg.LiveDataDirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no live data for run %d on this host", run.Number)
}

// liveDeleter — фоновое удаление live-данных после успешной обработки.
func (c *Controller) liveDeleter(ctx context.Context) {
	defer c.liveWG.Done()
	for run := range c.liveCh {
		c.deleteLive(ctx, run)
	}
}

// deleteLive удаляет live-данные done run с этого хоста и вычищает
// артефакт из реестра. Удаляем только когда run закончился и done:
// сырые данные — единственная копия до выгрузки.
func (c *Controller) deleteLive(ctx context.Context, run *domain.Run) {
	logger := telemetry.WithRun(c.logger, run.Number)

	a := run.LiveArtifact()
	if a == nil || a.Host != c.cfg.Hostname {
		return
	}
	if run.End == nil || run.Orch.State != domain.StateDone {
		logger.Warn("refusing to delete live data of an unfinished run")
		return
	}

	if err := os.RemoveAll(a.Location); err != nil {
		logger.Error("could not delete live data", "location", a.Location, "error", err)
		return
	}
	if err := c.runs.RemoveArtifact(ctx, run.ID, "live", []string{c.cfg.Hostname}); err != nil {
		logger.Error("could not unregister live data", "error", err)
		return
	}
	logger.Info("live data deleted", "location", a.Location)
}

func (c *Controller) nap(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
