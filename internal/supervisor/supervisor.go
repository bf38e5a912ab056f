package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
	"github.com/shaiso/Kiln/internal/infer"
	"github.com/shaiso/Kiln/internal/liveness"
	"github.com/shaiso/Kiln/internal/telemetry"
)

// Outcome — итог надзора за compute job.
type Outcome string

const (
	// OutcomeOK — job завершился сам с нулевым кодом.
	OutcomeOK Outcome = "ok"

	// OutcomeCrashed — job завершился сам с ненулевым кодом.
	OutcomeCrashed Outcome = "crashed"

	// OutcomeTimeoutKilled — job убит за превышение потолка времени.
	OutcomeTimeoutKilled Outcome = "timeout_killed"

	// OutcomeNoWriteKilled — job убит за молчание на диске.
	OutcomeNoWriteKilled Outcome = "no_write_killed"

	// OutcomeCanceled — надзор прерван снаружи, job убит.
	OutcomeCanceled Outcome = "canceled"
)

// Result — итог одной обработки.
type Result struct {
	Outcome  Outcome
	ExitCode int

	// Reason — человекочитаемая причина не-OK итога: причина убийства
	// либо ошибка, которую job оставил в result-файле.
	Reason string
}

// JobSpec — спецификация compute job, передаётся через JSON-файл.
// Это единственный интерфейс между оркестратором и job: job не
// трогает реестр и не знает про оркестрацию.
type JobSpec struct {
	Number      int64            `json:"number"`
	Name        string           `json:"name,omitempty"`
	LiveDir     string           `json:"live_dir"`
	OutputDir   string           `json:"output_dir"`
	Targets     []string         `json:"targets"`
	PostProcess []string         `json:"post_process"`
	Resources   domain.Resources `json:"resources"`
	DAQConfig   domain.DAQConfig `json:"daq_config"`
	Production  bool             `json:"production"`
}

// Beater публикует heartbeat этого экземпляра. Реализуется
// liveness.Tracker.
type Beater interface {
	Beat(ctx context.Context) error
}

// Toucher — срез реестра, нужный надзору: продление владения busy run
// и свежее время окончания run. Реализуется registry.RunRepo.
type Toucher interface {
	Touch(ctx context.Context, run *domain.Run) error
	EndTime(ctx context.Context, id uuid.UUID) (*time.Time, error)
}

// Supervisor запускает compute job и надзирает за ним до конца:
// heartbeat и продление владения на каждом витке опроса, фатальные
// условия, эскалация убийства. Supervisor не решает, что делать с
// итогом — это дело управляющего цикла.
type Supervisor struct {
	cfg     *config.Config
	tracker Beater
	runs    Toucher
	logger  *slog.Logger

	// now подменяется в тестах.
	now func() time.Time
}

// New создаёт Supervisor.
func New(cfg *config.Config, tracker Beater, runs Toucher, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, tracker: tracker, runs: runs, logger: logger, now: time.Now}
}

// Run выполняет одну обработку: пишет спецификацию job, запускает
// процесс и надзирает до завершения. Ошибка возвращается только при
// невозможности запустить надзор; итог самого job — в Result.
func (s *Supervisor) Run(ctx context.Context, run *domain.Run, plan infer.TargetPlan, res domain.Resources, liveDir, outputDir string) (*Result, error) {
	specPath, err := s.writeSpec(run, plan, res, liveDir, outputDir)
	if err != nil {
		return nil, err
	}
	defer os.Remove(specPath)

	args := append(append([]string(nil), s.cfg.JobCommand[1:]...), "--job", specPath)
	cmd := exec.Command(s.cfg.JobCommand[0], args...)
	stderr := newTailBuffer(4096)
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	logger := telemetry.WithRun(s.logger, run.Number)
	logger.Info("starting compute job",
		"command", s.cfg.JobCommand[0],
		"targets", plan.Targets,
		"cores", res.Cores,
		"max_messages", res.MaxMessages,
		"timeout", res.TimeoutSec,
		"codec", res.Codec,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start compute job: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	started := s.now()
	// Обычно run захватывается, пока он ещё идёт: снимок End на момент
	// захвата почти всегда nil, поэтому конец run перечитывается из
	// реестра на каждом витке опроса.
	runEnd := run.End
	ticker := time.NewTicker(s.cfg.Timeouts.CheckJob)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return s.finish(err, specPath, stderr), nil

		case <-ctx.Done():
			s.kill(ctx, cmd.Process.Pid, logger)
			<-done
			return &Result{Outcome: OutcomeCanceled, Reason: "supervision canceled"}, nil

		case <-ticker.C:
			if err := s.tracker.Beat(ctx); err != nil {
				logger.Warn("heartbeat failed during supervision", "error", err)
			}
			if err := s.runs.Touch(ctx, run); err != nil {
				logger.Warn("could not extend run ownership", "error", err)
			}
			if runEnd == nil {
				if end, err := s.runs.EndTime(ctx, run.ID); err != nil {
					logger.Warn("could not refresh run end time", "error", err)
				} else {
					runEnd = end
				}
			}
			lastWrite := newestWrite(outputDir, telemetry.RunID(run.Number), started)
			if reason := fatalReason(s.now(), started, runEnd, lastWrite, s.cfg.Timeouts); reason != "" {
				logger.Error("killing compute job", "reason", reason)
				s.kill(ctx, cmd.Process.Pid, logger)
				<-done
				outcome := OutcomeTimeoutKilled
				if reason == reasonNoWrite {
					outcome = OutcomeNoWriteKilled
				}
				return &Result{Outcome: outcome, Reason: reason}, nil
			}
		}
	}
}

// finish классифицирует самостоятельное завершение job.
func (s *Supervisor) finish(waitErr error, specPath string, stderr *tailBuffer) *Result {
	if waitErr == nil {
		return &Result{Outcome: OutcomeOK}
	}

	res := &Result{Outcome: OutcomeCrashed, ExitCode: -1}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	}

	// Упавший job оставляет рядом со спецификацией result-файл со
	// своей ошибкой. Если не оставил — берём хвост stderr.
	if reason := readResultFile(specPath + ".result"); reason != "" {
		res.Reason = reason
	} else {
		res.Reason = fmt.Sprintf("exit code %d: %s", res.ExitCode, stderr.String())
	}
	return res
}

func (s *Supervisor) kill(ctx context.Context, pid int, logger *slog.Logger) {
	telemetry.ChildKillsTotal.Inc()
	if err := liveness.KillTree(ctx, int32(pid), s.cfg.Timeouts.SignalEscalate, logger); err != nil {
		logger.Error("could not kill compute job", "pid", pid, "error", err)
	}
}

// writeSpec атомарно пишет спецификацию job: во временный файл,
// затем rename. Job никогда не увидит полуфабрикат.
func (s *Supervisor) writeSpec(run *domain.Run, plan infer.TargetPlan, res domain.Resources, liveDir, outputDir string) (string, error) {
	spec := JobSpec{
		Number:      run.Number,
		Name:        run.Name,
		LiveDir:     liveDir,
		OutputDir:   outputDir,
		Targets:     plan.Targets,
		PostProcess: plan.PostProcess,
		Resources:   res,
		DAQConfig:   run.DAQConfig,
		Production:  s.cfg.Production,
	}
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal job spec: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(outputDir, fmt.Sprintf("job_%s.json", telemetry.RunID(run.Number)))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", fmt.Errorf("write job spec: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish job spec: %w", err)
	}
	return path, nil
}

const (
	reasonMaxProcessing = "processing exceeded the hard time ceiling"
	reasonAfterEnd      = "processing kept going too long after the run ended"
	reasonNoWrite       = "compute job stopped writing output"
)

// fatalReason возвращает причину убийства job или "" если всё в норме.
func fatalReason(now, started time.Time, runEnd *time.Time, lastWrite time.Time, t config.Timeouts) string {
	if now.Sub(started) > t.MaxProcessing {
		return reasonMaxProcessing
	}
	if runEnd != nil && now.Sub(started) > t.MaxProcessingAfterEnd {
		return reasonAfterEnd
	}
	if now.Sub(lastWrite) > t.MaxNoWrite {
		return reasonNoWrite
	}
	return ""
}

// newestWrite возвращает время последней записи в датасеты этого run
// (элементы dir с данным префиксом), но не раньше floor: пока job
// раскачивается, на диске пусто, и это не повод его убивать раньше
// MaxNoWrite от старта.
func newestWrite(dir, prefix string, floor time.Time) time.Time {
	newest := floor
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		_ = filepath.WalkDir(filepath.Join(dir, e.Name()), func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(newest) {
				newest = info.ModTime()
			}
			return nil
		})
	}
	return newest
}

// readResultFile читает причину сбоя, оставленную job.
func readResultFile(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var result struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ""
	}
	return result.Reason
}
