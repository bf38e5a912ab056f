package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
	"github.com/shaiso/Kiln/internal/telemetry"
)

// rawVariants — варианты сырого артефакта в порядке приоритета.
// Берётся первый, у которого записаны chunks: у вето-only runs
// основного raw_records не бывает.
var rawVariants = []string{"raw_records", "raw_records_he", "raw_records_mv", "raw_records_nv"}

// CoverageTolerance — допустимое расхождение покрытия chunks с
// длительностью run.
const CoverageTolerance = 5 * time.Second

// ChunkMeta — запись одного chunk в метаданных артефакта.
type ChunkMeta struct {
	// Start, End — покрытый интервал, наносекунды unix.
	Start int64 `json:"start"`
	End   int64 `json:"end"`

	// N — число записей в chunk.
	N int64 `json:"n"`

	// Filesize — размер файла chunk в байтах.
	Filesize int64 `json:"filesize"`

	Filename string `json:"filename,omitempty"`
}

// ArtifactMeta — метаданные одного артефакта, пишутся compute job
// рядом с данными.
type ArtifactMeta struct {
	Target string      `json:"target"`
	Chunks []ChunkMeta `json:"chunks"`
}

// endTimeSource — откуда берётся свежий end run (реестр мог обновиться
// за время обработки).
type endTimeSource interface {
	EndTime(ctx context.Context, id uuid.UUID) (*time.Time, error)
}

// Validator проверяет результат успешно завершившегося compute job,
// прежде чем run станет done. Любая проверка — потенциальная причина
// сбоя: лучше failed с понятной причиной, чем done с дырявыми данными.
type Validator struct {
	cfg    *config.Config
	runs   endTimeSource
	logger *slog.Logger

	// nap подменяется в тестах.
	nap func(time.Duration)
}

// New создаёт Validator.
func New(cfg *config.Config, runs endTimeSource, logger *slog.Logger) *Validator {
	return &Validator{cfg: cfg, runs: runs, logger: logger, nap: time.Sleep}
}

// Validate проверяет выход обработки run в outputDir.
// nil — можно объявлять done; ошибка — причина для failed.
func (v *Validator) Validate(ctx context.Context, run *domain.Run, outputDir string) error {
	logger := telemetry.WithRun(v.logger, run.Number)
	if v.cfg.IgnoreChecks {
		logger.Error("RESULT VALIDATION IS DISABLED, declaring the run done unchecked")
		return nil
	}

	// Job дописывает и переименовывает датасеты ещё немного после
	// выхода; ждём, пока пыль осядет.
	v.waitSettled(outputDir)

	meta, err := findRawMetadata(outputDir, run.Number)
	if err != nil {
		return err
	}
	logger.Debug("validating raw artifact", "target", meta.Target, "chunks", len(meta.Chunks))

	for _, c := range meta.Chunks {
		if c.N > 0 && c.Filesize <= 0 {
			return fmt.Errorf("%w: chunk %s has %d records but no file size",
				ErrChunkNotWritten, c.Filename, c.N)
		}
	}

	end, err := v.runs.EndTime(ctx, run.ID)
	if err != nil {
		return err
	}
	if end == nil {
		return ErrRunStillOpen
	}

	if err := CheckCoverage(meta.Chunks, end.Sub(run.Start), CoverageTolerance); err != nil {
		return err
	}

	return v.checkArtifactsOnDisk(run)
}

// CheckCoverage сравнивает покрытие chunks с длительностью run.
func CheckCoverage(chunks []ChunkMeta, duration, tolerance time.Duration) error {
	if len(chunks) == 0 {
		return ErrNoChunks
	}
	minStart, maxEnd := chunks[0].Start, chunks[0].End
	for _, c := range chunks[1:] {
		if c.Start < minStart {
			minStart = c.Start
		}
		if c.End > maxEnd {
			maxEnd = c.End
		}
	}

	covered := time.Duration(maxEnd - minStart)
	if covered <= 0 || math.IsInf(float64(covered), 0) {
		return fmt.Errorf("%w: covered %v", ErrCoverage, covered)
	}
	if diff := (covered - duration).Abs(); diff > tolerance {
		return fmt.Errorf("%w: chunks cover %v, run lasted %v", ErrCoverage, covered, duration)
	}
	return nil
}

// checkArtifactsOnDisk проверяет, что каждый зарегистрированный на
// этом хосте артефакт действительно лежит на диске. Переименования
// могут ещё идти, ждём ограниченно.
func (v *Validator) checkArtifactsOnDisk(run *domain.Run) error {
	deadline := time.Now().Add(v.cfg.Timeouts.SaveWaitMax)
	for _, a := range run.ArtifactsOn(v.cfg.Hostname) {
		if a.Type == "live" {
			continue
		}
		for {
			if _, err := os.Stat(a.Location); err == nil {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: %s at %s", ErrArtifactMissing, a.Type, a.Location)
			}
			v.nap(v.cfg.Timeouts.SaveWaitCycle)
		}
	}
	return nil
}

// waitSettled ждёт, пока под dir не останется временных датасетов.
func (v *Validator) waitSettled(dir string) {
	deadline := time.Now().Add(v.cfg.Timeouts.SaveWaitMax)
	for time.Now().Before(deadline) {
		if !hasTempEntries(dir) {
			return
		}
		v.nap(v.cfg.Timeouts.SaveWaitCycle)
	}
	v.logger.Warn("temporary datasets did not settle in time", "dir", dir)
}

func hasTempEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_temp") {
			return true
		}
	}
	return false
}

// findRawMetadata ищет метаданные сырого артефакта, перебирая
// варианты по приоритету до первого с непустыми chunks.
func findRawMetadata(outputDir string, number int64) (*ArtifactMeta, error) {
	for _, variant := range rawVariants {
		path := filepath.Join(outputDir,
			fmt.Sprintf("%s-%s", telemetry.RunID(number), variant), "metadata.json")
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta ArtifactMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if meta.Target == "" {
			meta.Target = variant
		}
		if len(meta.Chunks) > 0 {
			return &meta, nil
		}
	}
	return nil, ErrNoChunks
}
