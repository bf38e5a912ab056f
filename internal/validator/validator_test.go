package validator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
)

type fakeEndTimes struct {
	end *time.Time
	err error
}

func (f *fakeEndTimes) EndTime(context.Context, uuid.UUID) (*time.Time, error) {
	return f.end, f.err
}

func testValidator(t *testing.T, ends *fakeEndTimes) *Validator {
	t.Helper()
	cfg := config.Default("eb3", 1)
	cfg.Timeouts.SaveWaitMax = 100 * time.Millisecond
	cfg.Timeouts.SaveWaitCycle = 10 * time.Millisecond
	v := New(&cfg, ends, slog.Default())
	v.nap = func(time.Duration) {}
	return v
}

func writeMetadata(t *testing.T, dir string, number, variant string, meta ArtifactMeta) {
	t.Helper()
	dsDir := filepath.Join(dir, number+"-"+variant)
	if err := os.MkdirAll(dsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dsDir, "metadata.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckCoverageExact(t *testing.T) {
	chunks := []ChunkMeta{{Start: 0, End: 100, N: 1, Filesize: 10}}
	if err := CheckCoverage(chunks, 100, 0); err != nil {
		t.Errorf("exact coverage rejected: %v", err)
	}
}

func TestCheckCoverageMismatch(t *testing.T) {
	chunks := []ChunkMeta{{Start: 0, End: 50, N: 1, Filesize: 10}}
	err := CheckCoverage(chunks, 100, 5)
	if !errors.Is(err, ErrCoverage) {
		t.Errorf("err = %v, want ErrCoverage", err)
	}
}

func TestCheckCoverageWithinTolerance(t *testing.T) {
	chunks := []ChunkMeta{
		{Start: 0, End: int64(60 * time.Second)},
		{Start: int64(60 * time.Second), End: int64(118 * time.Second)},
	}
	if err := CheckCoverage(chunks, 120*time.Second, CoverageTolerance); err != nil {
		t.Errorf("coverage within tolerance rejected: %v", err)
	}
}

func TestCheckCoverageEmpty(t *testing.T) {
	if err := CheckCoverage(nil, 100, 5); !errors.Is(err, ErrNoChunks) {
		t.Errorf("err = %v, want ErrNoChunks", err)
	}
}

func TestFindRawMetadataVariantPriority(t *testing.T) {
	dir := t.TempDir()
	// The main raw artifact has no chunks (veto-only run); the nv
	// variant does and must be picked.
	writeMetadata(t, dir, "000042", "raw_records", ArtifactMeta{})
	writeMetadata(t, dir, "000042", "raw_records_nv", ArtifactMeta{
		Chunks: []ChunkMeta{{Start: 0, End: 1, N: 1, Filesize: 1}},
	})

	meta, err := findRawMetadata(dir, 42)
	if err != nil {
		t.Fatalf("findRawMetadata: %v", err)
	}
	if meta.Target != "raw_records_nv" {
		t.Errorf("target = %s, want raw_records_nv", meta.Target)
	}
}

func TestFindRawMetadataMissing(t *testing.T) {
	_, err := findRawMetadata(t.TempDir(), 42)
	if !errors.Is(err, ErrNoChunks) {
		t.Errorf("err = %v, want ErrNoChunks", err)
	}
}

func TestValidateAcceptsGoodRun(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Add(-2 * time.Minute)
	end := start.Add(100 * time.Second)
	run := &domain.Run{ID: uuid.New(), Number: 42, Start: start, End: &end}

	writeMetadata(t, dir, "000042", "raw_records", ArtifactMeta{
		Chunks: []ChunkMeta{{Start: 0, End: int64(100 * time.Second), N: 5, Filesize: 100}},
	})

	v := testValidator(t, &fakeEndTimes{end: &end})
	if err := v.Validate(context.Background(), run, dir); err != nil {
		t.Errorf("good run rejected: %v", err)
	}
}

func TestValidateRejectsOpenRun(t *testing.T) {
	dir := t.TempDir()
	run := &domain.Run{ID: uuid.New(), Number: 42, Start: time.Now()}

	writeMetadata(t, dir, "000042", "raw_records", ArtifactMeta{
		Chunks: []ChunkMeta{{Start: 0, End: 1, N: 1, Filesize: 1}},
	})

	v := testValidator(t, &fakeEndTimes{end: nil})
	if err := v.Validate(context.Background(), run, dir); !errors.Is(err, ErrRunStillOpen) {
		t.Errorf("err = %v, want ErrRunStillOpen", err)
	}
}

func TestValidateRejectsUnwrittenChunk(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Add(-2 * time.Minute)
	end := start.Add(100 * time.Second)
	run := &domain.Run{ID: uuid.New(), Number: 42, Start: start, End: &end}

	writeMetadata(t, dir, "000042", "raw_records", ArtifactMeta{
		Chunks: []ChunkMeta{{Start: 0, End: 1, N: 100, Filesize: 0}},
	})

	v := testValidator(t, &fakeEndTimes{end: &end})
	if err := v.Validate(context.Background(), run, dir); !errors.Is(err, ErrChunkNotWritten) {
		t.Errorf("err = %v, want ErrChunkNotWritten", err)
	}
}

func TestValidateRejectsMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Add(-2 * time.Minute)
	end := start.Add(100 * time.Second)
	run := &domain.Run{
		ID: uuid.New(), Number: 42, Start: start, End: &end,
		Data: []domain.Artifact{{Type: "event_info", Host: "eb3", Location: filepath.Join(dir, "missing")}},
	}

	writeMetadata(t, dir, "000042", "raw_records", ArtifactMeta{
		Chunks: []ChunkMeta{{Start: 0, End: int64(100 * time.Second), N: 5, Filesize: 100}},
	})

	v := testValidator(t, &fakeEndTimes{end: &end})
	if err := v.Validate(context.Background(), run, dir); !errors.Is(err, ErrArtifactMissing) {
		t.Errorf("err = %v, want ErrArtifactMissing", err)
	}
}

func TestValidateIgnoreChecksBypass(t *testing.T) {
	v := testValidator(t, &fakeEndTimes{})
	v.cfg.IgnoreChecks = true

	run := &domain.Run{ID: uuid.New(), Number: 42, Start: time.Now()}
	if err := v.Validate(context.Background(), run, t.TempDir()); err != nil {
		t.Errorf("bypass still validated: %v", err)
	}
}
