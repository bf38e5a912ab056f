package controller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
)

func testController(hostname string) (*Controller, *config.Config) {
	cfg := config.Default(hostname, 1)
	c := New(Config{Cfg: &cfg})
	return c, &cfg
}

func TestIsPrimary(t *testing.T) {
	cases := []struct {
		hostname string
		want     bool
	}{
		{"eb3", true},
		{"eb4.xenon.local", true},
		{"eb1", false},
		{"eb6", false},
	}
	for _, c := range cases {
		ctrl, _ := testController(c.hostname)
		if got := ctrl.isPrimary(); got != c.want {
			t.Errorf("%s: isPrimary = %v, want %v", c.hostname, got, c.want)
		}
	}
}

func TestFindLiveDataPrefersRegisteredArtifact(t *testing.T) {
	ctrl, cfg := testController("eb3")
	cfg.Production = true

	run := &domain.Run{
		Number: 42,
		Data:   []domain.Artifact{{Type: "live", Host: "eb3", Location: "/live_data/kiln/000042"}},
	}
	dir, err := ctrl.findLiveData(run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir != "/live_data/kiln/000042" {
		t.Errorf("live dir = %s, want registered location", dir)
	}
}

func TestFindLiveDataRejectsForeignHostInProduction(t *testing.T) {
	ctrl, cfg := testController("eb3")
	cfg.Production = true

	run := &domain.Run{
		Number: 42,
		Data:   []domain.Artifact{{Type: "live", Host: "eb4", Location: "/live_data/kiln/000042"}},
	}
	if _, err := ctrl.findLiveData(run); err == nil {
		t.Error("expected an error for live data registered on another host")
	}
}

func TestFindLiveDataSearchesKnownDirs(t *testing.T) {
	ctrl, cfg := testController("eb3")
	sandbox := t.TempDir()
	cfg.LiveDataDirs = []string{sandbox}

	if _, err := ctrl.findLiveData(&domain.Run{Number: 42}); err == nil {
		t.Error("expected an error when no live data exists")
	}

	if err := os.MkdirAll(filepath.Join(sandbox, "000042"), 0o755); err != nil {
		t.Fatal(err)
	}
	dir, err := ctrl.findLiveData(&domain.Run{Number: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir != filepath.Join(sandbox, "000042") {
		t.Errorf("live dir = %s, want sandbox path", dir)
	}
}
