package infer

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
)

// RawestTarget — самый сырой target. Всегда остаётся производимым,
// даже когда политика сбоев выкосила всё остальное: хоть какой-то
// артефакт run должен получить.
const RawestTarget = "raw_records"

// PatternThreshold — одно правило политики сбоев: glob-шаблон имени
// target и потолок сбоев, после которого target выбрасывается.
type PatternThreshold struct {
	Pattern     string
	MaxFailures int
}

// DefaultFailPolicy — упорядоченная политика выбрасывания targets при
// повторных сбоях. Порядок несёт смысл: для каждого target решает
// первый совпавший шаблон, поэтому специфичные шаблоны идут раньше
// catch-all. Если высокоуровневые данные бьются об edge case,
// промежуточные уровни ещё можно сохранить.
var DefaultFailPolicy = []PatternThreshold{
	{"event*", 2},
	{"corrected_areas", 2},
	{"energy_estimates", 2},
	{"distinct_channels", 2},
	{"*pos*", 3},
	{"individual_peak*", 3},
	{"online_monitor_*v", 3},
	{"peak_*", 4},
	{"online_peak*", 4},
	{"*hit*", 4},
	{"veto_*", 4},
	{"*pulse*", 4},
	{"led_*", 4},
	{"ext_timings_nv", 4},
	{"merged_s2s*", 5},
	{"peak*", 6},
	{"lone_*", 6},
	{"detector_time_*", 6},
	{"*", 7},
}

// Режимы, переопределяющие targets целиком.
var (
	ledModes        = []string{"pmtgain"}
	afterpulseModes = []string{"pmtap"}
	nvRefModes      = []string{"nVeto_LASER_calibration"}
	diagnosticModes = []string{"exttrig", "noise", "mv_diffuserballs", "mv_fibres", "mv_darkrate"}
)

// TargetPlan — итоговый набор выходных данных для одной обработки.
type TargetPlan struct {
	// Targets — основные выходы.
	Targets []string

	// PostProcess — выходы других подсистем, доделываемые после
	// основной обработки.
	PostProcess []string
}

// Targets выводит набор targets для захваченного run: дефолтный набор,
// переопределения по режиму, фильтрация по детекторам и выбрасывание
// по политике сбоев.
type Targets struct {
	cfg    *config.Config
	policy []PatternThreshold
	logger *slog.Logger
}

// NewTargets создаёт новый Targets с политикой по умолчанию.
func NewTargets(cfg *config.Config, logger *slog.Logger) *Targets {
	return &Targets{cfg: cfg, policy: DefaultFailPolicy, logger: logger}
}

// Infer возвращает план targets для run.
//
// Дубликаты в итоговом плане — ошибка конфигурации (ErrDuplicateTargets),
// run фейлится сразу, без особого retry.
func (t *Targets) Infer(run *domain.Run) (TargetPlan, error) {
	targets := append([]string(nil), t.cfg.Targets...)
	postProcess := append([]string(nil), t.cfg.PostProcess...)

	if t.cfg.FixTarget {
		return TargetPlan{Targets: targets, PostProcess: postProcess}, nil
	}

	if n := run.Orch.NFailures; n > 0 {
		targets = Prune(targets, t.policy, n, t.logger)
		postProcess = Prune(postProcess, t.policy, n, t.logger)
	}

	mode := run.Mode
	switch {
	case matchesAny(mode, ledModes):
		targets = []string{"led_calibration"}
		postProcess = []string{RawestTarget}
	case matchesAny(mode, afterpulseModes):
		targets = []string{"afterpulses"}
		postProcess = []string{RawestTarget}
	case matchesAny(mode, nvRefModes):
		targets = []string{"ref_mon_nv"}
		postProcess = []string{RawestTarget}
	case matchesAny(mode, diagnosticModes):
		targets = []string{RawestTarget}
		postProcess = []string{RawestTarget}
	case strings.Contains(mode, "kr83m"):
		// Для Kr-runs добавляем сдвоенный event-уровень поверх обычного.
		if contains(targets, "event_info") || contains(postProcess, "event_info") {
			targets = append(targets, "event_info_double")
		}
	}

	targets, postProcess = t.filterDetectors(run, targets, postProcess)

	if len(targets) == 0 {
		targets = []string{RawestTarget}
	}
	if len(postProcess) == 0 {
		postProcess = []string{RawestTarget}
	}

	for _, set := range [][]string{targets, postProcess} {
		if dup := firstDuplicate(set); dup != "" {
			return TargetPlan{}, fmt.Errorf("%w: %q in %v", ErrDuplicateTargets, dup, set)
		}
	}

	return TargetPlan{Targets: targets, PostProcess: postProcess}, nil
}

// filterDetectors выравнивает план с детекторами run: targets
// отсутствующих подсистем не производятся.
func (t *Targets) filterDetectors(run *domain.Run, targets, postProcess []string) ([]string, []string) {
	if !run.HasDetector("tpc") {
		// Только вето-подсистемы: оставляем targets присутствующих вето.
		var keep []string
		if run.HasDetector("neutron_veto") {
			keep = append(keep, "_nv")
		}
		if run.HasDetector("muon_veto") {
			keep = append(keep, "_mv")
		}
		return keepSuffixes(targets, keep), keepSuffixes(postProcess, keep)
	}

	for det, suffix := range map[string]string{
		"neutron_veto": "_nv",
		"muon_veto":    "_mv",
	} {
		if !run.HasDetector(det) {
			targets = dropSuffix(targets, suffix)
			postProcess = dropSuffix(postProcess, suffix)
		}
	}
	if len(run.Detectors) > 1 {
		t.logger.Info("linked mode",
			"run", run.Number,
			"detectors", run.Detectors,
			"targets", targets,
			"post_process", postProcess,
		)
	}
	return targets, postProcess
}

// Prune применяет политику сбоев к списку targets: target выбрасывается,
// если первый совпавший с ним шаблон уже превышен по числу сбоев.
// Пустой результат заменяется на самый сырой target, поэтому Prune
// идемпотентен и никогда не возвращает пустой список.
func Prune(targets []string, policy []PatternThreshold, nFails int, logger *slog.Logger) []string {
	kept := make([]string, 0, len(targets))
	for _, target := range targets {
		drop := false
		for _, pt := range policy {
			ok, err := path.Match(pt.Pattern, target)
			if err != nil || !ok {
				continue
			}
			if nFails > pt.MaxFailures {
				drop = true
				if logger != nil {
					logger.Warn("dropping target after failures",
						"target", target, "n_failures", nFails, "threshold", pt.MaxFailures)
				}
			}
			break
		}
		if !drop {
			kept = append(kept, target)
		}
	}
	if len(kept) == 0 {
		kept = []string{RawestTarget}
	}
	return kept
}

func matchesAny(mode string, candidates []string) bool {
	for _, c := range candidates {
		if strings.Contains(mode, c) {
			return true
		}
	}
	return false
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

func firstDuplicate(set []string) string {
	seen := make(map[string]bool, len(set))
	for _, s := range set {
		if seen[s] {
			return s
		}
		seen[s] = true
	}
	return ""
}

// dropSuffix выбрасывает targets с данным суффиксом подсистемы.
func dropSuffix(targets []string, suffix string) []string {
	var kept []string
	for _, t := range targets {
		if !strings.HasSuffix(t, suffix) {
			kept = append(kept, t)
		}
	}
	return kept
}

// keepSuffixes оставляет только targets перечисленных подсистем.
// Если не осталось ничего — самый сырой target.
func keepSuffixes(targets []string, suffixes []string) []string {
	var kept []string
	for _, t := range targets {
		for _, s := range suffixes {
			if strings.HasSuffix(t, s) {
				kept = append(kept, t)
				break
			}
		}
	}
	if len(kept) == 0 {
		kept = []string{RawestTarget}
	}
	return kept
}
