package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики управляющего цикла. Регистрируются в default registry,
// отдаются через /metrics в cmd/kiln.
var (
	// ClaimsTotal — количество успешных claim по типу фильтра (new/retry/sweep).
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_claims_total",
		Help: "Runs claimed by this instance, by claim kind",
	}, []string{"kind"})

	// RunsDoneTotal — количество успешно обработанных runs.
	RunsDoneTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_runs_done_total",
		Help: "Runs processed and validated successfully",
	})

	// RunsFailedTotal — количество неудачных обработок по причине.
	RunsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_runs_failed_total",
		Help: "Run processing failures, by reason class",
	}, []string{"reason"})

	// ChildKillsTotal — количество принудительных остановок compute job.
	ChildKillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_child_kills_total",
		Help: "Compute jobs killed by the supervisor",
	})

	// DiskUsedPercent — текущая заполненность диска с выходными данными.
	DiskUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_disk_used_percent",
		Help: "Used fraction of the output volume",
	})

	// HeartbeatsTotal — количество опубликованных heartbeat записей.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_heartbeats_total",
		Help: "Heartbeat documents written to the registry",
	})
)
