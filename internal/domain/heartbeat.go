package domain

import (
	"time"

	"github.com/google/uuid"
)

// Heartbeat — запись жизненного статуса одного экземпляра оркестратора.
//
// Записи образуют ограниченный backlog: в пределах минимального
// интервала статуса последняя запись хоста перезаписывается на месте,
// иначе добавляется новая. Запись старше порога presumed-dead —
// свидетельство того, что экземпляр умер.
type Heartbeat struct {
	// ID — идентификатор записи.
	ID uuid.UUID `json:"id"`

	// Host — хост экземпляра.
	Host string `json:"host"`

	// PID — pid процесса оркестратора.
	PID int `json:"pid"`

	// Time — время последнего обновления.
	Time time.Time `json:"time"`

	// Phase — фаза жизненного цикла экземпляра.
	Phase Phase `json:"phase"`

	// Fields — произвольные поля прогресса (текущий run, targets,
	// потолки ресурсов, флаги режима).
	Fields map[string]any `json:"fields,omitempty"`
}

// OlderThan проверяет, старше ли heartbeat данного окна на момент now.
func (h *Heartbeat) OlderThan(now time.Time, window time.Duration) bool {
	return h.Time.Before(now.Add(-window))
}
