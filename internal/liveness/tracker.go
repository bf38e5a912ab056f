package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
	"github.com/shaiso/Kiln/internal/registry"
	"github.com/shaiso/Kiln/internal/telemetry"
)

// Tracker публикует heartbeat этого экземпляра и отвечает на вопрос,
// жив ли другой хост. Вся координация идёт через реестр: экземпляры
// не обмениваются сообщениями напрямую.
type Tracker struct {
	cfg    *config.Config
	beats  *registry.HeartbeatRepo
	logger *slog.Logger

	mu     sync.Mutex
	phase  domain.Phase
	fields map[string]any
}

// NewTracker создаёт Tracker, стартующий в фазе starting.
func NewTracker(cfg *config.Config, beats *registry.HeartbeatRepo, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg,
		beats:  beats,
		logger: logger,
		phase:  domain.PhaseStarting,
	}
}

// SetPhase меняет фазу экземпляра и сразу публикует heartbeat.
// fields заменяют поля прогресса целиком; nil оставляет прежние.
func (t *Tracker) SetPhase(ctx context.Context, phase domain.Phase, fields map[string]any) error {
	t.mu.Lock()
	t.phase = phase
	if fields != nil {
		t.fields = fields
	}
	t.mu.Unlock()
	return t.Beat(ctx)
}

// Beat публикует heartbeat с текущей фазой и полями прогресса.
// Записи в пределах минимального интервала статуса коалесцируются
// на стороне репозитория, так что Beat можно звать из каждого витка
// цикла опроса.
func (t *Tracker) Beat(ctx context.Context) error {
	t.mu.Lock()
	hb := &domain.Heartbeat{
		Host:   t.cfg.Hostname,
		PID:    t.cfg.PID,
		Time:   time.Now().UTC(),
		Phase:  t.phase,
		Fields: t.fields,
	}
	t.mu.Unlock()

	_, err := t.beats.Publish(ctx, hb, t.cfg.Timeouts.MinStatusInterval)
	if err != nil {
		return err
	}
	telemetry.HeartbeatsTotal.Inc()
	return nil
}

// Phase возвращает текущую фазу экземпляра.
func (t *Tracker) Phase() domain.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// IsHostAlive проверяет, слышен ли хост в пределах окна presumed-dead.
func (t *Tracker) IsHostAlive(ctx context.Context, host string) (bool, error) {
	return t.beats.IsHostAlive(ctx, host, t.cfg.Timeouts.PresumedDead)
}

// EnsureSingleInstance убивает другие экземпляры оркестратора на этом
// хосте. На одном хосте должен жить ровно один: два экземпляра будут
// драться за диск и за live-данные.
//
// Ищем дважды: по heartbeat-записям других pid этого хоста и по
// таблице процессов. Умершие heartbeat-записи помечаются dead.
func (t *Tracker) EnsureSingleInstance(ctx context.Context) error {
	others, err := t.beats.OthersOnHost(ctx, t.cfg.Hostname, t.cfg.PID)
	if err != nil {
		return err
	}
	for i := range others {
		hb := &others[i]
		if hb.Phase == domain.PhaseDead {
			continue
		}
		t.logger.Warn("found stale instance heartbeat, killing",
			"pid", hb.PID, "phase", hb.Phase, "last_seen", hb.Time)
		if err := KillTree(ctx, int32(hb.PID), t.cfg.Timeouts.SignalEscalate, t.logger); err != nil {
			t.logger.Warn("could not kill stale instance", "pid", hb.PID, "error", err)
		}
		if err := t.beats.MarkDead(ctx, hb.ID); err != nil {
			return err
		}
	}

	pids, err := FindSiblings(ctx, t.cfg.PID)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		t.logger.Warn("found sibling orchestrator process, killing", "pid", pid)
		if err := KillTree(ctx, pid, t.cfg.Timeouts.SignalEscalate, t.logger); err != nil {
			t.logger.Warn("could not kill sibling", "pid", pid, "error", err)
		}
	}
	return nil
}
