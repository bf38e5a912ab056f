package domain

// State — состояние оркестрации run.
//
// Жизненный цикл:
//
//	unclaimed → considering → busy → done
//	                               ↘ failed → considering (retry)
//	                                        ↘ abandoned (terminal)
//
// В abandoned run может попасть и напрямую (ручная команда оператора
// или тег "abandon"). done — терминальное состояние, если оператор
// не откроет run заново внешними средствами.
type State string

const (
	// StateUnclaimed — run ещё не видел ни один оркестратор (NULL в реестре).
	StateUnclaimed State = ""

	// StateConsidering — run атомарно захвачен, идёт подготовка к обработке.
	StateConsidering State = "considering"

	// StateBusy — compute job запущен, run обрабатывается.
	StateBusy State = "busy"

	// StateDone — run обработан и прошёл валидацию.
	StateDone State = "done"

	// StateFailed — обработка не удалась, run ждёт retry.
	StateFailed State = "failed"

	// StateAbandoned — run признан безнадёжным, retry не будет.
	StateAbandoned State = "abandoned"
)

// IsTerminal возвращает true, если состояние финальное.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateAbandoned:
		return true
	default:
		return false
	}
}

// Phase — фаза жизненного цикла экземпляра оркестратора в heartbeat.
type Phase string

const (
	// PhaseStarting — экземпляр запустился и регистрируется.
	PhaseStarting Phase = "starting"

	// PhaseBusy — экземпляр обрабатывает run или ищет работу.
	PhaseBusy Phase = "busy"

	// PhaseIdle — работы нет, экземпляр спит между опросами.
	PhaseIdle Phase = "idle"

	// PhaseDiskFull — локальный диск переполнен, новые runs не захватываются.
	PhaseDiskFull Phase = "disk_full"

	// PhaseDead — heartbeat протух, экземпляр считается мёртвым.
	PhaseDead Phase = "dead"
)
