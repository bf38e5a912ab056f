package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Kiln/internal/domain"
)

// runColumns — проекция полей run, используемых оркестратором.
const runColumns = `
	id, number, name, mode, detectors, start_time, end_time,
	daq_config, data, rate, tags,
	orch_state, orch_host, orch_pid, orch_time, orch_started,
	orch_n_failures, orch_next_retry, orch_reason, orch_targets, orch_resources`

// RunRepo — репозиторий записей run в общем реестре.
//
// Все переходы в considering выполняются одним атомарным условным
// обновлением (FOR UPDATE SKIP LOCKED + UPDATE ... RETURNING), так что
// два экземпляра, гоняющиеся за одним run, не могут захватить его оба:
// проигравший не видит подходящей записи.
//
// В режиме dry-run (не-production) репозиторий не мутирует реестр:
// claim превращается в обычный SELECT с локальным курсором.
type RunRepo struct {
	pool *pgxpool.Pool

	// host и pid записываются в orch-запись при каждом claim/advance.
	host string
	pid  int

	// readOnly — dry-run режим для локального тестирования.
	readOnly bool

	// cursors — позиция читающего курсора на каждый вид claim
	// в dry-run режиме.
	cursors   map[string]int
	cursorsMu sync.Mutex
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool, host string, pid int, readOnly bool) *RunRepo {
	return &RunRepo{
		pool:     pool,
		host:     host,
		pid:      pid,
		readOnly: readOnly,
		cursors:  make(map[string]int),
	}
}

// ReadOnly возвращает true, если репозиторий в dry-run режиме.
func (r *RunRepo) ReadOnly() bool {
	return r.readOnly
}

// --- Claim ---

// ClaimNew захватывает самый свежий run, который ещё не видел ни один
// оркестратор. Свежие данные важнее разгребания backlog, поэтому
// сортировка по началу run по убыванию.
func (r *RunRepo) ClaimNew(ctx context.Context) (*domain.Run, error) {
	return r.claim(ctx, "new", `orch_state IS NULL`)
}

// ClaimNewVetoOnly захватывает свежий run без TPC в списке детекторов.
// Используется хостами вспомогательного яруса, которым не положено
// брать основные runs, пока справляется основной ярус.
func (r *RunRepo) ClaimNewVetoOnly(ctx context.Context) (*domain.Run, error) {
	return r.claim(ctx, "veto", `orch_state IS NULL AND NOT detectors @> '["tpc"]'::jsonb`)
}

// ClaimRetry захватывает failed run, у которого не исчерпан бюджет
// попыток и наступило время retry.
func (r *RunRepo) ClaimRetry(ctx context.Context, maxFailures int) (*domain.Run, error) {
	return r.claim(ctx, "retry",
		`orch_state = 'failed' AND orch_n_failures < $1 AND orch_next_retry < now()`,
		maxFailures)
}

// ClaimStuck захватывает run, застрявший в данном состоянии дольше
// допустимого (его orch_time старше cutoff).
func (r *RunRepo) ClaimStuck(ctx context.Context, state domain.State, cutoff time.Time) (*domain.Run, error) {
	return r.claim(ctx, "stuck-"+string(state),
		`orch_state = $1 AND orch_time < $2`,
		string(state), cutoff)
}

// ClaimDoneWithoutEnd захватывает run, помеченный done, хотя по реестру
// он ещё не закончился. Такое состояние внутренне противоречиво.
func (r *RunRepo) ClaimDoneWithoutEnd(ctx context.Context) (*domain.Run, error) {
	return r.claim(ctx, "done-no-end", `orch_state = 'done' AND end_time IS NULL`)
}

// ClaimDoneWithoutData захватывает run, помеченный done, хотя ни одного
// обработанного (не-live) артефакта не зарегистрировано.
func (r *RunRepo) ClaimDoneWithoutData(ctx context.Context) (*domain.Run, error) {
	return r.claim(ctx, "done-no-data", `orch_state = 'done' AND NOT EXISTS (
		SELECT 1 FROM jsonb_array_elements(data) e WHERE e->>'type' <> 'live')`)
}

// ClaimAbandonTaggedFailed захватывает failed run с операторским тегом
// "abandon" независимо от бюджета retry.
func (r *RunRepo) ClaimAbandonTaggedFailed(ctx context.Context) (*domain.Run, error) {
	return r.claim(ctx, "abandon-failed",
		`tags @> '[{"name":"abandon"}]'::jsonb AND orch_state = 'failed'`)
}

// ClaimAbandonTaggedDone захватывает недавний done run с тегом "abandon".
// Старые done runs по тегу не трогаем: их уже нет на DAQ.
func (r *RunRepo) ClaimAbandonTaggedDone(ctx context.Context, startedAfter time.Time) (*domain.Run, error) {
	return r.claim(ctx, "abandon-done",
		`tags @> '[{"name":"abandon"}]'::jsonb AND orch_state = 'done' AND start_time > $1`,
		startedAfter)
}

// ClaimByNumber захватывает конкретный run независимо от его состояния.
// Используется командой process для принудительной обработки.
func (r *RunRepo) ClaimByNumber(ctx context.Context, number int64) (*domain.Run, error) {
	return r.claim(ctx, "by-number", `number = $1`, number)
}

// claimedColumns — та же проекция, но из снимка до захвата.
const claimedColumns = `
	claimed.id, claimed.number, claimed.name, claimed.mode, claimed.detectors,
	claimed.start_time, claimed.end_time,
	claimed.daq_config, claimed.data, claimed.rate, claimed.tags,
	claimed.orch_state, claimed.orch_host, claimed.orch_pid, claimed.orch_time,
	claimed.orch_started, claimed.orch_n_failures, claimed.orch_next_retry,
	claimed.orch_reason, claimed.orch_targets, claimed.orch_resources`

// claim — атомарный условный переход одного run в considering
// с записью хоста и времени захвата.
//
// Возвращается снимок run ДО захвата: прежние состояние и хост нужны
// sweep-у, чтобы назвать виновника в причине сбоя.
func (r *RunRepo) claim(ctx context.Context, key, where string, args ...any) (*domain.Run, error) {
	if r.readOnly {
		return r.dryClaim(ctx, key, where, args...)
	}

	n := len(args)
	query := fmt.Sprintf(`
		WITH claimed AS (
			SELECT `+runColumns+`
			FROM runs
			WHERE %s
			ORDER BY start_time DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE runs SET
			orch_state = 'considering',
			orch_host  = $%d,
			orch_pid   = $%d,
			orch_time  = now()
		FROM claimed
		WHERE runs.id = claimed.id
		RETURNING `+claimedColumns, where, n+1, n+2)

	run, err := scanRun(r.pool.QueryRow(ctx, query, append(args, r.host, r.pid)...))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoEligibleRun
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	return run, nil
}

// dryClaim — та же выборка без мутации реестра. Курсор на каждый вид
// claim позволяет в тестовом режиме пройти реестр насквозь, не
// возвращая один и тот же run бесконечно.
func (r *RunRepo) dryClaim(ctx context.Context, key, where string, args ...any) (*domain.Run, error) {
	r.cursorsMu.Lock()
	offset := r.cursors[key]
	r.cursorsMu.Unlock()

	query := fmt.Sprintf(`
		SELECT `+runColumns+`
		FROM runs
		WHERE %s
		ORDER BY start_time DESC
		OFFSET $%d
		LIMIT 1`, where, len(args)+1)

	run, err := scanRun(r.pool.QueryRow(ctx, query, append(args, offset)...))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoEligibleRun
	}
	if err != nil {
		return nil, fmt.Errorf("dry claim %s: %w", key, err)
	}

	r.cursorsMu.Lock()
	r.cursors[key] = offset + 1
	r.cursorsMu.Unlock()

	return run, nil
}

// --- State transitions ---

// AdvanceFields — дополнительные поля, записываемые вместе с переходом.
// Nil-поля оставляют прежние значения.
type AdvanceFields struct {
	Reason    string
	NextRetry *time.Time
	Started   *time.Time
	Targets   []string
	Resources *domain.Resources
}

// Advance переводит run в новое состояние, обновляя телеметрию
// orch-записи. Переход в failed увеличивает счётчик сбоев.
func (r *RunRepo) Advance(ctx context.Context, run *domain.Run, state domain.State, f AdvanceFields) (*domain.Run, error) {
	if r.readOnly {
		return r.GetByID(ctx, run.ID)
	}

	var targetsJSON, resourcesJSON []byte
	var err error
	if f.Targets != nil {
		if targetsJSON, err = json.Marshal(f.Targets); err != nil {
			return nil, fmt.Errorf("marshal targets: %w", err)
		}
	}
	if f.Resources != nil {
		if resourcesJSON, err = json.Marshal(f.Resources); err != nil {
			return nil, fmt.Errorf("marshal resources: %w", err)
		}
	}

	query := `
		UPDATE runs SET
			orch_state      = $2,
			orch_host       = $3,
			orch_pid        = $4,
			orch_time       = now(),
			orch_n_failures = orch_n_failures + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
			orch_reason     = COALESCE($5, orch_reason),
			orch_next_retry = COALESCE($6, orch_next_retry),
			orch_started    = COALESCE($7, orch_started),
			orch_targets    = COALESCE($8, orch_targets),
			orch_resources  = COALESCE($9, orch_resources)
		WHERE id = $1
		RETURNING ` + runColumns

	updated, err := scanRun(r.pool.QueryRow(ctx, query,
		run.ID,
		string(state),
		r.host,
		r.pid,
		nullString(f.Reason),
		f.NextRetry,
		f.Started,
		targetsJSON,
		resourcesJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("advance to %s: %w", state, err)
	}
	return updated, nil
}

// Touch обновляет orch_time busy run: владелец жив, обработка идёт.
// Без этого sweep другого экземпляра посчитает run застрявшим.
func (r *RunRepo) Touch(ctx context.Context, run *domain.Run) error {
	if r.readOnly {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE runs SET orch_time = now()
		WHERE id = $1 AND orch_state = 'busy' AND orch_host = $2`,
		run.ID, r.host)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// --- Queries ---

// GetByID возвращает run по внутреннему идентификатору.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetByNumber возвращает run по номеру.
func (r *RunRepo) GetByNumber(ctx context.Context, number int64) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE number = $1`
	return scanRun(r.pool.QueryRow(ctx, query, number))
}

// EndTime перечитывает из реестра время окончания run.
// Nil, если run ещё не закончился.
func (r *RunRepo) EndTime(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	var end *time.Time
	err := r.pool.QueryRow(ctx, `SELECT end_time FROM runs WHERE id = $1`, id).Scan(&end)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("end time: %w", err)
	}
	return end, nil
}

// LiveRate возвращает текущую максимальную скорость данных по детекторам
// из живой статистики DAQ, MB/s.
func (r *RunRepo) LiveRate(ctx context.Context, number int64) (map[string]float64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT detector, MAX(rate)
		FROM detector_status
		WHERE number = $1
		GROUP BY detector`, number)
	if err != nil {
		return nil, fmt.Errorf("live rate: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]float64)
	for rows.Next() {
		var det string
		var rate float64
		if err := rows.Scan(&det, &rate); err != nil {
			return nil, fmt.Errorf("scan live rate: %w", err)
		}
		rates[det] = rate
	}
	return rates, rows.Err()
}

// CountUnclaimed возвращает количество runs, которых ещё не касался
// ни один оркестратор.
func (r *RunRepo) CountUnclaimed(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE orch_state IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unclaimed: %w", err)
	}
	return count, nil
}

// HasBusySince проверяет, обрабатывает ли данный хост какой-нибудь run
// уже дольше, чем с момента before.
func (r *RunRepo) HasBusySince(ctx context.Context, host string, before time.Time) (bool, error) {
	var busy bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE orch_state = 'busy' AND orch_host = $1 AND orch_started < $2
		)`, host, before).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("busy since: %w", err)
	}
	return busy, nil
}

// --- Artifact bookkeeping ---

// deletedEntry — запись об удалённом артефакте в deleted_data.
type deletedEntry struct {
	Type string    `json:"type"`
	Host string    `json:"host"`
	At   time.Time `json:"at"`
	By   string    `json:"by"`
}

// RemoveArtifact убирает артефакт данного типа с данных хостов из списка
// data и дописывает отметку об удалении в deleted_data. Один оператор,
// чтобы запись не потерялась между двумя обновлениями.
func (r *RunRepo) RemoveArtifact(ctx context.Context, id uuid.UUID, artifactType string, hosts []string) error {
	if r.readOnly {
		return nil
	}

	entry, err := json.Marshal([]deletedEntry{{
		Type: artifactType,
		Host: r.host,
		At:   time.Now().UTC(),
		By:   r.host,
	}})
	if err != nil {
		return fmt.Errorf("marshal deleted entry: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE runs SET
			data = COALESCE((
				SELECT jsonb_agg(e)
				FROM jsonb_array_elements(data) e
				WHERE NOT (e->>'type' = $2 AND e->>'host' = ANY($3))
			), '[]'::jsonb),
			deleted_data = COALESCE(deleted_data, '[]'::jsonb) || $4::jsonb
		WHERE id = $1`,
		id, artifactType, hosts, entry)
	if err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// --- Upload status ---

// finishedStatus — статус, сигналящий выгрузочной машинерии, что run
// готов к передаче дальше.
const finishedStatus = "finished_pre"

// PromoteStatus выставляет run статус готовности к выгрузке.
// Возвращает прежний статус. Статусы выгрузки, уже выставленные
// другими компонентами, не перезаписываются: это ErrStatusConflict.
func (r *RunRepo) PromoteStatus(ctx context.Context, id uuid.UUID) (string, error) {
	if r.readOnly {
		return "", nil
	}

	var current *string
	err := r.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}

	switch {
	case current == nil, *current == "needs_upload":
		_, err := r.pool.Exec(ctx,
			`UPDATE runs SET status = $2 WHERE id = $1`, id, finishedStatus)
		if err != nil {
			return "", fmt.Errorf("promote status: %w", err)
		}
		return "", nil
	case *current == finishedStatus:
		// Уже помечен нами раньше; не трогаем.
		return *current, nil
	default:
		return *current, ErrStatusConflict
	}
}

// --- Scan helpers ---

func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var detectorsJSON, daqJSON, dataJSON, rateJSON, tagsJSON []byte
	var targetsJSON, resourcesJSON []byte
	var name, mode, state, host, reason *string
	var pid, nFailures *int

	err := row.Scan(
		&run.ID,
		&run.Number,
		&name,
		&mode,
		&detectorsJSON,
		&run.Start,
		&run.End,
		&daqJSON,
		&dataJSON,
		&rateJSON,
		&tagsJSON,
		&state,
		&host,
		&pid,
		&run.Orch.Time,
		&run.Orch.Started,
		&nFailures,
		&run.Orch.NextRetry,
		&reason,
		&targetsJSON,
		&resourcesJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if detectorsJSON != nil {
		if err := json.Unmarshal(detectorsJSON, &run.Detectors); err != nil {
			return nil, fmt.Errorf("unmarshal detectors: %w", err)
		}
	}
	if daqJSON != nil {
		if err := json.Unmarshal(daqJSON, &run.DAQConfig); err != nil {
			return nil, fmt.Errorf("unmarshal daq_config: %w", err)
		}
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &run.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	if rateJSON != nil {
		if err := json.Unmarshal(rateJSON, &run.Rate); err != nil {
			return nil, fmt.Errorf("unmarshal rate: %w", err)
		}
	}
	if tagsJSON != nil {
		if err := json.Unmarshal(tagsJSON, &run.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if targetsJSON != nil {
		if err := json.Unmarshal(targetsJSON, &run.Orch.Targets); err != nil {
			return nil, fmt.Errorf("unmarshal targets: %w", err)
		}
	}
	if resourcesJSON != nil {
		if err := json.Unmarshal(resourcesJSON, &run.Orch.Resources); err != nil {
			return nil, fmt.Errorf("unmarshal resources: %w", err)
		}
	}

	if name != nil {
		run.Name = *name
	}
	if mode != nil {
		run.Mode = *mode
	}
	if state != nil {
		run.Orch.State = domain.State(*state)
	}
	if host != nil {
		run.Orch.Host = *host
	}
	if pid != nil {
		run.Orch.PID = *pid
	}
	if nFailures != nil {
		run.Orch.NFailures = *nFailures
	}
	if reason != nil {
		run.Orch.Reason = *reason
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
