package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Kiln/internal/domain"
)

const heartbeatColumns = `id, host, pid, time, state, fields`

// HeartbeatRepo — репозиторий heartbeat-записей экземпляров оркестратора.
//
// Записи хоста коалесцируются: если последняя запись моложе минимального
// интервала статуса, она перезаписывается на месте, иначе добавляется
// новая. Так история состояний остаётся запрашиваемым backlog,
// но не растёт безгранично.
type HeartbeatRepo struct {
	pool *pgxpool.Pool
}

// NewHeartbeatRepo создаёт новый HeartbeatRepo.
func NewHeartbeatRepo(pool *pgxpool.Pool) *HeartbeatRepo {
	return &HeartbeatRepo{pool: pool}
}

// Latest возвращает последнюю heartbeat-запись хоста.
func (r *HeartbeatRepo) Latest(ctx context.Context, host string) (*domain.Heartbeat, error) {
	query := `
		SELECT ` + heartbeatColumns + `
		FROM heartbeats
		WHERE host = $1
		ORDER BY time DESC
		LIMIT 1`
	return scanHeartbeat(r.pool.QueryRow(ctx, query, host))
}

// coalesce решает, перезаписывать ли последнюю запись хоста на месте
// вместо добавления новой.
func coalesce(prev *domain.Heartbeat, t time.Time, minInterval time.Duration) bool {
	return prev != nil && t.Sub(prev.Time) <= minInterval
}

// Publish пишет heartbeat, коалесцируя записи в пределах minInterval.
// Возвращает записанный документ (с его итоговым id).
//
// Чтение и запись не атомарны, но на каждый хост пишет ровно один
// экземпляр (EnsureSingleInstance), так что гонки за последнюю запись
// хоста нет.
func (r *HeartbeatRepo) Publish(ctx context.Context, hb *domain.Heartbeat, minInterval time.Duration) (*domain.Heartbeat, error) {
	fieldsJSON, err := json.Marshal(hb.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	prev, err := r.Latest(ctx, hb.Host)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if coalesce(prev, hb.Time, minInterval) {
		_, err := r.pool.Exec(ctx, `
			UPDATE heartbeats
			SET pid = $2, time = $3, state = $4, fields = $5
			WHERE id = $1`,
			prev.ID, hb.PID, hb.Time, string(hb.Phase), fieldsJSON)
		if err != nil {
			return nil, fmt.Errorf("update heartbeat: %w", err)
		}
		hb.ID = prev.ID
		return hb, nil
	}

	hb.ID = uuid.New()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO heartbeats (id, host, pid, time, state, fields)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		hb.ID, hb.Host, hb.PID, hb.Time, string(hb.Phase), fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("insert heartbeat: %w", err)
	}
	return hb, nil
}

// OthersOnHost возвращает последние heartbeat-записи других процессов
// оркестратора на том же хосте (по одной на pid).
func (r *HeartbeatRepo) OthersOnHost(ctx context.Context, host string, ownPID int) ([]domain.Heartbeat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (pid) `+heartbeatColumns+`
		FROM heartbeats
		WHERE host = $1 AND pid <> $2
		ORDER BY pid, time DESC`, host, ownPID)
	if err != nil {
		return nil, fmt.Errorf("others on host: %w", err)
	}
	defer rows.Close()
	return collectHeartbeats(rows)
}

// IsHostAlive возвращает true, если у хоста есть heartbeat в пределах
// окна просмотра.
func (r *HeartbeatRepo) IsHostAlive(ctx context.Context, host string, within time.Duration) (bool, error) {
	var alive bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM heartbeats WHERE host = $1 AND time > $2
		)`, host, time.Now().UTC().Add(-within)).Scan(&alive)
	if err != nil {
		return false, fmt.Errorf("is host alive: %w", err)
	}
	return alive, nil
}

// LatestPerHost возвращает последнюю heartbeat-запись каждого хоста.
func (r *HeartbeatRepo) LatestPerHost(ctx context.Context) ([]domain.Heartbeat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (host) `+heartbeatColumns+`
		FROM heartbeats
		ORDER BY host, time DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest per host: %w", err)
	}
	defer rows.Close()
	return collectHeartbeats(rows)
}

// MarkDead помечает heartbeat-запись протухшей.
func (r *HeartbeatRepo) MarkDead(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE heartbeats SET state = $2 WHERE id = $1`, id, string(domain.PhaseDead))
	if err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	return nil
}

// DeleteOlderThan подрезает backlog: удаляет записи старше cutoff.
func (r *HeartbeatRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM heartbeats WHERE time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Scan helpers ---

func scanHeartbeat(row pgx.Row) (*domain.Heartbeat, error) {
	var hb domain.Heartbeat
	var state string
	var fieldsJSON []byte

	err := row.Scan(&hb.ID, &hb.Host, &hb.PID, &hb.Time, &state, &fieldsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan heartbeat: %w", err)
	}

	hb.Phase = domain.Phase(state)
	if fieldsJSON != nil {
		if err := json.Unmarshal(fieldsJSON, &hb.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	return &hb, nil
}

func collectHeartbeats(rows pgx.Rows) ([]domain.Heartbeat, error) {
	var out []domain.Heartbeat
	for rows.Next() {
		var hb domain.Heartbeat
		var state string
		var fieldsJSON []byte
		if err := rows.Scan(&hb.ID, &hb.Host, &hb.PID, &hb.Time, &state, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Phase = domain.Phase(state)
		if fieldsJSON != nil {
			if err := json.Unmarshal(fieldsJSON, &hb.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}
