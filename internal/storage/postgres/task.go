package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"neosync/internal/domain"
)

const taskColumns = `id, external_id, type, priority, status, attempts, last_error, metadata, created_at, updated_at`

type taskRow struct {
	ID         uuid.UUID `db:"id"`
	ExternalID string    `db:"external_id"`
	Type       string    `db:"type"`
	Priority   int       `db:"priority"`
	Status     string    `db:"status"`
	Attempts   int       `db:"attempts"`
	LastError  *string   `db:"last_error"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r taskRow) toDomain() (domain.Task, error) {
	taskType := domain.TaskType(r.Type)
	meta, err := domain.DecodeMeta(taskType, r.Metadata)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", r.ID, err)
	}

	return domain.Task{
		ID:         r.ID,
		ExternalID: r.ExternalID,
		Type:       taskType,
		Priority:   r.Priority,
		Status:     domain.TaskStatus(r.Status),
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		Meta:       meta,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func toDomainTasks(rows []taskRow) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// TaskStore persists the sync queue.
type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, executor(ctx, s.db), &count,
		"SELECT COUNT(*) FROM sync_queue WHERE status = $1", string(status))
	return count, err
}

func (s *TaskStore) CountsByStatus(ctx context.Context) (domain.QueueStats, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := sqlx.SelectContext(ctx, executor(ctx, s.db), &rows,
		"SELECT status, COUNT(*) AS count FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, err
	}

	stats := domain.QueueStats{
		domain.TaskStatusPending:    0,
		domain.TaskStatusProcessing: 0,
		domain.TaskStatusCompleted:  0,
		domain.TaskStatusError:      0,
	}
	for _, r := range rows {
		stats[domain.TaskStatus(r.Status)] = r.Count
	}
	return stats, nil
}

// ListOrdered returns one window of the queue in service order, across all
// statuses. Callers filter for pending themselves: the status filter is kept
// out of this query on purpose, see SyncQueue.SelectBatch.
func (s *TaskStore) ListOrdered(ctx context.Context, limit, offset int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM sync_queue
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $1 OFFSET $2`

	var rows []taskRow
	if err := sqlx.SelectContext(ctx, executor(ctx, s.db), &rows, query, limit, offset); err != nil {
		return nil, err
	}
	return toDomainTasks(rows)
}

func (s *TaskStore) ListRecent(ctx context.Context, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM sync_queue
		ORDER BY updated_at DESC, id ASC
		LIMIT $1`

	var rows []taskRow
	if err := sqlx.SelectContext(ctx, executor(ctx, s.db), &rows, query, limit); err != nil {
		return nil, err
	}
	return toDomainTasks(rows)
}

// InsertIgnore adds pending tasks, leaving any existing (external_id, type)
// row untouched. It returns how many rows were inserted.
func (s *TaskStore) InsertIgnore(ctx context.Context, tasks []domain.Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO sync_queue (id, external_id, type, priority, status, metadata) VALUES ")
	valueArgs := make([]interface{}, 0, len(tasks)*5)

	for i, t := range tasks {
		meta, err := domain.EncodeMeta(t.Meta)
		if err != nil {
			return 0, fmt.Errorf("encode metadata for %s: %w", t.ExternalID, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		sb.WriteString("($")
		sb.WriteString(strconv.Itoa(base + 1))
		sb.WriteString(", $")
		sb.WriteString(strconv.Itoa(base + 2))
		sb.WriteString(", $")
		sb.WriteString(strconv.Itoa(base + 3))
		sb.WriteString(", $")
		sb.WriteString(strconv.Itoa(base + 4))
		sb.WriteString(", 'pending', $")
		sb.WriteString(strconv.Itoa(base + 5))
		sb.WriteString(")")
		valueArgs = append(valueArgs, newTaskID(t.ID), t.ExternalID, string(t.Type), t.Priority, string(meta))
	}
	sb.WriteString(" ON CONFLICT (external_id, type) DO NOTHING")

	res, err := executor(ctx, s.db).ExecContext(ctx, sb.String(), valueArgs...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Upsert inserts a pending task or, on conflict, puts the existing row back to
// pending with the new priority. Metadata keys in task overwrite the stored
// ones; keys it omits, such as an unset series title, are kept.
func (s *TaskStore) Upsert(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	meta, err := domain.EncodeMeta(task.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", task.ExternalID, err)
	}

	query := `
		INSERT INTO sync_queue (id, external_id, type, priority, status, metadata)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (external_id, type) DO UPDATE SET
			priority = EXCLUDED.priority,
			metadata = sync_queue.metadata || EXCLUDED.metadata,
			status = 'pending',
			updated_at = NOW()
		RETURNING ` + taskColumns

	var row taskRow
	err = sqlx.GetContext(ctx, executor(ctx, s.db), &row, query,
		newTaskID(task.ID),
		task.ExternalID,
		string(task.Type),
		task.Priority,
		string(meta),
	)
	if err != nil {
		return nil, err
	}

	t, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkProcessing moves a pending task to processing and counts the attempt.
// It reports false when the task was no longer pending.
func (s *TaskStore) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := executor(ctx, s.db).ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *TaskStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, `
		UPDATE sync_queue
		SET status = 'completed', last_error = NULL, updated_at = NOW()
		WHERE id = $1`, id)
}

func (s *TaskStore) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	return s.exec(ctx, `
		UPDATE sync_queue
		SET status = 'error', last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, message)
}

// Reschedule returns a task to pending with new metadata.
func (s *TaskStore) Reschedule(ctx context.Context, id uuid.UUID, meta domain.TaskMeta) error {
	raw, err := domain.EncodeMeta(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return s.exec(ctx, `
		UPDATE sync_queue
		SET status = 'pending', metadata = $2, updated_at = NOW()
		WHERE id = $1`, id, string(raw))
}

func (s *TaskStore) DeleteByStatus(ctx context.Context, status domain.TaskStatus) (int64, error) {
	res, err := executor(ctx, s.db).ExecContext(ctx,
		"DELETE FROM sync_queue WHERE status = $1", string(status))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetErrored puts errored tasks back to pending once their backoff has
// elapsed. The backoff is initial * 2^(attempts-1), capped at maxBackoff.
func (s *TaskStore) ResetErrored(ctx context.Context, maxAttempts int, initial, maxBackoff time.Duration) (int64, error) {
	res, err := executor(ctx, s.db).ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'error'
		  AND attempts < $1
		  AND updated_at <= NOW() - make_interval(secs => LEAST($3::float8, $2::float8 * POWER(2, GREATEST(attempts - 1, 0))))`,
		maxAttempts, initial.Seconds(), maxBackoff.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *TaskStore) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := executor(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func newTaskID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
