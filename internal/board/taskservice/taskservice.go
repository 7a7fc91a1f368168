// Package taskservice implements the transactional CRUD operations that
// combine the conflict resolver and the ordering engine under Postgres row
// locks. It is the only component in the mutation pipeline allowed to
// suspend on I/O.
package taskservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskboard/realtime-board/internal/board/conflict"
	"github.com/taskboard/realtime-board/internal/board/domain"
	"github.com/taskboard/realtime-board/internal/board/ordering"
)

// ErrNotFound is returned by operations addressing a taskId that does not
// exist.
var ErrNotFound = errors.New("taskservice: task not found")

// maxSerializationRetries bounds the retry loop for transactions that lose a
// race against another row-locking transaction on the same row.
const maxSerializationRetries = 3

// Beginner is the subset of the pool wrapper the task service needs. Both
// *postgres.PostgresPool and a raw *pgxpool.Pool satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service implements the C3 task-service operations.
type Service struct {
	db     Beginner
	logger *slog.Logger
}

// New returns a Service backed by db.
func New(db Beginner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

// CreateTaskPayload mirrors the CREATE_TASK client message payload, minus
// the clientId and tempId which the router echoes back itself.
type CreateTaskPayload struct {
	Title       string
	Description string
	ColumnID    domain.Column
	Position    float64
}

// CreateTask inserts a new row. When Position is not strictly positive it is
// computed as positionAtEnd(columnId) inside the transaction.
func (s *Service) CreateTask(ctx context.Context, payload CreateTaskPayload) (domain.Task, error) {
	title := payload.Title
	if title == "" {
		title = domain.DefaultTitle
	}
	if !domain.ValidColumn(payload.ColumnID) {
		return domain.Task{}, fmt.Errorf("taskservice: invalid column %q", payload.ColumnID)
	}

	var created domain.Task
	err := s.withTx(ctx, "createTask", func(ctx context.Context, tx pgx.Tx) error {
		position := payload.Position
		if position <= 0 {
			// Two concurrent creates landing in the same column would otherwise
			// both read the same existing-positions snapshot and compute the
			// same end position, transiently violating the distinct-positions
			// invariant. An advisory lock scoped to the column serializes them
			// even when the column is empty, where a row lock on existing rows
			// wouldn't have anything to hold.
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(payload.ColumnID)); err != nil {
				return err
			}
			existing, err := columnPositions(ctx, tx, payload.ColumnID)
			if err != nil {
				return err
			}
			position = ordering.PositionAtEnd(existing)
		}

		id := uuid.New().String()
		row := tx.QueryRow(ctx, `
			INSERT INTO tasks (
				id, title, description, column_id, position,
				version, title_version, description_version, column_version, position_version,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, 1, 1, 1, 1, 1, now(), now())
			RETURNING id, title, description, column_id, position,
				version, title_version, description_version, column_version, position_version,
				created_at, updated_at
		`, id, title, payload.Description, string(payload.ColumnID), position)

		t, err := scanTask(row)
		if err != nil {
			return err
		}
		created = t
		return nil
	})
	return created, err
}

// UpdateTaskPayload mirrors UPDATE_TASK.
type UpdateTaskPayload struct {
	TaskID      string
	BaseVersion int64
	Changes     map[string]interface{} // subset of {title, description}
}

// UpdateResult carries the row's state after an update attempt plus the
// conflict analysis that produced it. Analysis.HasConflict distinguishes a
// clean write from a partial merge or full rejection; no write occurred iff
// Analysis.FullyRejected().
type UpdateResult struct {
	Task     domain.Task
	Analysis conflict.Analysis
}

// UpdateTask locks and reads the row, runs the conflict resolver against
// Changes, and if anything merged, writes the new values and advances
// version/per-field stamps.
func (s *Service) UpdateTask(ctx context.Context, payload UpdateTaskPayload) (UpdateResult, error) {
	return s.mutateFields(ctx, "updateTask", payload.TaskID, payload.BaseVersion, payload.Changes)
}

// MoveTaskPayload mirrors MOVE_TASK.
type MoveTaskPayload struct {
	TaskID      string
	BaseVersion int64
	ColumnID    domain.Column
	Position    float64
}

// MoveResult extends UpdateResult with the rebalance signal.
type MoveResult struct {
	UpdateResult
	NeedsRebalance bool
}

// MoveTask runs the field set {columnId, position} through the same
// lock-analyse-write procedure as UpdateTask, then — only on a non-rejected
// write — checks whether the new position sits within MinGap of either
// same-column neighbour.
func (s *Service) MoveTask(ctx context.Context, payload MoveTaskPayload) (MoveResult, error) {
	if !domain.ValidColumn(payload.ColumnID) {
		return MoveResult{}, fmt.Errorf("taskservice: invalid column %q", payload.ColumnID)
	}

	changes := map[string]interface{}{
		"columnId": payload.ColumnID,
		"position": payload.Position,
	}

	result, err := s.mutateFields(ctx, "moveTask", payload.TaskID, payload.BaseVersion, changes)
	if err != nil {
		return MoveResult{}, err
	}

	move := MoveResult{UpdateResult: result}
	if result.Analysis.FullyRejected() {
		return move, nil
	}

	err = s.withTx(ctx, "moveTask.neighbours", func(ctx context.Context, tx pgx.Tx) error {
		neighbours, err := nearestNeighbours(ctx, tx, move.Task.ColumnID, move.Task.ID, move.Task.Position, 2)
		if err != nil {
			return err
		}
		move.NeedsRebalance = ordering.NeedsRebalance(move.Task.Position, neighbours)
		return nil
	})
	return move, err
}

// mutateFields is the shared lock-analyse-write procedure behind UpdateTask
// and MoveTask: they differ only in which fields are present in changes.
func (s *Service) mutateFields(ctx context.Context, op, taskID string, baseVersion int64, changes map[string]interface{}) (UpdateResult, error) {
	var result UpdateResult
	err := s.withTx(ctx, op, func(ctx context.Context, tx pgx.Tx) error {
		current, err := lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}

		analysis := conflict.Analyse(&current, baseVersion, changes)
		if analysis.FullyRejected() {
			result = UpdateResult{Task: current, Analysis: analysis}
			return nil
		}

		updated, err := applyMerge(ctx, tx, current, analysis.MergedChanges)
		if err != nil {
			return err
		}

		result = UpdateResult{Task: updated, Analysis: analysis}
		return nil
	})
	return result, err
}

// DeleteTaskPayload mirrors DELETE_TASK. BaseVersion is accepted for wire
// compatibility but never enforced: deletion is unconditional and always
// wins over a concurrent edit.
type DeleteTaskPayload struct {
	TaskID      string
	BaseVersion int64
}

// DeleteTask removes the row unconditionally. A missing row is not an
// error; it simply yields deleted=false.
func (s *Service) DeleteTask(ctx context.Context, payload DeleteTaskPayload) (deleted bool, err error) {
	err = s.withTx(ctx, "deleteTask", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, payload.TaskID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// GetAllTasks returns every row ordered by (columnId, position), for the
// initial snapshot and the read-only task list endpoint.
func (s *Service) GetAllTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.withTx(ctx, "getAllTasks", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, title, description, column_id, position,
				version, title_version, description_version, column_version, position_version,
				created_at, updated_at
			FROM tasks
			ORDER BY column_id, position
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

// RebalanceColumn locks every row of columnID in position order and assigns
// evenly spaced positions, advancing version and positionVersion for each
// row. The returned tasks are in the new, rebalanced order.
func (s *Service) RebalanceColumn(ctx context.Context, columnID domain.Column) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.withTx(ctx, "rebalanceColumn", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, title, description, column_id, position,
				version, title_version, description_version, column_version, position_version,
				created_at, updated_at
			FROM tasks
			WHERE column_id = $1
			ORDER BY position
			FOR UPDATE
		`, string(columnID))
		if err != nil {
			return err
		}
		var current []domain.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			current = append(current, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		positions := ordering.RebalancedPositions(len(current))
		tasks = make([]domain.Task, len(current))
		for i, t := range current {
			newVersion := t.Version + 1
			row := tx.QueryRow(ctx, `
				UPDATE tasks
				SET position = $1, position_version = $2, version = $2, updated_at = now()
				WHERE id = $3
				RETURNING id, title, description, column_id, position,
					version, title_version, description_version, column_version, position_version,
					created_at, updated_at
			`, positions[i], newVersion, t.ID)
			updated, err := scanTask(row)
			if err != nil {
				return err
			}
			tasks[i] = updated
		}
		return nil
	})
	return tasks, err
}

// withTx runs fn inside a transaction, retrying when fn or the commit fails
// with a retryable Postgres error code (serialization failure, deadlock).
func (s *Service) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying transaction after serialization failure",
				"operation", op, "attempt", attempt)
			time.Sleep(time.Duration(attempt) * 5 * time.Millisecond)
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("taskservice: begin %s: %w", op, err)
		}

		err = fn(ctx, tx)
		if err != nil {
			_ = tx.Rollback(ctx)
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("taskservice: commit %s: %w", op, err)
		}
		return nil
	}
	return fmt.Errorf("taskservice: %s exhausted retries: %w", op, lastErr)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// lockTask acquires SELECT ... FOR UPDATE on a single row, closing the
// read-modify-write window against any other transaction locking the same
// row.
func lockTask(ctx context.Context, tx pgx.Tx, taskID string) (domain.Task, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, title, description, column_id, position,
			version, title_version, description_version, column_version, position_version,
			created_at, updated_at
		FROM tasks
		WHERE id = $1
		FOR UPDATE
	`, taskID)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// applyMerge writes mergedChanges to the row, advancing version and the
// per-field stamp of each changed field to the new version. mergedChanges
// values are expected to already carry the field's native Go type (the
// router validates title/description as strings before they ever reach the
// conflict resolver); the type assertions below are still checked rather
// than bare, so a caller that slips through a wrongly-typed value gets an
// error back instead of a panic that would take down the dispatch goroutine.
func applyMerge(ctx context.Context, tx pgx.Tx, current domain.Task, mergedChanges map[string]interface{}) (domain.Task, error) {
	newVersion := current.Version + 1

	title := current.Title
	titleVersion := current.TitleVersion
	description := current.Description
	descriptionVersion := current.DescriptionVersion
	columnID := current.ColumnID
	columnVersion := current.ColumnVersion
	position := current.Position
	positionVersion := current.PositionVersion

	if v, ok := mergedChanges["title"]; ok {
		s, ok := v.(string)
		if !ok {
			return domain.Task{}, fmt.Errorf("taskservice: mergedChanges[title] must be a string, got %T", v)
		}
		title = s
		titleVersion = newVersion
	}
	if v, ok := mergedChanges["description"]; ok {
		s, ok := v.(string)
		if !ok {
			return domain.Task{}, fmt.Errorf("taskservice: mergedChanges[description] must be a string, got %T", v)
		}
		description = s
		descriptionVersion = newVersion
	}
	if v, ok := mergedChanges["columnId"]; ok {
		c, ok := v.(domain.Column)
		if !ok {
			return domain.Task{}, fmt.Errorf("taskservice: mergedChanges[columnId] must be a domain.Column, got %T", v)
		}
		columnID = c
		columnVersion = newVersion
	}
	if v, ok := mergedChanges["position"]; ok {
		p, ok := v.(float64)
		if !ok {
			return domain.Task{}, fmt.Errorf("taskservice: mergedChanges[position] must be a float64, got %T", v)
		}
		position = p
		positionVersion = newVersion
	}

	row := tx.QueryRow(ctx, `
		UPDATE tasks
		SET title = $1, title_version = $2,
			description = $3, description_version = $4,
			column_id = $5, column_version = $6,
			position = $7, position_version = $8,
			version = $9, updated_at = now()
		WHERE id = $10
		RETURNING id, title, description, column_id, position,
			version, title_version, description_version, column_version, position_version,
			created_at, updated_at
	`, title, titleVersion, description, descriptionVersion, string(columnID), columnVersion,
		position, positionVersion, newVersion, current.ID)

	return scanTask(row)
}

// columnPositions returns every position currently in use within columnID,
// used by CreateTask to compute positionAtEnd.
func columnPositions(ctx context.Context, tx pgx.Tx, columnID domain.Column) ([]float64, error) {
	rows, err := tx.Query(ctx, `SELECT position FROM tasks WHERE column_id = $1`, string(columnID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// nearestNeighbours returns up to limit positions from columnID, nearest
// first by absolute distance to position, excluding excludeID.
func nearestNeighbours(ctx context.Context, tx pgx.Tx, columnID domain.Column, excludeID string, position float64, limit int) ([]float64, error) {
	rows, err := tx.Query(ctx, `
		SELECT position FROM tasks
		WHERE column_id = $1 AND id != $2
		ORDER BY abs(position - $3)
		LIMIT $4
	`, string(columnID), excludeID, position, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// scanRow is satisfied by both pgx.Row and pgx.Rows.
type scanRow interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanRow) (domain.Task, error) {
	var t domain.Task
	var columnID string
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &columnID, &t.Position,
		&t.Version, &t.TitleVersion, &t.DescriptionVersion, &t.ColumnVersion, &t.PositionVersion,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	t.ColumnID = domain.Column(columnID)
	return t, nil
}
