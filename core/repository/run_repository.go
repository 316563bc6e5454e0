package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dondendo89/qa-playwright/core/models"
)

// RunRepository handles database operations for runs and their transition events
type RunRepository struct {
	db  *DB
	now func() time.Time
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateRun inserts a run in status running, started now, with its first event
func (r *RunRepository) CreateRun(ctx context.Context, scenarioID string) (*models.Run, error) {
	now := r.now()
	run := &models.Run{
		ID:         uuid.New().String(),
		ScenarioID: scenarioID,
		Status:     models.RunStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO runs (id, scenario_id, status, started_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		if _, err := tx.ExecContext(ctx, query, run.ID, run.ScenarioID, run.Status, run.StartedAt, now, now); err != nil {
			return errors.Wrap(err, "insert run")
		}
		return createRunEventTx(ctx, tx, run.ID, nil, run.Status, "run_started", now)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create run for scenario %s", scenarioID)
	}
	return run, nil
}

// UpdateRun applies patch to a run. When the patch carries a status, the
// update only succeeds if the stored status may transition to it, and the
// transition is logged as a run event in the same transaction.
func (r *RunRepository) UpdateRun(ctx context.Context, id string, patch models.RunPatch) error {
	now := r.now()
	sets := []string{"updated_at = $1"}
	args := []interface{}{now}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*patch.CompletedAt))
	}
	if patch.DurationMs != nil {
		sets = append(sets, "duration_ms = "+arg(*patch.DurationMs))
	}
	if patch.Error != nil {
		sets = append(sets, "error = "+arg(*patch.Error))
	}
	if patch.Counters != nil {
		results, err := json.Marshal(patch.Counters)
		if err != nil {
			return errors.Wrap(err, "encode run results")
		}
		sets = append(sets, "results = "+arg(string(results)))
	}
	if patch.Logs != nil {
		sets = append(sets, "logs = "+arg(*patch.Logs))
	}

	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(id)

	if patch.Status == nil {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "update run %s", id)
		}
		return expectOneRow(res, errors.Wrapf(ErrNotFound, "run %s", id))
	}

	next := *patch.Status
	query += " AND status = ANY(" + arg(pq.Array(PredecessorStrings(next))) + ")"

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		var current models.RunStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "run %s", id)
		}
		if err != nil {
			return errors.Wrapf(err, "lock run %s", id)
		}
		if !current.CanTransitionTo(next) {
			return errors.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", id, current, next)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "update run %s", id)
		}
		if err := expectOneRow(res, errors.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", id, current, next)); err != nil {
			return err
		}

		reason := patch.Reason
		if reason == "" {
			reason = "run_" + string(next)
		}
		return createRunEventTx(ctx, tx, id, &current, next, reason, now)
	})
}

// GetRun retrieves a run by ID
func (r *RunRepository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT id, scenario_id, status, started_at, completed_at, duration_ms, error, results, logs,
			created_at, updated_at
		FROM runs
		WHERE id = $1
	`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", id)
	}
	return run, nil
}

// ListScenarioRuns returns the most recent runs of a scenario, newest first
func (r *RunRepository) ListScenarioRuns(ctx context.Context, scenarioID string, limit int) ([]*models.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, scenario_id, status, started_at, completed_at, duration_ms, error, results, logs,
			created_at, updated_at
		FROM runs
		WHERE scenario_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	return r.queryRuns(ctx, query, scenarioID, limit)
}

// FindStaleRuns returns runs still running that started before startedBefore
func (r *RunRepository) FindStaleRuns(ctx context.Context, startedBefore time.Time) ([]*models.Run, error) {
	query := `
		SELECT id, scenario_id, status, started_at, completed_at, duration_ms, error, results, logs,
			created_at, updated_at
		FROM runs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at
	`
	return r.queryRuns(ctx, query, models.RunStatusRunning, startedBefore)
}

// ListRunEvents returns the transition log of a run in order
func (r *RunRepository) ListRunEvents(ctx context.Context, runID string) ([]*models.RunEvent, error) {
	query := `
		SELECT id, run_id, at, from_status, to_status, reason
		FROM run_events
		WHERE run_id = $1
		ORDER BY at, id
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "query events of run %s", runID)
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		var event models.RunEvent
		var from sql.NullString
		if err := rows.Scan(&event.ID, &event.RunID, &event.At, &from, &event.ToStatus, &event.Reason); err != nil {
			return nil, errors.Wrap(err, "scan run event")
		}
		if from.Valid {
			status := models.RunStatus(from.String)
			event.FromStatus = &status
		}
		events = append(events, &event)
	}
	return events, errors.Wrap(rows.Err(), "iterate run events")
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "iterate runs")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var errMsg, results, logs sql.NullString

	err := row.Scan(
		&run.ID,
		&run.ScenarioID,
		&run.Status,
		&run.StartedAt,
		&completedAt,
		&durationMs,
		&errMsg,
		&results,
		&logs,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.CompletedAt = nullTime(completedAt)
	if durationMs.Valid {
		d := durationMs.Int64
		run.DurationMs = &d
	}
	run.Error = nullString(errMsg)
	run.Logs = nullString(logs)
	if results.Valid && results.String != "" {
		var counters models.RunCounters
		if err := json.Unmarshal([]byte(results.String), &counters); err != nil {
			return nil, errors.Wrap(err, "decode run results")
		}
		run.Counters = &counters
	}
	return &run, nil
}

func createRunEventTx(ctx context.Context, tx *sql.Tx, runID string, from *models.RunStatus, to models.RunStatus, reason string, at time.Time) error {
	query := `
		INSERT INTO run_events (run_id, at, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4, $5)
	`

	var fromStatus *string
	if from != nil {
		s := string(*from)
		fromStatus = &s
	}

	_, err := tx.ExecContext(ctx, query, runID, at, fromStatus, to, reason)
	return errors.Wrap(err, "insert run event")
}

// PredecessorStrings lists, as strings, the statuses allowed to move into next
func PredecessorStrings(next models.RunStatus) []string {
	from := models.PredecessorsOf(next)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}
