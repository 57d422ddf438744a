// Package scheduler – storage.go persists schedules and undelivered run
// output in the shared SQLite database. The schedules and pending_batches
// tables must already exist (created by assistant.OpenDatabase).
package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raffenmb/buddy-sub000/pkg/assistant"
)

// Schedule types.
const (
	TypeOnce      = "once"
	TypeRecurring = "recurring"
)

// ErrNotFound is returned for unknown schedule IDs.
var ErrNotFound = errors.New("schedule not found")

// Schedule is one stored task.
type Schedule struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	AgentID   string     `json:"agent_id"`
	Name      string     `json:"name"`
	Prompt    string     `json:"prompt"`
	Type      string     `json:"schedule_type"`
	CronExpr  string     `json:"cron_expr,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// PendingBatch holds run output for a user who was offline when it finished.
type PendingBatch struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	AgentID   string            `json:"agent_id"`
	Source    string            `json:"source"`
	Events    []assistant.Event `json:"events"`
	CreatedAt time.Time         `json:"created_at"`
}

// Storage reads and writes schedules.
type Storage struct {
	db *sql.DB
}

// NewStorage wraps the shared database handle.
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Save inserts or replaces a schedule. A missing ID is generated.
func (s *Storage) Save(sch *Schedule) error {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now().UTC()
	}

	var lastRun any
	if sch.LastRunAt != nil {
		lastRun = sch.LastRunAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO schedules
		(id, user_id, agent_id, name, prompt, schedule_type, cron_expr, next_run_at, enabled, last_run_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.UserID, sch.AgentID, sch.Name, sch.Prompt, sch.Type, sch.CronExpr,
		sch.NextRunAt.UTC().Format(time.RFC3339), boolToInt(sch.Enabled),
		lastRun, sch.LastError, sch.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// Delete removes a schedule.
func (s *Storage) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get loads one schedule.
func (s *Storage) Get(id string) (*Schedule, error) {
	rows, err := s.db.Query(selectSchedules+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return schedules[0], nil
}

// List returns every schedule, soonest first.
func (s *Storage) List() ([]*Schedule, error) {
	rows, err := s.db.Query(selectSchedules + ` ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// Due returns enabled schedules whose next run is at or before now.
func (s *Storage) Due(now time.Time) ([]*Schedule, error) {
	rows, err := s.db.Query(
		selectSchedules+` WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at ASC`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// Claim disables a schedule iff it is still enabled. The returned bool is
// the re-entrancy lock: only the poller that flipped the flag runs the
// schedule.
func (s *Storage) Claim(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE schedules SET enabled = 0 WHERE id = ? AND enabled = 1`, id)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FinishRun records the outcome of a run. nextRunAt and enable are only
// meaningful for recurring schedules that should fire again.
func (s *Storage) FinishRun(id string, ranAt time.Time, runErr string, nextRunAt *time.Time, enable bool) error {
	next := any(nil)
	if nextRunAt != nil {
		next = nextRunAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		UPDATE schedules SET
			last_run_at = ?,
			last_error = ?,
			next_run_at = COALESCE(?, next_run_at),
			enabled = ?
		WHERE id = ?`,
		ranAt.UTC().Format(time.RFC3339), runErr, next, boolToInt(enable), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

const selectSchedules = `
	SELECT id, user_id, agent_id, name, prompt, schedule_type, cron_expr,
	       next_run_at, enabled, last_run_at, last_error, created_at
	FROM schedules`

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		var sch Schedule
		var nextRun, createdAt string
		var lastRun, lastError sql.NullString
		var enabled int

		if err := rows.Scan(&sch.ID, &sch.UserID, &sch.AgentID, &sch.Name, &sch.Prompt,
			&sch.Type, &sch.CronExpr, &nextRun, &enabled, &lastRun, &lastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}

		sch.Enabled = enabled == 1
		sch.NextRunAt, _ = time.Parse(time.RFC3339, nextRun)
		sch.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastRun.Valid && lastRun.String != "" {
			if t, err := time.Parse(time.RFC3339, lastRun.String); err == nil {
				sch.LastRunAt = &t
			}
		}
		if lastError.Valid {
			sch.LastError = lastError.String
		}
		schedules = append(schedules, &sch)
	}
	return schedules, rows.Err()
}

// ── pending batches ──

// SavePendingBatch stores run output for later delivery.
func (s *Storage) SavePendingBatch(batch *PendingBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	events, err := json.Marshal(batch.Events)
	if err != nil {
		return fmt.Errorf("encode batch events: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO pending_batches (id, user_id, agent_id, source, events, created_at, delivered)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		batch.ID, batch.UserID, batch.AgentID, batch.Source, string(events),
		batch.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save pending batch: %w", err)
	}
	return nil
}

// TakePendingBatches returns a user's undelivered batches, oldest first, and
// marks them delivered.
func (s *Storage) TakePendingBatches(userID string) ([]*PendingBatch, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, agent_id, source, events, created_at
		FROM pending_batches WHERE user_id = ? AND delivered = 0
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*PendingBatch
	for rows.Next() {
		var b PendingBatch
		var events, createdAt string
		if err := rows.Scan(&b.ID, &b.UserID, &b.AgentID, &b.Source, &events, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending batch: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &b.Events); err != nil {
			return nil, fmt.Errorf("decode batch events: %w", err)
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range batches {
		if _, err := s.db.Exec(`UPDATE pending_batches SET delivered = 1 WHERE id = ?`, b.ID); err != nil {
			return nil, fmt.Errorf("mark batch delivered: %w", err)
		}
	}
	return batches, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
