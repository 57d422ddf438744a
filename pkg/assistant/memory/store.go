// Package memory persists per-agent facts the model asks to remember. The
// store is a thin layer over the shared SQLite database; retrieval is plain
// substring search, good enough for the handful of facts an agent keeps.
package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNotFound is returned when forgetting an unknown fact.
var ErrNotFound = errors.New("memory fact not found")

// Fact is one remembered item.
type Fact struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store reads and writes memory facts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps the shared database. The memory_facts table must already
// exist (created by assistant.OpenDatabase).
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "memory")}
}

// Remember stores a fact and returns its ID.
func (s *Store) Remember(agentID, content string) (int64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, errors.New("empty fact")
	}

	res, err := s.db.Exec(
		`INSERT INTO memory_facts (agent_id, content, created_at) VALUES (?, ?, ?)`,
		agentID, content, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("remember: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	s.logger.Debug("fact stored", "agent", agentID, "id", id)
	return id, nil
}

// Search returns facts whose content contains the query, newest first.
func (s *Store) Search(agentID, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, content, created_at FROM memory_facts
		WHERE agent_id = ? AND content LIKE ?
		ORDER BY id DESC LIMIT ?`,
		agentID, "%"+query+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// List returns the newest facts for an agent.
func (s *Store) List(agentID string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, content, created_at FROM memory_facts
		WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Forget deletes a fact by ID.
func (s *Store) Forget(agentID string, id int64) error {
	res, err := s.db.Exec(`DELETE FROM memory_facts WHERE agent_id = ? AND id = ?`, agentID, id)
	if err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		var f Fact
		var createdAt string
		if err := rows.Scan(&f.ID, &f.AgentID, &f.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
