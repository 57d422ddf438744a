// Package assistant – session.go persists conversation history per
// (user, agent) pair and builds the token-budgeted window handed to the
// model.
//
// History is append-only. Window selection walks backward from the newest
// message until the budget is spent, then snaps the start forward to a user
// message so the model never sees a window opening with an assistant turn or
// an orphaned tool result. When no such message fits, the budgeted suffix is
// kept rather than sending the model nothing.
package assistant

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// estimateTokens approximates token usage from serialized length. Four chars
// per token tracks close enough for window budgeting; exact tokenizer counts
// are not worth the dependency here.
func estimateTokens(m Message) int {
	raw, err := json.Marshal(m.Blocks)
	if err != nil {
		return 1
	}
	n := len(raw) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// SessionStore reads and writes conversation history.
type SessionStore struct {
	db     *sql.DB
	cfg    SessionConfig
	logger *slog.Logger
}

// NewSessionStore wraps the shared database.
func NewSessionStore(db *sql.DB, cfg SessionConfig, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLoad <= 0 {
		cfg.MaxLoad = 200
	}
	return &SessionStore{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "sessions"),
	}
}

// ensureSession returns the row ID for the (user, agent) session, creating
// it if needed.
func (s *SessionStore) ensureSession(userID, agentID string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (user_id, agent_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, agentID, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}

	var id int64
	err = s.db.QueryRow(
		`SELECT id FROM sessions WHERE user_id = ? AND agent_id = ?`, userID, agentID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	return id, nil
}

// Append adds one message to the session history.
func (s *SessionStore) Append(userID, agentID string, msg Message) error {
	sessionID, err := s.ensureSession(userID, agentID)
	if err != nil {
		return err
	}

	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(
		`INSERT INTO session_messages (session_id, role, blocks, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(msg.Role), string(blocks), now,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	return err
}

// History returns the most recent limit messages in chronological order.
// limit <= 0 means the configured load bound.
func (s *SessionStore) History(userID, agentID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.cfg.MaxLoad
	}

	rows, err := s.db.Query(`
		SELECT role, blocks FROM session_messages
		WHERE session_id = (SELECT id FROM sessions WHERE user_id = ? AND agent_id = ?)
		ORDER BY id DESC LIMIT ?`,
		userID, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var reversed []Message
	for rows.Next() {
		var role, blocksRaw string
		if err := rows.Scan(&role, &blocksRaw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var blocks []Block
		if err := json.Unmarshal([]byte(blocksRaw), &blocks); err != nil {
			s.logger.Warn("skipping undecodable message", "error", err)
			continue
		}
		reversed = append(reversed, Message{Role: Role(role), Blocks: blocks})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	messages := make([]Message, len(reversed))
	for i, m := range reversed {
		messages[len(reversed)-1-i] = m
	}
	return messages, nil
}

// ContextWindow builds the message window for a model call: newest messages
// that fit the token budget, starting on a user message that carries no tool
// results.
func (s *SessionStore) ContextWindow(userID, agentID string, budgetTokens int) ([]Message, error) {
	history, err := s.History(userID, agentID, s.cfg.MaxLoad)
	if err != nil {
		return nil, err
	}
	return windowMessages(history, budgetTokens), nil
}

// windowMessages selects the suffix of history fitting the budget, then
// advances the start to the first clean user message. If no clean user
// message is inside the budget, the budgeted suffix wins: mid-loop the
// newest message is a tool-result carrier and the model still needs it.
func windowMessages(history []Message, budgetTokens int) []Message {
	if len(history) == 0 {
		return nil
	}

	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateTokens(history[i])
		if used+cost > budgetTokens && start < len(history) {
			break
		}
		used += cost
		start = i
		if used > budgetTokens {
			// A single oversized message still anchors the window.
			break
		}
	}
	budgeted := start

	for start < len(history) {
		m := history[start]
		if m.Role == RoleUser && !m.HasToolResult() {
			break
		}
		start++
	}
	if start >= len(history) {
		return history[budgeted:]
	}
	return history[start:]
}

// Reset deletes the session history and clears the canvas snapshot.
func (s *SessionStore) Reset(userID, agentID string) error {
	sessionID, err := s.ensureSession(userID, agentID)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	_, err = s.db.Exec(`UPDATE sessions SET canvas_state = '[]' WHERE id = ?`, sessionID)
	return err
}

// ── canvas snapshot ──

// CanvasElement is one item currently displayed on the user's canvas.
type CanvasElement struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	AddedAt time.Time       `json:"added_at"`
}

// CanvasState returns the session's current canvas snapshot.
func (s *SessionStore) CanvasState(userID, agentID string) ([]CanvasElement, error) {
	sessionID, err := s.ensureSession(userID, agentID)
	if err != nil {
		return nil, err
	}

	var raw string
	if err := s.db.QueryRow(`SELECT canvas_state FROM sessions WHERE id = ?`, sessionID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("load canvas state: %w", err)
	}

	var elements []CanvasElement
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		s.logger.Warn("resetting corrupt canvas state", "error", err)
		return nil, nil
	}
	return elements, nil
}

// SetCanvasState replaces the session's canvas snapshot.
func (s *SessionStore) SetCanvasState(userID, agentID string, elements []CanvasElement) error {
	sessionID, err := s.ensureSession(userID, agentID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(elements)
	if err != nil {
		return fmt.Errorf("encode canvas state: %w", err)
	}
	if elements == nil {
		raw = []byte("[]")
	}
	_, err = s.db.Exec(`UPDATE sessions SET canvas_state = ? WHERE id = ?`, string(raw), sessionID)
	return err
}
