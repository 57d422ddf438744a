// Package assistant – approval.go carries confirmation requests from the
// host executor out to whatever surface can ask the user (chat REPL, API).
//
// The executor never sees channels directly; it calls a ConfirmFunc. For
// interactive runs that func is bridged through the ApprovalManager so an
// outer surface can list pending requests and resolve them by ID.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConfirmFunc answers whether a flagged command may run. Returning an error
// counts as denial; the executor fails closed.
type ConfirmFunc func(ctx context.Context, command, reason string) (bool, error)

// DenyAll is the ConfirmFunc for unattended runs.
func DenyAll(ctx context.Context, command, reason string) (bool, error) {
	return false, nil
}

// DefaultApprovalTimeout bounds how long a request waits for an answer.
const DefaultApprovalTimeout = 2 * time.Minute

var (
	ErrApprovalTimeout  = errors.New("approval request timed out")
	ErrApprovalUnknown  = errors.New("no such pending approval")
	ErrApprovalResolved = errors.New("approval already resolved")
)

// PendingApproval is one outstanding confirmation request.
type PendingApproval struct {
	ID        string
	UserID    string
	Command   string
	Reason    string
	CreatedAt time.Time

	result chan bool
	once   sync.Once
}

// ApprovalManager tracks outstanding confirmation requests.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	timeout time.Duration
	logger  *slog.Logger
}

// NewApprovalManager creates a manager. A zero timeout uses the default.
func NewApprovalManager(timeout time.Duration, logger *slog.Logger) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalManager{
		pending: make(map[string]*PendingApproval),
		timeout: timeout,
		logger:  logger.With("component", "approvals"),
	}
}

// Request registers a pending approval and blocks until it is resolved, the
// timeout passes, or ctx is done. Timeout and cancellation count as denial.
func (m *ApprovalManager) Request(ctx context.Context, userID, command, reason string) (bool, error) {
	p := &PendingApproval{
		ID:        uuid.NewString(),
		UserID:    userID,
		Command:   command,
		Reason:    reason,
		CreatedAt: time.Now(),
		result:    make(chan bool, 1),
	}

	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, p.ID)
		m.mu.Unlock()
	}()

	m.logger.Info("approval requested", "id", p.ID, "user", userID, "reason", reason)

	select {
	case approved := <-p.result:
		m.logger.Info("approval resolved", "id", p.ID, "approved", approved)
		return approved, nil
	case <-time.After(m.timeout):
		m.logger.Warn("approval timed out", "id", p.ID)
		return false, ErrApprovalTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers a pending approval by ID.
func (m *ApprovalManager) Resolve(id string, approved bool) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return ErrApprovalUnknown
	}

	err := ErrApprovalResolved
	p.once.Do(func() {
		p.result <- approved
		err = nil
	})
	return err
}

// Pending lists outstanding requests, oldest first.
func (m *ApprovalManager) Pending() []*PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*PendingApproval, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ConfirmVia returns a ConfirmFunc that routes through the manager for the
// given user.
func (m *ApprovalManager) ConfirmVia(userID string) ConfirmFunc {
	return func(ctx context.Context, command, reason string) (bool, error) {
		return m.Request(ctx, userID, command, reason)
	}
}
