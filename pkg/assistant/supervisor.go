// Package assistant – supervisor.go keeps long-lived helper processes (dev
// servers, watchers, tunnels) running past the end of the agent turn that
// started them.
//
// Each process gets a metadata JSON file and a log file under the state dir.
// Those survive restarts, so status and log queries keep working for
// processes a previous instance started. The in-memory map only tracks
// processes this instance can still wait on.
package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Process states.
const (
	ProcessRunning = "running"
	ProcessExited  = "exited"
	ProcessStopped = "stopped"
)

var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrAlreadyStopped = errors.New("process already stopped")
)

// ProcessRecord is the persisted description of one supervised process.
type ProcessRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Command   string     `json:"command"`
	Dir       string     `json:"dir,omitempty"`
	PID       int        `json:"pid"`
	Status    string     `json:"status"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LogPath   string     `json:"log_path"`
}

type liveProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu            sync.Mutex
	stopRequested bool
}

// ProcessSupervisor starts, tracks and stops detached host processes.
type ProcessSupervisor struct {
	dir    string
	grace  time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*liveProcess
}

// NewProcessSupervisor creates a supervisor storing state under dir.
func NewProcessSupervisor(dir string, logger *slog.Logger) (*ProcessSupervisor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create process dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSupervisor{
		dir:    dir,
		grace:  5 * time.Second,
		logger: logger.With("component", "supervisor"),
		live:   make(map[string]*liveProcess),
	}, nil
}

// SetStopGrace overrides the graceful-stop window.
func (s *ProcessSupervisor) SetStopGrace(d time.Duration) { s.grace = d }

// Start launches command detached and returns its record. name may be empty;
// the ID slug then derives from the command itself.
func (s *ProcessSupervisor) Start(name, command, dir string) (*ProcessRecord, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("empty command")
	}

	id := makeProcessID(name, command)
	logPath := filepath.Join(s.dir, id+".log")

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command("bash", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		os.Remove(logPath)
		return nil, fmt.Errorf("start process: %w", err)
	}

	record := &ProcessRecord{
		ID:        id,
		Name:      name,
		Command:   command,
		Dir:       dir,
		PID:       cmd.Process.Pid,
		Status:    ProcessRunning,
		StartedAt: time.Now().UTC(),
		LogPath:   logPath,
	}
	if err := s.writeRecord(record); err != nil {
		// Process is up; losing the metadata would orphan it.
		_ = killProcessGroup(cmd.Process.Pid)
		logFile.Close()
		return nil, err
	}

	lp := &liveProcess{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.live[id] = lp
	s.mu.Unlock()

	go s.reap(id, lp, logFile)

	s.logger.Info("process started", "id", id, "pid", record.PID, "command", command)
	return record, nil
}

// reap waits for the process and performs the terminal transition exactly
// once: record updated, live entry removed, log file closed.
func (s *ProcessSupervisor) reap(id string, lp *liveProcess, logFile *os.File) {
	err := lp.cmd.Wait()
	logFile.Close()

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	lp.mu.Lock()
	status := ProcessExited
	if lp.stopRequested {
		status = ProcessStopped
	}
	lp.mu.Unlock()

	// The terminal record must be on disk before the live entry goes away,
	// under the same lock Stop takes for its live check. A concurrent Stop
	// that misses the live entry then reads a terminal record instead of
	// treating the process as an orphan.
	s.mu.Lock()
	record, readErr := s.readRecord(id)
	if readErr != nil {
		s.logger.Error("cannot update record of exited process", "id", id, "error", readErr)
	} else {
		now := time.Now().UTC()
		record.Status = status
		record.ExitCode = &exitCode
		record.EndedAt = &now
		if err := s.writeRecord(record); err != nil {
			s.logger.Error("cannot persist terminal state", "id", id, "error", err)
		}
	}
	delete(s.live, id)
	s.mu.Unlock()

	close(lp.done)
	s.logger.Info("process finished", "id", id, "status", status, "exit_code", exitCode)
}

// Stop terminates a running process: SIGTERM to the group, a grace window,
// then SIGKILL. Unknown IDs and already-terminal processes are errors.
func (s *ProcessSupervisor) Stop(id string) error {
	s.mu.Lock()
	lp, isLive := s.live[id]
	s.mu.Unlock()

	if !isLive {
		record, err := s.readRecord(id)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
		}
		if record.Status != ProcessRunning {
			return fmt.Errorf("%w: %s", ErrAlreadyStopped, id)
		}
		// Started by a previous instance; no Wait handle, signal by PID.
		return s.stopOrphan(record)
	}

	lp.mu.Lock()
	lp.stopRequested = true
	lp.mu.Unlock()

	pid := lp.cmd.Process.Pid
	s.logger.Info("stopping process", "id", id, "pid", pid)

	if err := terminateProcessGroup(pid); err != nil {
		s.logger.Warn("SIGTERM failed, killing", "id", id, "error", err)
		_ = killProcessGroup(pid)
	}

	select {
	case <-lp.done:
		return nil
	case <-time.After(s.grace):
		s.logger.Warn("grace period expired, killing", "id", id)
		_ = killProcessGroup(pid)
	}

	<-lp.done
	return nil
}

// stopOrphan handles a process recorded as running by a previous instance.
func (s *ProcessSupervisor) stopOrphan(record *ProcessRecord) error {
	if err := terminateProcessGroup(record.PID); err != nil {
		// Likely already gone; record it as stopped either way.
		s.logger.Warn("orphan signal failed", "id", record.ID, "pid", record.PID, "error", err)
	} else {
		time.Sleep(s.grace)
		_ = killProcessGroup(record.PID)
	}

	now := time.Now().UTC()
	record.Status = ProcessStopped
	record.EndedAt = &now
	return s.writeRecord(record)
}

// Status returns the current record for id.
func (s *ProcessSupervisor) Status(id string) (*ProcessRecord, error) {
	record, err := s.readRecord(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	return record, nil
}

// List returns all known records, newest first.
func (s *ProcessSupervisor) List() ([]*ProcessRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read process dir: %w", err)
	}

	var records []*ProcessRecord
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := s.readRecord(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable record", "file", entry.Name(), "error", err)
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// ReadLog returns the last n lines of the process log.
func (s *ProcessSupervisor) ReadLog(id string, n int) (string, error) {
	record, err := s.readRecord(id)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}

	raw, err := os.ReadFile(record.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log: %w", err)
	}

	if n <= 0 {
		n = 50
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Shutdown stops every live process. On-disk records are left for the next
// instance.
func (s *ProcessSupervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.logger.Warn("shutdown stop failed", "id", id, "error", err)
		}
	}
}

func (s *ProcessSupervisor) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *ProcessSupervisor) writeRecord(record *ProcessRecord) error {
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := os.WriteFile(s.recordPath(record.ID), raw, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (s *ProcessSupervisor) readRecord(id string) (*ProcessRecord, error) {
	raw, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, err
	}
	var record ProcessRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &record, nil
}

// makeProcessID builds "slug-base36millis". The slug comes from the name, or
// from the first two words of the command when no name is given.
func makeProcessID(name, command string) string {
	source := name
	if source == "" {
		words := strings.Fields(command)
		if len(words) > 2 {
			words = words[:2]
		}
		source = strings.Join(words, " ")
	}

	var slug strings.Builder
	for _, r := range strings.ToLower(source) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			slug.WriteRune(r)
		default:
			if slug.Len() > 0 && slug.String()[slug.Len()-1] != '-' {
				slug.WriteByte('-')
			}
		}
	}
	cleaned := strings.Trim(slug.String(), "-")
	if cleaned == "" {
		cleaned = "proc"
	}
	if len(cleaned) > 32 {
		cleaned = cleaned[:32]
	}

	return cleaned + "-" + strconv.FormatInt(time.Now().UnixMilli(), 36)
}
