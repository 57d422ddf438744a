//go:build !windows

package assistant

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func testSupervisor(t *testing.T) *ProcessSupervisor {
	t.Helper()
	s, err := NewProcessSupervisor(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.SetStopGrace(300 * time.Millisecond)
	t.Cleanup(s.Shutdown)
	return s
}

func waitForStatus(t *testing.T, s *ProcessSupervisor, id, want string) *ProcessRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := s.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if record.Status == want {
			return record
		}
		time.Sleep(20 * time.Millisecond)
	}
	record, _ := s.Status(id)
	t.Fatalf("process %s never reached %s (last: %+v)", id, want, record)
	return nil
}

func TestSupervisorStartAndExit(t *testing.T) {
	s := testSupervisor(t)

	record, err := s.Start("hello", "echo from-the-process", "")
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != ProcessRunning {
		t.Errorf("initial status = %s", record.Status)
	}
	if !strings.HasPrefix(record.ID, "hello-") {
		t.Errorf("id = %q, want hello-<ts> form", record.ID)
	}

	final := waitForStatus(t, s, record.ID, ProcessExited)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}
	if final.EndedAt == nil {
		t.Error("terminal record has no end time")
	}

	// Metadata file survives on disk.
	if _, err := os.Stat(filepath.Join(s.dir, record.ID+".json")); err != nil {
		t.Errorf("metadata file missing: %v", err)
	}

	log, err := s.ReadLog(record.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(log, "from-the-process") {
		t.Errorf("log = %q, want process output", log)
	}
}

func TestSupervisorIDFromCommand(t *testing.T) {
	s := testSupervisor(t)

	record, err := s.Start("", "sleep 0.05", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(record.ID, "sleep-0-05-") {
		t.Errorf("id = %q, want slug from first command words", record.ID)
	}
	waitForStatus(t, s, record.ID, ProcessExited)
}

func TestSupervisorStop(t *testing.T) {
	s := testSupervisor(t)

	record, err := s.Start("sleeper", "sleep 60", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Stop(record.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	final := waitForStatus(t, s, record.ID, ProcessStopped)
	if final.EndedAt == nil {
		t.Error("stopped record has no end time")
	}

	// The process group must actually be gone.
	if err := syscall.Kill(-record.PID, 0); err == nil {
		t.Error("process group still alive after Stop")
	}

	t.Run("second stop errors", func(t *testing.T) {
		err := s.Stop(record.ID)
		if !errors.Is(err, ErrAlreadyStopped) {
			t.Errorf("err = %v, want ErrAlreadyStopped", err)
		}
	})
}

func TestSupervisorReapWritesRecordBeforeDroppingLive(t *testing.T) {
	s := testSupervisor(t)

	record, err := s.Start("quick", "true", "")
	if err != nil {
		t.Fatal(err)
	}

	// The moment the live entry is gone, the on-disk record must already
	// be terminal. Otherwise a concurrent Stop reads a running record and
	// treats its own process as an orphan, double-writing terminal state.
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		_, isLive := s.live[record.ID]
		s.mu.Unlock()
		if !isLive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := s.Status(record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ProcessExited {
		t.Errorf("status right after reap = %s, want %s", got.Status, ProcessExited)
	}

	if err := s.Stop(record.ID); !errors.Is(err, ErrAlreadyStopped) {
		t.Errorf("Stop after reap = %v, want ErrAlreadyStopped", err)
	}
	final, err := s.Status(record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ProcessExited {
		t.Errorf("Stop rewrote terminal status to %s", final.Status)
	}
}

func TestSupervisorStopKillsStubborn(t *testing.T) {
	s := testSupervisor(t)

	// Traps SIGTERM, so only the SIGKILL escalation can end it.
	record, err := s.Start("stubborn", `trap '' TERM; sleep 60`, "")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // let the trap install

	start := time.Now()
	if err := s.Stop(record.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("escalation took too long")
	}
	waitForStatus(t, s, record.ID, ProcessStopped)
}

func TestSupervisorUnknownProcess(t *testing.T) {
	s := testSupervisor(t)

	if err := s.Stop("no-such-id"); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("Stop err = %v, want ErrUnknownProcess", err)
	}
	if _, err := s.Status("no-such-id"); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("Status err = %v, want ErrUnknownProcess", err)
	}
	if _, err := s.ReadLog("no-such-id", 10); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("ReadLog err = %v, want ErrUnknownProcess", err)
	}
}

func TestSupervisorRecordsSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	first, err := NewProcessSupervisor(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	first.SetStopGrace(200 * time.Millisecond)

	record, err := first.Start("short", "echo done", "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, first, record.ID, ProcessExited)

	// A fresh instance over the same dir still answers for it.
	second, err := NewProcessSupervisor(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	got, err := second.Status(record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ProcessExited {
		t.Errorf("status after restart = %s", got.Status)
	}

	log, err := second.ReadLog(record.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(log, "done") {
		t.Errorf("log after restart = %q", log)
	}

	records, err := second.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("List after restart = %d records", len(records))
	}
}

func TestSupervisorReadLogTail(t *testing.T) {
	s := testSupervisor(t)

	record, err := s.Start("counter", "for i in $(seq 1 100); do echo line$i; done", "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, record.ID, ProcessExited)

	log, err := s.ReadLog(record.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(log, "\n")
	if len(lines) != 5 {
		t.Fatalf("tail = %d lines, want 5", len(lines))
	}
	if lines[4] != "line100" {
		t.Errorf("last line = %q, want line100", lines[4])
	}
}
