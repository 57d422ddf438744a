package assistant

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSessions(t *testing.T) *SessionStore {
	return NewSessionStore(testDB(t), SessionConfig{ContextTokenBudget: 1000, MaxLoad: 200}, testLogger())
}

func userMsg(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock(text)}}
}

func assistantMsg(text string) Message {
	return Message{Role: RoleAssistant, Blocks: []Block{TextBlock(text)}}
}

func toolResultMsg(id, content string) Message {
	return Message{Role: RoleUser, Blocks: []Block{ToolResultBlock(id, content, false)}}
}

func TestSessionAppendAndHistory(t *testing.T) {
	s := testSessions(t)

	if err := s.Append("u1", "a1", userMsg("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("u1", "a1", assistantMsg("hi there")); err != nil {
		t.Fatal(err)
	}
	// A different pair must not see these.
	if err := s.Append("u2", "a1", userMsg("other user")); err != nil {
		t.Fatal(err)
	}

	history, err := s.History("u1", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != RoleUser || history[0].Text() != "hello" {
		t.Errorf("first message = %+v", history[0])
	}
	if history[1].Role != RoleAssistant || history[1].Text() != "hi there" {
		t.Errorf("second message = %+v", history[1])
	}

	other, err := s.History("u2", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Errorf("sessions leaked across users: %d messages", len(other))
	}
}

func TestSessionToolBlocksSurviveRoundTrip(t *testing.T) {
	s := testSessions(t)

	call := Message{Role: RoleAssistant, Blocks: []Block{
		TextBlock("checking"),
		{Type: BlockToolUse, ID: "tu_1", Name: "bash", Input: []byte(`{"command":"ls"}`)},
	}}
	if err := s.Append("u1", "a1", userMsg("list files")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("u1", "a1", call); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("u1", "a1", toolResultMsg("tu_1", "file.txt")); err != nil {
		t.Fatal(err)
	}

	history, err := s.History("u1", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	uses := history[1].ToolUses()
	if len(uses) != 1 || uses[0].Name != "bash" || uses[0].ID != "tu_1" {
		t.Fatalf("tool_use lost in round trip: %+v", history[1])
	}
	if !history[2].HasToolResult() {
		t.Errorf("tool_result lost in round trip: %+v", history[2])
	}
}

func TestWindowMessages(t *testing.T) {
	t.Run("never starts with assistant", func(t *testing.T) {
		history := []Message{
			userMsg("first"),
			assistantMsg(strings.Repeat("x", 400)),
			userMsg("second"),
			assistantMsg("ok"),
		}
		// Budget fits the last three but not all four; the assistant
		// message at the cut must be skipped.
		window := windowMessages(history, 120)
		if len(window) == 0 {
			t.Fatal("empty window")
		}
		if window[0].Role != RoleUser {
			t.Errorf("window starts with %s", window[0].Role)
		}
	})

	t.Run("skips tool result when a later user message fits", func(t *testing.T) {
		history := []Message{
			userMsg("first"),
			Message{Role: RoleAssistant, Blocks: []Block{{Type: BlockToolUse, ID: "t1", Name: "bash", Input: []byte(`{"command":"` + strings.Repeat("z", 800) + `"}`)}}},
			toolResultMsg("t1", "done"),
			assistantMsg("handled"),
			userMsg("second"),
			assistantMsg("ok"),
		}
		// Budget cuts at the tool result; the start must advance past it
		// to the clean user message.
		window := windowMessages(history, 60)
		if len(window) != 2 {
			t.Fatalf("window = %d messages, want 2", len(window))
		}
		if window[0].Text() != "second" {
			t.Errorf("window opens with %q, want the clean user message", window[0].Text())
		}
	})

	t.Run("oversized tool result keeps the budgeted suffix", func(t *testing.T) {
		// Mid-loop the newest message is a tool-result carrier too big
		// for the budget. It must still reach the model; an empty window
		// would fail the next completion outright.
		history := []Message{
			userMsg("fetch the file"),
			Message{Role: RoleAssistant, Blocks: []Block{{Type: BlockToolUse, ID: "t1", Name: "read_file", Input: []byte(`{"path":"big.txt"}`)}}},
			toolResultMsg("t1", strings.Repeat("x", 2000)),
		}
		window := windowMessages(history, 100)
		if len(window) != 1 {
			t.Fatalf("window = %d messages, want the tool result alone", len(window))
		}
		if !window[0].HasToolResult() {
			t.Errorf("window[0] = %+v, want the tool result carrier", window[0])
		}
	})

	t.Run("budget keeps the newest suffix", func(t *testing.T) {
		var history []Message
		for i := 0; i < 10; i++ {
			history = append(history, userMsg(strings.Repeat("a", 100)))
			history = append(history, assistantMsg(strings.Repeat("b", 100)))
		}
		window := windowMessages(history, 200)
		if len(window) >= len(history) {
			t.Fatalf("window not trimmed: %d of %d", len(window), len(history))
		}
		if window[len(window)-1].Text() != history[len(history)-1].Text() {
			t.Error("window dropped the newest message")
		}
		if window[0].Role != RoleUser {
			t.Errorf("window starts with %s", window[0].Role)
		}
	})

	t.Run("single oversized user message still included", func(t *testing.T) {
		history := []Message{userMsg(strings.Repeat("big", 10_000))}
		window := windowMessages(history, 10)
		if len(window) != 1 {
			t.Fatalf("oversized lone message dropped: window=%d", len(window))
		}
	})

	t.Run("empty history", func(t *testing.T) {
		if window := windowMessages(nil, 100); window != nil {
			t.Errorf("want nil window, got %d messages", len(window))
		}
	})
}

func TestSessionReset(t *testing.T) {
	s := testSessions(t)

	if err := s.Append("u1", "a1", userMsg("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCanvasState("u1", "a1", []CanvasElement{{Command: "canvas_show_card"}}); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset("u1", "a1"); err != nil {
		t.Fatal(err)
	}

	history, err := s.History("u1", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history survived reset: %d messages", len(history))
	}
	canvas, err := s.CanvasState("u1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(canvas) != 0 {
		t.Errorf("canvas survived reset: %d elements", len(canvas))
	}
}

func TestCanvasState(t *testing.T) {
	s := testSessions(t)

	elements := []CanvasElement{
		{Command: "canvas_show_card", Params: []byte(`{"title":"hi"}`)},
		{Command: "canvas_show_list"},
	}
	if err := s.SetCanvasState("u1", "a1", elements); err != nil {
		t.Fatal(err)
	}

	got, err := s.CanvasState("u1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Command != "canvas_show_card" {
		t.Errorf("canvas state = %+v", got)
	}
}
