package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptedModel returns canned responses in order and records every request.
type scriptedModel struct {
	responses []*ModelResponse
	requests  []ModelRequest
	err       error
}

func (m *scriptedModel) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &ModelResponse{Blocks: []Block{TextBlock("out of script")}, StopReason: StopEndTurn}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func toolUseResponse(id, name, input string) *ModelResponse {
	return &ModelResponse{
		Blocks: []Block{
			TextBlock("let me check"),
			{Type: BlockToolUse, ID: id, Name: name, Input: []byte(input)},
		},
		StopReason: StopToolUse,
	}
}

func textResponse(text string) *ModelResponse {
	return &ModelResponse{Blocks: []Block{TextBlock(text)}, StopReason: StopEndTurn}
}

func testOrchestrator(t *testing.T, model ModelClient) (*Orchestrator, dispatcherFixture) {
	t.Helper()
	f := testDispatcher(t)
	cfg := ModelConfig{Name: "test-model", MaxTokens: 1024, SubAgentMaxTurns: 4}
	orch := NewOrchestrator(model, f.sessions, f.dispatcher, f.bus, cfg, testLogger())
	return orch, f
}

func testAgent() *Agent {
	return &Agent{ID: "a1", Name: "Buddy"}
}

func TestRunSimpleTurn(t *testing.T) {
	model := &scriptedModel{responses: []*ModelResponse{textResponse("hello back")}}
	orch, f := testOrchestrator(t, model)

	result, err := orch.Run(context.Background(), RunRequest{
		UserID: "u1", Agent: testAgent(), Text: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "hello back" {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(result.ToolCalls))
	}

	history, err := f.sessions.History("u1", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want user + assistant", len(history))
	}
	if history[0].Role != RoleUser || history[1].Role != RoleAssistant {
		t.Errorf("history roles = %s, %s", history[0].Role, history[1].Role)
	}

	// Subtitle and processing events were published.
	var subtitles int
	for _, ev := range result.Events {
		if ev.Type == EventSubtitle {
			subtitles++
		}
	}
	if subtitles != 1 {
		t.Errorf("subtitle events = %d, want 1", subtitles)
	}
}

func TestRunToolLoop(t *testing.T) {
	model := &scriptedModel{responses: []*ModelResponse{
		toolUseResponse("tu_1", "bash", `{"command":"echo loop-proof"}`),
		toolUseResponse("tu_2", "canvas_show_card", `{"body":"result"}`),
		textResponse("all done"),
	}}
	orch, f := testOrchestrator(t, model)

	result, err := orch.Run(context.Background(), RunRequest{
		UserID: "u1", Agent: testAgent(), Text: "run it",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Tool calls from every turn are accumulated.
	if len(result.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Name != "bash" || result.ToolCalls[1].Name != "canvas_show_card" {
		t.Errorf("tool call order = %s, %s", result.ToolCalls[0].Name, result.ToolCalls[1].Name)
	}
	if !strings.Contains(result.ToolCalls[0].Output, "loop-proof") {
		t.Errorf("bash output missing: %q", result.ToolCalls[0].Output)
	}
	if result.Text != "all done" {
		t.Errorf("final text = %q", result.Text)
	}

	// Session shape: user, assistant+tool_use, user+tool_result, ... final.
	history, err := f.sessions.History("u1", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 6 {
		t.Fatalf("history = %d messages, want 6", len(history))
	}
	if len(history[1].ToolUses()) != 1 || !history[2].HasToolResult() {
		t.Error("tool request/result pairing broken in history")
	}

	// Later model calls saw the tool results.
	lastReq := model.requests[len(model.requests)-1]
	found := false
	for _, m := range lastReq.Messages {
		if m.HasToolResult() {
			found = true
		}
	}
	if !found {
		t.Error("model never saw tool results")
	}
}

func TestRunModelErrorPropagates(t *testing.T) {
	wantErr := errors.New("connection refused")
	model := &scriptedModel{err: wantErr}
	orch, _ := testOrchestrator(t, model)

	_, err := orch.Run(context.Background(), RunRequest{
		UserID: "u1", Agent: testAgent(), Text: "hello",
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want the transport error unchanged", err)
	}
}

func TestRunTurnCap(t *testing.T) {
	// A model that always asks for another tool call.
	looping := &loopingModel{}
	orch, _ := testOrchestrator(t, looping)

	result, err := orch.Run(context.Background(), RunRequest{
		UserID: "u1", Agent: testAgent(), Text: "go", Unattended: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// SubAgentMaxTurns is 4 in the fixture.
	if looping.calls > 4 {
		t.Errorf("model called %d times, cap is 4", looping.calls)
	}
	if len(result.ToolCalls) == 0 {
		t.Error("no tool calls recorded before the cap")
	}
}

func TestRunInteractiveHasNoTurnCap(t *testing.T) {
	// 30 tool-requesting turns, then a real answer. An interactive run
	// must follow the model all the way to that answer.
	var responses []*ModelResponse
	for i := 0; i < 30; i++ {
		responses = append(responses, toolUseResponse("tu_x", "memory_list", `{}`))
	}
	responses = append(responses, textResponse("finally done"))

	model := &scriptedModel{responses: responses}
	orch, _ := testOrchestrator(t, model)

	result, err := orch.Run(context.Background(), RunRequest{
		UserID: "u1", Agent: testAgent(), Text: "keep going",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "finally done" {
		t.Errorf("final text = %q, run was cut short", result.Text)
	}
	if len(model.requests) != 31 {
		t.Errorf("model calls = %d, want 31", len(model.requests))
	}
	if len(result.ToolCalls) != 30 {
		t.Errorf("tool calls = %d, want 30", len(result.ToolCalls))
	}
}

type loopingModel struct {
	calls int
}

func (m *loopingModel) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	m.calls++
	return toolUseResponse("tu_x", "memory_list", `{}`), nil
}

func TestRunUnattendedDeniesConfirmation(t *testing.T) {
	model := &scriptedModel{responses: []*ModelResponse{
		toolUseResponse("tu_1", "bash", `{"command":"rm -rf scratch"}`),
		textResponse("could not do it"),
	}}
	orch, f := testOrchestrator(t, model)

	// Give the executor a guard that flags rm -rf.
	f.dispatcher.executor.guard = NewCommandGuard(writeRules(t, testRules), false, testLogger())

	result, err := orch.Run(context.Background(), RunRequest{
		UserID: "u1", Agent: testAgent(), Text: "clean up",
		Unattended: true,
		Confirm: func(ctx context.Context, command, reason string) (bool, error) {
			t.Error("confirmation callback must not be consulted unattended")
			return true, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ToolCalls) != 1 || !result.ToolCalls[0].IsError {
		t.Fatalf("tool calls = %+v, want one denied call", result.ToolCalls)
	}
	if !strings.Contains(result.ToolCalls[0].Output, "denied") {
		t.Errorf("output = %q", result.ToolCalls[0].Output)
	}
}

func TestRunAgentToolFilter(t *testing.T) {
	model := &scriptedModel{responses: []*ModelResponse{textResponse("ok")}}
	orch, _ := testOrchestrator(t, model)

	agent := testAgent()
	agent.EnabledTools = []string{"memory_list"}

	if _, err := orch.Run(context.Background(), RunRequest{UserID: "u1", Agent: agent, Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	for _, def := range model.requests[0].Tools {
		if def.Name == "bash" {
			t.Error("disabled tool offered to the model")
		}
	}
}
