// Package assistant – agent.go runs the tool loop: model call, tool
// dispatch, results back to the model, until the agent ends its turn.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Agent is the persona a run executes as. Agents come from the outer
// platform; the runtime treats them as read-only.
type Agent struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Model       string `yaml:"model" json:"model"`
	Personality string `yaml:"personality" json:"personality"`
	// EnabledTools limits the tool surface. nil means everything; canvas
	// tools are always available.
	EnabledTools []string `yaml:"enabled_tools" json:"enabled_tools"`
}

// RunRequest describes one user turn.
type RunRequest struct {
	UserID string
	Agent  *Agent
	Text   string
	// Unattended runs auto-deny every confirmation and use the sub-agent
	// turn cap by default.
	Unattended bool
	// MaxTurns caps the loop when positive. Zero leaves interactive runs
	// uncapped; unattended runs fall back to the configured sub-agent cap.
	MaxTurns int
	// Confirm answers needs_confirmation commands. Ignored when
	// Unattended is set.
	Confirm ConfirmFunc
}

// RunResult is the outcome of one run.
type RunResult struct {
	RunID     string
	Text      string
	ToolCalls []ToolCallRecord
	Events    []Event
	Usage     ModelUsage
}

// Orchestrator drives the tool loop.
type Orchestrator struct {
	model      ModelClient
	sessions   *SessionStore
	dispatcher *ToolDispatcher
	bus        *EventBus
	cfg        ModelConfig
	logger     *slog.Logger
}

// NewOrchestrator wires the loop's dependencies.
func NewOrchestrator(model ModelClient, sessions *SessionStore, dispatcher *ToolDispatcher, bus *EventBus, cfg ModelConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		model:      model,
		sessions:   sessions,
		dispatcher: dispatcher,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Run executes one user turn to completion. Model transport errors are
// returned to the caller unchanged; everything the run produced so far is
// already persisted in the session.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("run request has no agent")
	}

	result := &RunResult{RunID: uuid.NewString()}
	rc := runContext{
		RunID:      result.RunID,
		UserID:     req.UserID,
		AgentID:    req.Agent.ID,
		Unattended: req.Unattended,
		Confirm:    req.Confirm,
	}

	// Collect everything this run publishes, canvas commands included.
	var evMu sync.Mutex
	unsubscribe := o.bus.Subscribe(func(ev Event) {
		if ev.RunID != result.RunID {
			return
		}
		evMu.Lock()
		result.Events = append(result.Events, ev)
		evMu.Unlock()
	})
	defer unsubscribe()
	defer o.bus.EndRun(result.RunID)

	logger := o.logger.With("run", result.RunID, "user", req.UserID, "agent", req.Agent.ID)

	if err := o.sessions.Append(req.UserID, req.Agent.ID, Message{
		Role:   RoleUser,
		Blocks: []Block{TextBlock(req.Text)},
	}); err != nil {
		return nil, err
	}

	// Interactive runs carry no turn cap; the context window bounds them.
	maxTurns := req.MaxTurns
	if maxTurns <= 0 && req.Unattended {
		maxTurns = o.cfg.SubAgentMaxTurns
	}

	tools := FilterToolDefinitions(AllToolDefinitions(), req.Agent.EnabledTools)
	modelName := req.Agent.Model
	if modelName == "" {
		modelName = o.cfg.Name
	}

	for turn := 0; ; turn++ {
		if maxTurns > 0 && turn >= maxTurns {
			logger.Warn("turn cap reached", "max_turns", maxTurns)
			o.emitProcessing(rc, "done")
			return result, nil
		}

		o.emitProcessing(rc, "thinking")

		window, err := o.sessions.ContextWindow(req.UserID, req.Agent.ID, o.sessions.cfg.ContextTokenBudget)
		if err != nil {
			return nil, err
		}

		system, err := o.buildSystem(req.UserID, req.Agent)
		if err != nil {
			return nil, err
		}

		resp, err := o.model.Complete(ctx, ModelRequest{
			Model:     modelName,
			System:    system,
			Messages:  window,
			Tools:     tools,
			MaxTokens: o.cfg.MaxTokens,
		})
		if err != nil {
			// Transport errors are the caller's problem; nothing here
			// can answer the user in the model's place.
			return nil, err
		}

		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		assistantMsg := Message{Role: RoleAssistant, Blocks: resp.Blocks}
		if err := o.sessions.Append(req.UserID, req.Agent.ID, assistantMsg); err != nil {
			return nil, err
		}

		if text := assistantMsg.Text(); text != "" {
			o.emitSubtitle(rc, text)
			result.Text = text
		}

		uses := assistantMsg.ToolUses()
		if len(uses) == 0 {
			o.emitProcessing(rc, "done")
			logger.Info("run finished", "turns", turn+1, "tool_calls", len(result.ToolCalls))
			return result, nil
		}

		var resultBlocks []Block
		for _, use := range uses {
			o.emitProcessing(rc, "running_tool:"+use.Name)

			content, isError := o.dispatcher.Dispatch(ctx, rc, use)
			result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
				ID:      use.ID,
				Name:    use.Name,
				Input:   use.Input,
				Output:  content,
				IsError: isError,
			})
			resultBlocks = append(resultBlocks, ToolResultBlock(use.ID, content, isError))
		}

		if err := o.sessions.Append(req.UserID, req.Agent.ID, Message{
			Role:   RoleUser,
			Blocks: resultBlocks,
		}); err != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) buildSystem(userID string, agent *Agent) (string, error) {
	facts, err := o.dispatcher.memory.List(agent.ID, 50)
	if err != nil {
		return "", fmt.Errorf("load memory for prompt: %w", err)
	}
	canvas, err := o.sessions.CanvasState(userID, agent.ID)
	if err != nil {
		canvas = nil
	}
	return buildSystemPrompt(agent, facts, canvas), nil
}

func (o *Orchestrator) emitProcessing(rc runContext, status string) {
	data, _ := json.Marshal(map[string]string{"status": status})
	o.bus.Publish(Event{
		RunID:   rc.RunID,
		UserID:  rc.UserID,
		AgentID: rc.AgentID,
		Type:    EventProcessing,
		Data:    data,
	})
}

func (o *Orchestrator) emitSubtitle(rc runContext, text string) {
	data, _ := json.Marshal(map[string]string{"text": text})
	o.bus.Publish(Event{
		RunID:   rc.RunID,
		UserID:  rc.UserID,
		AgentID: rc.AgentID,
		Type:    EventSubtitle,
		Data:    data,
	})
}
