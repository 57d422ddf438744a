// Package assistant – tools.go declares the tool surface exposed to the
// model and routes calls to the subsystems that implement them.
//
// The tool set is closed: names map to a toolKind and a single exhaustive
// switch dispatches them. An unknown name is an error result for the model,
// never a panic.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raffenmb/buddy-sub000/pkg/assistant/memory"
)

// toolKind enumerates every tool the runtime implements.
type toolKind int

const (
	toolUnknown toolKind = iota
	toolCanvasShowCard
	toolCanvasShowList
	toolCanvasShowMedia
	toolCanvasClear
	toolMemoryRemember
	toolMemorySearch
	toolMemoryList
	toolMemoryForget
	toolBash
	toolReadFile
	toolWriteFile
	toolListFiles
	toolProcessStart
	toolProcessStop
	toolProcessStatus
	toolProcessLogs
)

var toolKinds = map[string]toolKind{
	"canvas_show_card":  toolCanvasShowCard,
	"canvas_show_list":  toolCanvasShowList,
	"canvas_show_media": toolCanvasShowMedia,
	"canvas_clear":      toolCanvasClear,
	"memory_remember":   toolMemoryRemember,
	"memory_search":     toolMemorySearch,
	"memory_list":       toolMemoryList,
	"memory_forget":     toolMemoryForget,
	"bash":              toolBash,
	"read_file":         toolReadFile,
	"write_file":        toolWriteFile,
	"list_files":        toolListFiles,
	"process_start":     toolProcessStart,
	"process_stop":      toolProcessStop,
	"process_status":    toolProcessStatus,
	"process_logs":      toolProcessLogs,
}

// runContext carries per-run state through tool dispatch. It is passed
// explicitly; nothing here lives in a global.
type runContext struct {
	RunID      string
	UserID     string
	AgentID    string
	Unattended bool
	Confirm    ConfirmFunc
}

// ToolCallRecord captures one dispatched call for the run result.
type ToolCallRecord struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output"`
	IsError bool            `json:"is_error,omitempty"`
}

// ToolDispatcher routes tool calls to the executor, supervisor, memory and
// canvas.
type ToolDispatcher struct {
	executor   *HostExecutor
	supervisor *ProcessSupervisor
	memory     *memory.Store
	sessions   *SessionStore
	bus        *EventBus
	workspace  string
	logger     *slog.Logger
}

// NewToolDispatcher wires the tool surface.
func NewToolDispatcher(executor *HostExecutor, supervisor *ProcessSupervisor, mem *memory.Store, sessions *SessionStore, bus *EventBus, workspace string, logger *slog.Logger) *ToolDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolDispatcher{
		executor:   executor,
		supervisor: supervisor,
		memory:     mem,
		sessions:   sessions,
		bus:        bus,
		workspace:  workspace,
		logger:     logger.With("component", "tools"),
	}
}

// Dispatch executes one tool_use block and returns the result content for
// the model.
func (d *ToolDispatcher) Dispatch(ctx context.Context, rc runContext, call Block) (string, bool) {
	kind := toolKinds[call.Name]

	d.logger.Debug("tool call", "run", rc.RunID, "tool", call.Name)

	switch kind {
	case toolCanvasShowCard, toolCanvasShowList, toolCanvasShowMedia:
		return d.canvasShow(rc, call)
	case toolCanvasClear:
		return d.canvasClear(rc, call)

	case toolMemoryRemember:
		return d.memoryRemember(rc, call)
	case toolMemorySearch:
		return d.memorySearch(rc, call)
	case toolMemoryList:
		return d.memoryList(rc)
	case toolMemoryForget:
		return d.memoryForget(rc, call)

	case toolBash:
		return d.runBash(ctx, rc, call)
	case toolReadFile:
		return d.readFile(call)
	case toolWriteFile:
		return d.writeFile(call)
	case toolListFiles:
		return d.listFiles(call)

	case toolProcessStart:
		return d.processStart(call)
	case toolProcessStop:
		return d.processStop(call)
	case toolProcessStatus:
		return d.processStatus(call)
	case toolProcessLogs:
		return d.processLogs(call)

	case toolUnknown:
		fallthrough
	default:
		return toolError(call.Name, fmt.Errorf("unknown tool")), true
	}
}

// toolError shapes an error for the model the same way every time.
func toolError(tool string, err error) string {
	raw, _ := json.Marshal(map[string]string{
		"status": "error",
		"tool":   tool,
		"error":  err.Error(),
	})
	return string(raw)
}

// ── canvas tools ──
// Canvas tools never touch the host. They acknowledge to the model, emit a
// canvas_command event for the client, and update the session snapshot.

func (d *ToolDispatcher) emitCanvas(rc runContext, command string, params json.RawMessage) {
	data, _ := json.Marshal(map[string]any{
		"command": command,
		"params":  params,
	})
	d.bus.Publish(Event{
		RunID:   rc.RunID,
		UserID:  rc.UserID,
		AgentID: rc.AgentID,
		Type:    EventCanvasCommand,
		Data:    data,
	})
}

func (d *ToolDispatcher) canvasShow(rc runContext, call Block) (string, bool) {
	d.emitCanvas(rc, call.Name, call.Input)

	elements, err := d.sessions.CanvasState(rc.UserID, rc.AgentID)
	if err != nil {
		return toolError(call.Name, err), true
	}
	elements = append(elements, CanvasElement{
		Command: call.Name,
		Params:  call.Input,
		AddedAt: time.Now().UTC(),
	})
	if err := d.sessions.SetCanvasState(rc.UserID, rc.AgentID, elements); err != nil {
		return toolError(call.Name, err), true
	}
	return "ok", false
}

func (d *ToolDispatcher) canvasClear(rc runContext, call Block) (string, bool) {
	d.emitCanvas(rc, call.Name, call.Input)
	if err := d.sessions.SetCanvasState(rc.UserID, rc.AgentID, nil); err != nil {
		return toolError(call.Name, err), true
	}
	return "ok", false
}

// ── memory tools ──

func (d *ToolDispatcher) memoryRemember(rc runContext, call Block) (string, bool) {
	var args struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	id, err := d.memory.Remember(rc.AgentID, args.Content)
	if err != nil {
		return toolError(call.Name, err), true
	}
	return fmt.Sprintf("remembered (id %d)", id), false
}

func (d *ToolDispatcher) memorySearch(rc runContext, call Block) (string, bool) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	facts, err := d.memory.Search(rc.AgentID, args.Query, 20)
	if err != nil {
		return toolError(call.Name, err), true
	}
	return formatFacts(facts), false
}

func (d *ToolDispatcher) memoryList(rc runContext) (string, bool) {
	facts, err := d.memory.List(rc.AgentID, 50)
	if err != nil {
		return toolError("memory_list", err), true
	}
	return formatFacts(facts), false
}

func (d *ToolDispatcher) memoryForget(rc runContext, call Block) (string, bool) {
	var args struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	if err := d.memory.Forget(rc.AgentID, args.ID); err != nil {
		return toolError(call.Name, err), true
	}
	return "forgotten", false
}

func formatFacts(facts []memory.Fact) string {
	if len(facts) == 0 {
		return "no facts stored"
	}
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "[%d] %s\n", f.ID, f.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ── host tools ──

func (d *ToolDispatcher) runBash(ctx context.Context, rc runContext, call Block) (string, bool) {
	var args struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}

	confirm := rc.Confirm
	if rc.Unattended {
		confirm = DenyAll
	}

	result := d.executor.Execute(ctx, ExecRequest{
		Command: args.Command,
		Cwd:     args.Cwd,
		Timeout: time.Duration(args.TimeoutSeconds) * time.Second,
		Confirm: confirm,
	})

	raw, _ := json.Marshal(result)
	return string(raw), result.Denied
}

func (d *ToolDispatcher) resolvePath(path string) (string, error) {
	absWorkspace, err := filepath.Abs(d.workspace)
	if err != nil {
		return "", err
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(absWorkspace, full)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(absWorkspace, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return full, nil
}

func (d *ToolDispatcher) readFile(call Block) (string, bool) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	full, err := d.resolvePath(args.Path)
	if err != nil {
		return toolError(call.Name, err), true
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return toolError(call.Name, err), true
	}
	return string(raw), false
}

func (d *ToolDispatcher) writeFile(call Block) (string, bool) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	full, err := d.resolvePath(args.Path)
	if err != nil {
		return toolError(call.Name, err), true
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return toolError(call.Name, err), true
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return toolError(call.Name, err), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), false
}

func (d *ToolDispatcher) listFiles(call Block) (string, bool) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	if args.Path == "" {
		args.Path = "."
	}
	full, err := d.resolvePath(args.Path)
	if err != nil {
		return toolError(call.Name, err), true
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return toolError(call.Name, err), true
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", false
	}
	return strings.Join(names, "\n"), false
}

// ── process tools ──

func (d *ToolDispatcher) processStart(call Block) (string, bool) {
	var args struct {
		Name    string `json:"name"`
		Command string `json:"command"`
		Dir     string `json:"dir"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	record, err := d.supervisor.Start(args.Name, args.Command, args.Dir)
	if err != nil {
		return toolError(call.Name, err), true
	}
	raw, _ := json.Marshal(record)
	return string(raw), false
}

func (d *ToolDispatcher) processStop(call Block) (string, bool) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	if err := d.supervisor.Stop(args.ID); err != nil {
		return toolError(call.Name, err), true
	}
	return "stopped", false
}

func (d *ToolDispatcher) processStatus(call Block) (string, bool) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	if args.ID == "" {
		records, err := d.supervisor.List()
		if err != nil {
			return toolError(call.Name, err), true
		}
		raw, _ := json.Marshal(records)
		return string(raw), false
	}
	record, err := d.supervisor.Status(args.ID)
	if err != nil {
		return toolError(call.Name, err), true
	}
	raw, _ := json.Marshal(record)
	return string(raw), false
}

func (d *ToolDispatcher) processLogs(call Block) (string, bool) {
	var args struct {
		ID    string `json:"id"`
		Lines int    `json:"lines"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return toolError(call.Name, err), true
	}
	out, err := d.supervisor.ReadLog(args.ID, args.Lines)
	if err != nil {
		return toolError(call.Name, err), true
	}
	if out == "" {
		return "(no output yet)", false
	}
	return out, false
}

// ── tool definitions ──

// makeToolDefinition builds a JSON-schema definition from a property map.
func makeToolDefinition(name, description string, props map[string]any, required []string) ToolDefinition {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return ToolDefinition{Name: name, Description: description, InputSchema: raw}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// AllToolDefinitions returns the full tool surface in a stable order.
func AllToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		makeToolDefinition("canvas_show_card", "Display a text card on the user's canvas.",
			map[string]any{
				"title": prop("string", "Card title"),
				"body":  prop("string", "Card body, markdown allowed"),
			}, []string{"body"}),
		makeToolDefinition("canvas_show_list", "Display a list of items on the user's canvas.",
			map[string]any{
				"title": prop("string", "List title"),
				"items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "List items"},
			}, []string{"items"}),
		makeToolDefinition("canvas_show_media", "Display an image or video on the user's canvas.",
			map[string]any{
				"url":     prop("string", "Media URL or workspace path"),
				"caption": prop("string", "Optional caption"),
			}, []string{"url"}),
		makeToolDefinition("canvas_clear", "Clear everything from the user's canvas.",
			map[string]any{}, nil),

		makeToolDefinition("memory_remember", "Store a fact to recall in later conversations.",
			map[string]any{"content": prop("string", "The fact to remember")}, []string{"content"}),
		makeToolDefinition("memory_search", "Search stored facts.",
			map[string]any{"query": prop("string", "Substring to search for")}, []string{"query"}),
		makeToolDefinition("memory_list", "List stored facts.", map[string]any{}, nil),
		makeToolDefinition("memory_forget", "Delete a stored fact by ID.",
			map[string]any{"id": prop("integer", "Fact ID from memory_list or memory_search")}, []string{"id"}),

		makeToolDefinition("bash", "Run a shell command on the host. Destructive commands need user confirmation.",
			map[string]any{
				"command":         prop("string", "The command to run"),
				"cwd":             prop("string", "Working directory (optional)"),
				"timeout_seconds": prop("integer", "Wall-clock limit (optional)"),
			}, []string{"command"}),
		makeToolDefinition("read_file", "Read a file from the workspace.",
			map[string]any{"path": prop("string", "Path relative to the workspace")}, []string{"path"}),
		makeToolDefinition("write_file", "Write a file inside the workspace.",
			map[string]any{
				"path":    prop("string", "Path relative to the workspace"),
				"content": prop("string", "Full file content"),
			}, []string{"path", "content"}),
		makeToolDefinition("list_files", "List a workspace directory.",
			map[string]any{"path": prop("string", "Directory, defaults to the workspace root")}, nil),

		makeToolDefinition("process_start", "Start a long-running process that outlives this turn.",
			map[string]any{
				"name":    prop("string", "Short name for the process (optional)"),
				"command": prop("string", "The command to run"),
				"dir":     prop("string", "Working directory (optional)"),
			}, []string{"command"}),
		makeToolDefinition("process_stop", "Stop a supervised process.",
			map[string]any{"id": prop("string", "Process ID from process_start or process_status")}, []string{"id"}),
		makeToolDefinition("process_status", "Show one supervised process, or all when no ID is given.",
			map[string]any{"id": prop("string", "Process ID (optional)")}, nil),
		makeToolDefinition("process_logs", "Read the tail of a supervised process log.",
			map[string]any{
				"id":    prop("string", "Process ID"),
				"lines": prop("integer", "How many lines, default 50"),
			}, []string{"id"}),
	}
}

// FilterToolDefinitions keeps the tools an agent has enabled. Canvas tools
// are always included. nil means everything.
func FilterToolDefinitions(defs []ToolDefinition, enabled []string) []ToolDefinition {
	if enabled == nil {
		return defs
	}
	allowed := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allowed[name] = true
	}
	var out []ToolDefinition
	for _, def := range defs {
		if allowed[def.Name] || strings.HasPrefix(def.Name, "canvas_") {
			out = append(out, def)
		}
	}
	return out
}
