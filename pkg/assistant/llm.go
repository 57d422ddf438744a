// Package assistant – llm.go defines the message model shared by the session
// store and the tool loop, plus the HTTP client for a messages-style
// completion API.
//
// Messages carry typed content blocks (text, tool_use, tool_result) rather
// than a flat string so tool requests and their results survive persistence
// round-trips intact.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block types within a message.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one typed content element of a message.
type Block struct {
	Type string `json:"type"`

	// BlockText.
	Text string `json:"text,omitempty"`

	// BlockToolUse.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result block answering the given tool_use ID.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one turn of a conversation.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"content"`
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var buf bytes.Buffer
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}

// ToolUses returns the message's tool_use blocks.
func (m Message) ToolUses() []Block {
	var uses []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolResult reports whether any block is a tool_result.
func (m Message) HasToolResult() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// ToolDefinition describes one tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Stop reasons reported by the model.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ModelUsage reports token consumption for one completion.
type ModelUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelRequest is one completion call.
type ModelRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// ModelResponse is the model's answer to a ModelRequest.
type ModelResponse struct {
	Blocks     []Block
	StopReason string
	Usage      ModelUsage
}

// ModelClient completes conversations. Implementations must return transport
// and API errors as-is; callers decide how failures surface.
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// ── HTTP client ──

// HTTPModelClient talks to a messages-style completion endpoint
// (POST {base}/v1/messages).
type HTTPModelClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPModelClient creates a client for the given endpoint.
func NewHTTPModelClient(baseURL, apiKey string, logger *slog.Logger) *HTTPModelClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPModelClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger.With("component", "model_client"),
	}
}

type apiMessagesRequest struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens"`
}

type apiMessagesResponse struct {
	Content    []Block    `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      ModelUsage `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete posts the request and decodes the response.
func (c *HTTPModelClient) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(apiMessagesRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read model response: %w", err)
	}

	var decoded apiMessagesResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode model response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil {
			return nil, fmt.Errorf("model API error (%s): %s", decoded.Error.Type, decoded.Error.Message)
		}
		return nil, fmt.Errorf("model API returned status %d", resp.StatusCode)
	}

	c.logger.Debug("completion",
		"model", req.Model,
		"stop_reason", decoded.StopReason,
		"input_tokens", decoded.Usage.InputTokens,
		"output_tokens", decoded.Usage.OutputTokens,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return &ModelResponse{
		Blocks:     decoded.Content,
		StopReason: decoded.StopReason,
		Usage:      decoded.Usage,
	}, nil
}
