package types

import (
	"encoding/json"
	"time"
)

// Role is the author of a message in a step transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the transcript sent to and returned by the model
// executor.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Arguments are the
// raw JSON the model produced.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one tool call, fed back to the model on the
// follow-up round.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

func newMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

func NewSystemMessage(content string) Message    { return newMessage(RoleSystem, content) }
func NewUserMessage(content string) Message      { return newMessage(RoleUser, content) }
func NewAssistantMessage(content string) Message { return newMessage(RoleAssistant, content) }

// LastContent returns the content of the latest message with the given role,
// or "" when there is none.
func LastContent(msgs []Message, role Role) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i].Content
		}
	}
	return ""
}

// ToMessage renders the result as a tool message. Failed calls carry the
// error text so the model can react to it.
func (tr ToolResult) ToMessage() Message {
	m := newMessage(RoleTool, string(tr.Result))
	if tr.Error != "" {
		m.Content = "Error: " + tr.Error
	}
	m.Name = tr.Name
	m.ToolCallID = tr.ToolCallID
	return m
}

// IsError reports whether the tool call failed.
func (tr ToolResult) IsError() bool {
	return tr.Error != ""
}
