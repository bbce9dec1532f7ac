package core

import "strings"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall describes a tool/function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`        // Correlates the call with its result
	Name      string `json:"name"`                // Tool / function name
	Arguments string `json:"arguments,omitempty"` // Serialized JSON arguments
}

// Message is a single conversation turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// NewUserMessage creates a user-authored text message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant text message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolCallMessage creates the assistant turn that requested tool calls.
func NewToolCallMessage(content string, calls []ToolCall) Message {
	cp := make([]ToolCall, len(calls))
	copy(cp, calls)
	return Message{Role: RoleAssistant, Content: content, ToolCalls: cp}
}

// NewToolResultMessage creates the tool turn answering a previous call.
func NewToolResultMessage(callID, name, result string) Message {
	return Message{Role: RoleTool, Content: result, Name: name, ToolCallID: callID}
}

// HasToolCalls reports whether the message requests tool executions.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// IsBlank reports whether s contains only whitespace.
func IsBlank(s string) bool { return strings.TrimSpace(s) == "" }
