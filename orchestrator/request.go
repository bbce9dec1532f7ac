package orchestrator

import (
	"github.com/hupe1980/agentrelay/core"
)

// Agent type selectors accepted in Request.AgentType. Any other value names
// an agent id or type.
const (
	AgentTypeAuto         = "auto"
	AgentTypeTriage       = "triage"
	AgentTypeOrchestrator = "orchestrator"
)

// Request is one inbound chat request.
type Request struct {
	Query        string `json:"query"`
	AgentType    string `json:"agent_type,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	Stream       bool   `json:"stream,omitempty"`
	// PreviousMessages seed the conversation. When empty and a session
	// store is configured, the chat's stored history is used instead.
	PreviousMessages []core.Message `json:"previous_messages,omitempty"`
}

func (r Request) routed() bool {
	switch r.AgentType {
	case "", AgentTypeAuto, AgentTypeTriage:
		return true
	}
	return false
}

// Response is the non-streamed answer to a Request.
type Response struct {
	RequestID string              `json:"request_id"`
	Response  string              `json:"response"`
	Agent     core.AgentInfo      `json:"agent"`
	HandoffID string              `json:"handoffId,omitempty"`
	TraceID   string              `json:"trace_id,omitempty"`
	TaskID    string              `json:"task_id,omitempty"`
	Triage    *core.TriagePayload `json:"triage,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}
