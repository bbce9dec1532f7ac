package core

import "time"

// AgentState is the coarse state shown in status UIs.
type AgentState string

const (
	AgentWorking   AgentState = "working"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
)

// AgentStatus is one entry of the status feed consumed by status UIs.
type AgentStatus struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Task           string     `json:"task"`
	Status         AgentState `json:"status"`
	Progress       int        `json:"progress"`
	StartTime      time.Time  `json:"startTime"`
	LastUpdateTime time.Time  `json:"lastUpdateTime"`
}
