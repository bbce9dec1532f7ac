package core

// AgentInfo carries identifying details about an agent used in events,
// traces, status updates and responses. Role is "orchestrator" or
// "specialist"; Type is the domain category (research, coding, ...).
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Icon string `json:"icon,omitempty"`
	Role string `json:"role,omitempty"`
}
