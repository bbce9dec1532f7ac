package agent

import (
	"errors"
	"fmt"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/handoff"
	"github.com/hupe1980/agentrelay/tool"
)

// Role tags an agent definition. The orchestrator answers direct queries and
// is the last-resort fallback; specialists are delegation targets.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleSpecialist   Role = "specialist"
)

// DefaultMaxToolRounds bounds the tool loop of a single run.
const DefaultMaxToolRounds = 5

// Definition is the data an Agent is built from.
type Definition struct {
	ID          string
	Name        string
	Type        string
	Icon        string
	Description string
	Role        Role
	Instruction Instruction
	// Model overrides the backend's default model id.
	Model       string
	Temperature *float64
	// ToolName is the function name under which the triage policy exposes
	// this agent (e.g. "coding_task").
	ToolName      string
	Tools         []tool.Tool
	Handoffs      []*handoff.Handoff
	MaxToolRounds int
	// StructuredOutput asks the run to decode JSON content into Result.Output.
	StructuredOutput bool
}

// Info returns the identity used in events, traces and responses.
func (d Definition) Info() core.AgentInfo {
	return core.AgentInfo{
		ID:   d.ID,
		Name: d.displayName(),
		Type: d.Type,
		Icon: d.Icon,
		Role: string(d.Role),
	}
}

func (d Definition) displayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// IsOrchestrator reports whether the definition carries the orchestrator role.
func (d Definition) IsOrchestrator() bool { return d.Role == RoleOrchestrator }

// Validate checks identity and tool name uniqueness (tools and handoff tools
// share one namespace).
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("agent definition: id is required")
	}
	switch d.Role {
	case "", RoleOrchestrator, RoleSpecialist:
	default:
		return fmt.Errorf("agent definition %s: unknown role %q", d.ID, d.Role)
	}

	seen := make(map[string]struct{}, len(d.Tools)+len(d.Handoffs))
	check := func(name string) error {
		if name == "" {
			return fmt.Errorf("agent definition %s: empty tool name", d.ID)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("agent definition %s: %w: %s", d.ID, tool.ErrDuplicateTool, name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, t := range d.Tools {
		if err := check(t.Name()); err != nil {
			return err
		}
	}
	for _, h := range d.Handoffs {
		if h == nil || h.Target == nil {
			return fmt.Errorf("agent definition %s: handoff without target", d.ID)
		}
		if err := check(h.ToolName); err != nil {
			return err
		}
	}
	return nil
}

func (d Definition) maxToolRounds() int {
	if d.MaxToolRounds > 0 {
		return d.MaxToolRounds
	}
	return DefaultMaxToolRounds
}

// HandoffTo is shorthand for handoff.New with a definition as target.
func HandoffTo(target Definition, optFns ...func(o *handoff.Options)) *handoff.Handoff {
	return handoff.New(target, optFns...)
}
