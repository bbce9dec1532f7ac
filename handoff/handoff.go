package handoff

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	jsoniter "github.com/json-iterator/go"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Target is anything that identifies the receiving agent.
type Target interface {
	Info() core.AgentInfo
}

// OnHandoffFunc runs after filtering with the context the target will receive.
// Returning an error aborts the transfer.
type OnHandoffFunc func(ctx context.Context, conv core.Conversation, input map[string]any) error

// Options override the defaults of a handoff.
type Options struct {
	ToolName        string
	ToolDescription string
	OnHandoff       OnHandoffFunc
	// InputSchema is the JSON schema of the extra arguments the model must
	// supply. Defaults to an optional free-text "reason".
	InputSchema map[string]any
	InputFilter InputFilter
}

// Handoff is a transfer of control to Target, addressable as a tool.
type Handoff struct {
	Target          Target
	ToolName        string
	ToolDescription string
	OnHandoff       OnHandoffFunc
	InputSchema     map[string]any
	InputFilter     InputFilter
}

// New builds a handoff to target.
func New(target Target, optFns ...func(o *Options)) *Handoff {
	info := target.Info()
	opts := Options{
		ToolName:        DefaultToolName(info.Name),
		ToolDescription: DefaultToolDescription(info.Name),
		InputSchema:     defaultInputSchema(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Handoff{
		Target:          target,
		ToolName:        opts.ToolName,
		ToolDescription: opts.ToolDescription,
		OnHandoff:       opts.OnHandoff,
		InputSchema:     opts.InputSchema,
		InputFilter:     opts.InputFilter,
	}
}

func defaultInputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the conversation is being transferred",
			},
		},
	}
}

// DefaultToolName returns transfer_to_<slug>, e.g. "Coding Agent" becomes
// "transfer_to_coding_agent".
func DefaultToolName(agentName string) string {
	return "transfer_to_" + slug(agentName)
}

// DefaultToolDescription returns the description shown to the model.
func DefaultToolDescription(agentName string) string {
	return fmt.Sprintf("Handoff to the %s agent to handle the request.", agentName)
}

func slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// TargetID returns the identity the receiving agent is resolved by.
func (h *Handoff) TargetID() string { return h.Target.Info().ID }

// ToolDefinition returns the declaration the model addresses the handoff with.
func (h *Handoff) ToolDefinition() model.ToolDefinition {
	return model.NewToolDefinition(h.ToolName, h.ToolDescription, h.InputSchema)
}

// Transfer is a prepared handoff ready to be run by the target agent.
type Transfer struct {
	Target       core.AgentInfo
	Conversation core.Conversation
	Input        map[string]any
	Reason       string
}

// Prepare decodes and validates the model's arguments, applies the input
// filter to a copy of conv and fires OnHandoff. conv is never modified.
func (h *Handoff) Prepare(ctx context.Context, conv core.Conversation, arguments string) (*Transfer, error) {
	input := map[string]any{}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &input); err != nil {
			return nil, fmt.Errorf("handoff %s: invalid arguments: %w", h.ToolName, err)
		}
		if input == nil {
			input = map[string]any{}
		}
	}

	if h.InputSchema != nil {
		if err := util.ValidateParameters(input, h.InputSchema); err != nil {
			return nil, fmt.Errorf("handoff %s: %w", h.ToolName, err)
		}
	}

	received := conv.Clone()
	if h.InputFilter != nil {
		received = h.InputFilter(received)
	}

	if h.OnHandoff != nil {
		if err := h.OnHandoff(ctx, received.Clone(), input); err != nil {
			return nil, fmt.Errorf("handoff %s: on_handoff: %w", h.ToolName, err)
		}
	}

	reason, _ := input["reason"].(string)

	return &Transfer{
		Target:       h.Target.Info(),
		Conversation: received,
		Input:        input,
		Reason:       reason,
	}, nil
}
