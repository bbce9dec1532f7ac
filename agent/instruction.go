package agent

import (
	"context"
	"time"

	"github.com/hupe1980/agentrelay/internal/util"
)

// InstructionContext is the data available to instruction templates and
// providers.
type InstructionContext struct {
	AgentName string
	ChatID    string
	UserID    string
	Date      string
}

func (ic InstructionContext) vars() map[string]any {
	return map[string]any{
		"AgentName": ic.AgentName,
		"ChatID":    ic.ChatID,
		"UserID":    ic.UserID,
		"Date":      ic.Date,
	}
}

func newInstructionContext(agentName, chatID, userID string) InstructionContext {
	return InstructionContext{
		AgentName: agentName,
		ChatID:    chatID,
		UserID:    userID,
		Date:      time.Now().UTC().Format("2006-01-02"),
	}
}

// Provider supplies dynamic instruction text at runtime.
type Provider interface {
	Instruction(ctx context.Context, ic InstructionContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(ctx context.Context, ic InstructionContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ctx context.Context, ic InstructionContext) (string, error) {
	return f(ctx, ic)
}

// Instruction represents either a static instruction template or a dynamic provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static template string.
// Templates may reference {{.AgentName}}, {{.ChatID}}, {{.UserID}} and {{.Date}}.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ctx context.Context, ic InstructionContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether neither text nor provider is set.
func (i Instruction) IsZero() bool { return i.text == "" && i.provider == nil }

// Text returns the raw template of a static instruction.
func (i Instruction) Text() string { return i.text }

// Resolve returns the instruction text, invoking the provider or rendering the
// template as needed.
func (i Instruction) Resolve(ctx context.Context, ic InstructionContext) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ctx, ic)
	}
	return util.RenderTemplate(i.text, ic.vars())
}
