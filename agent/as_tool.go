package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/handoff"
	"github.com/hupe1980/agentrelay/tool"
)

// AsToolOptions configure the agent-as-tool adapter.
type AsToolOptions struct {
	Name        string
	Description string
	// ForwardTokens lets the child's tokens reach the caller's observer.
	ForwardTokens bool
	// OnResult receives the child's result after a successful run.
	OnResult func(res *Result)
}

type resultSinkKey struct{}

// WithResultSink makes every agent-as-tool call under ctx report its
// successful Result to fn. The delegation policy uses it to learn which
// specialist produced the answer.
func WithResultSink(ctx context.Context, fn func(res *Result)) context.Context {
	return context.WithValue(ctx, resultSinkKey{}, fn)
}

func resultSink(ctx context.Context) func(res *Result) {
	fn, _ := ctx.Value(resultSinkKey{}).(func(res *Result))
	return fn
}

type agentTool struct {
	agent *Agent
	opts  AsToolOptions
}

// AsTool exposes a's Run as a function tool taking one "input" argument.
// Failures are returned as an error string so the calling agent's
// conversation can continue. An unresolved handoff target inside the child
// is returned as an error because it ends the request.
func AsTool(a *Agent, optFns ...func(o *AsToolOptions)) tool.Tool {
	def := a.Definition()
	opts := AsToolOptions{
		Name:        DefaultToolName(def),
		Description: DefaultToolDescription(def),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &agentTool{agent: a, opts: opts}
}

// DefaultToolName returns def.ToolName or "<id>_task".
func DefaultToolName(def Definition) string {
	if def.ToolName != "" {
		return def.ToolName
	}
	return strings.TrimPrefix(handoff.DefaultToolName(def.ID), "transfer_to_") + "_task"
}

// DefaultToolDescription describes the agent for the calling model.
func DefaultToolDescription(def Definition) string {
	if def.Description != "" {
		return def.Description
	}
	return fmt.Sprintf("Delegate the task to %s.", def.displayName())
}

func (t *agentTool) Name() string        { return t.opts.Name }
func (t *agentTool) Description() string { return t.opts.Description }

func (t *agentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"input": map[string]any{
				"type":        "string",
				"description": "The task or question for the agent, self-contained",
			},
		},
		"required": []string{"input"},
	}
}

func (t *agentTool) Call(ctx context.Context, args map[string]any) (string, error) {
	input, _ := args["input"].(string)
	conv, _ := core.ConversationFromContext(ctx)

	if !t.opts.ForwardTokens {
		ctx = core.WithObserver(ctx, core.MuteTokens(core.ObserverFromContext(ctx)))
	}

	res, err := t.agent.Run(ctx, input, conv)
	if err != nil {
		var hte *core.HandoffTargetError
		if errors.As(err, &hte) {
			return "", err
		}
		return fmt.Sprintf("Error: %s failed: %v", t.agent.Info().Name, err), nil
	}

	if t.opts.OnResult != nil {
		t.opts.OnResult(res)
	}
	if sink := resultSink(ctx); sink != nil {
		sink(res)
	}

	if res.Output == nil {
		return res.Content, nil
	}
	out, err := tool.Stringify(res.Output)
	if err != nil {
		return res.Content, nil
	}
	return res.Content + "\n\nStructured output:\n" + out, nil
}
