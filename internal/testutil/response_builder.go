package testutil

import (
	"fmt"
	jsoniter "github.com/json-iterator/go"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResponseBuilder provides a fluent helper for constructing scripted model
// responses in tests.
//
//	resp := NewResponseBuilder().ToolCall("coding_task", map[string]any{"input": "bst"}).Build()
type ResponseBuilder struct {
	text   string
	calls  []core.ToolCall
	finish string
}

// NewResponseBuilder creates an empty final response builder.
func NewResponseBuilder() *ResponseBuilder { return &ResponseBuilder{} }

// Text sets the assistant text (chainable).
func (b *ResponseBuilder) Text(t string) *ResponseBuilder { b.text = t; return b }

// Finish overrides the finish reason (chainable).
func (b *ResponseBuilder) Finish(reason string) *ResponseBuilder { b.finish = reason; return b }

// ToolCall appends a tool call with JSON-encoded args (chainable).
func (b *ResponseBuilder) ToolCall(name string, args map[string]any) *ResponseBuilder {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal tool args: %v", err))
	}
	return b.RawToolCall(name, string(raw))
}

// RawToolCall appends a tool call with pre-serialized arguments (chainable).
func (b *ResponseBuilder) RawToolCall(name, args string) *ResponseBuilder {
	b.calls = append(b.calls, core.ToolCall{
		ID:        fmt.Sprintf("call_%s_%d", name, len(b.calls)),
		Name:      name,
		Arguments: args,
	})
	return b
}

// Build returns the final (non-partial) response.
func (b *ResponseBuilder) Build() model.Response {
	finish := "stop"
	if len(b.calls) > 0 {
		finish = "tool_calls"
	}
	if b.finish != "" {
		finish = b.finish
	}
	return model.Response{Text: b.text, ToolCalls: b.calls, FinishReason: finish}
}
