package model

import (
	"context"
	"errors"
	"strings"

	"github.com/hupe1980/agentrelay/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// NewToolDefinition builds a function tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// ToolChoice controls whether the model may, must or must not call tools.
// Any other non-empty value names one specific tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// Request captures the normalized model input produced by agents and the
// triage policy.
type Request struct {
	Model        string           `json:"model,omitempty"`        // Overrides the adapter's default model id
	Instructions string           `json:"instructions,omitempty"` // System prompt
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	ToolChoice   ToolChoice       `json:"tool_choice,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	MaxTokens    int64            `json:"max_tokens,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Partial chunks
// carry text deltas; the single final chunk carries the full text and all
// tool calls in the order the backend listed them.
type Response struct {
	ID           string          `json:"id"`
	Partial      bool            `json:"partial"`
	Text         string          `json:"text"`
	ToolCalls    []core.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage     `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "ollama", "gemini", "mock"
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by agents to drive generation.
// Generate must close both channels when done and send at most one error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Float returns a pointer to f, for Request.Temperature.
func Float(f float64) *float64 { return &f }

// ErrNoFinalResponse is returned by Collect when the stream ends without a
// final chunk.
var ErrNoFinalResponse = errors.New("model stream ended without a final response")

// Collect drains a Generate call, forwarding text deltas of partial chunks to
// onDelta (may be nil) and returning the final chunk.
func Collect(ctx context.Context, m Model, req Request, onDelta func(string)) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	respCh, errCh := m.Generate(ctx, req)

	var (
		final *Response
		delta strings.Builder
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if resp.Text != "" {
					delta.WriteString(resp.Text)
					if onDelta != nil {
						onDelta(resp.Text)
					}
				}
				continue
			}
			r := resp
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, core.NewBackendError(m.Info().Provider, "generate", 0, err)
			}
		}
	}

	if final == nil {
		return Response{}, core.NewBackendError(m.Info().Provider, "generate", 0, ErrNoFinalResponse)
	}

	// Providers that only stream deltas leave the final text empty.
	if final.Text == "" && delta.Len() > 0 {
		final.Text = delta.String()
	}

	return *final, nil
}
