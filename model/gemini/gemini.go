// Package gemini adapts the Google Gen AI SDK (Gemini API backend) to model.Model.
package gemini

import (
	"context"
	"errors"
	"iter"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const provider = "gemini"

// Options configures the Gemini adapter.
type Options struct {
	Model           string
	APIKey          string
	Temperature     float64
	MaxOutputTokens int32
}

// Model wraps genai.Client.Models.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a Gemini model talking to the Gemini API backend.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, core.NewBackendError(provider, "client", 0, err)
	}

	return &Model{client: client, opts: opts}, nil
}

// NewModelFromClient creates a Gemini model from an existing client.
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:           "gemini-2.0-flash",
		Temperature:     0.7,
		MaxOutputTokens: 4096,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		modelName := m.opts.Model
		if req.Model != "" {
			modelName = req.Model
		}

		contents, err := convertMessages(req.Messages)
		if err != nil {
			errCh <- core.NewBackendError(provider, "generate", 0, err)
			return
		}
		cfg := m.buildConfig(req)

		if !req.Stream {
			resp, err := m.client.Models.GenerateContent(ctx, modelName, contents, cfg)
			if err != nil {
				errCh <- wrapError("generate", err)
				return
			}
			acc := newAccumulator()
			acc.add(resp)
			out <- acc.final()
			return
		}

		var stream iter.Seq2[*genai.GenerateContentResponse, error] = m.client.Models.GenerateContentStream(ctx, modelName, contents, cfg)
		acc := newAccumulator()
		for resp, err := range stream {
			if err != nil {
				errCh <- wrapError("generate.stream", err)
				return
			}
			if delta := acc.add(resp); delta != "" {
				out <- model.Response{ID: acc.id, Partial: true, Text: delta}
			}
		}
		out <- acc.final()
	}()

	return out, errCh
}

func (m *Model) buildConfig(req model.Request) *genai.GenerateContentConfig {
	temperature := m.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := m.opts.MaxOutputTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temperature)),
		MaxOutputTokens: maxTokens,
	}

	var system []*genai.Part
	if req.Instructions != "" {
		system = append(system, &genai.Part{Text: req.Instructions})
	}
	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem && msg.Content != "" {
			system = append(system, &genai.Part{Text: msg.Content})
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Function.Name,
				Description:          t.Function.Description,
				ParametersJsonSchema: t.Function.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = toolConfig(req.ToolChoice)
	}

	return cfg
}

func toolConfig(choice model.ToolChoice) *genai.ToolConfig {
	fc := &genai.FunctionCallingConfig{}
	switch choice {
	case "":
		return nil
	case model.ToolChoiceAuto:
		fc.Mode = genai.FunctionCallingConfigModeAuto
	case model.ToolChoiceNone:
		fc.Mode = genai.FunctionCallingConfigModeNone
	case model.ToolChoiceRequired:
		fc.Mode = genai.FunctionCallingConfigModeAny
	default:
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{string(choice)}
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}

// convertMessages maps the conversation onto genai contents. Tool results
// travel as user-role function responses.
func convertMessages(msgs []core.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case core.RoleSystem:
			continue
		case core.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		case core.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				if call.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
						return nil, err
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: args,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, nil
}

type accumulator struct {
	id     string
	text   strings.Builder
	calls  []core.ToolCall
	finish string
	usage  *model.TokenUsage
}

func newAccumulator() *accumulator { return &accumulator{} }

// add folds one response into the accumulator and returns its text delta.
func (a *accumulator) add(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if a.id == "" {
		a.id = resp.ResponseID
	}
	if u := resp.UsageMetadata; u != nil {
		a.usage = &model.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	var delta strings.Builder
	if len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		a.finish = strings.ToLower(string(cand.FinishReason))
	}
	if cand.Content == nil {
		return ""
	}
	for _, part := range cand.Content.Parts {
		if part.Text != "" && !part.Thought {
			delta.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			argsB, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				argsB = []byte("{}")
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = util.NewID()
			}
			a.calls = append(a.calls, core.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(argsB)})
		}
	}
	a.text.WriteString(delta.String())
	return delta.String()
}

func (a *accumulator) final() model.Response {
	finish := a.finish
	if len(a.calls) > 0 {
		finish = "tool_calls"
	}
	if finish == "" {
		finish = "stop"
	}
	return model.Response{
		ID:           a.id,
		Text:         a.text.String(),
		ToolCalls:    a.calls,
		FinishReason: finish,
		Usage:        a.usage,
	}
}

func wrapError(op string, err error) error {
	status := 0
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.Code
	}
	return core.NewBackendError(provider, op, status, err)
}

// Info returns metadata describing this Gemini model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      provider,
		SupportsTools: true,
	}
}
