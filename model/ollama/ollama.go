// Package ollama adapts a local or remote Ollama server to model.Model.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const provider = "ollama"

// Options configures the Ollama adapter.
type Options struct {
	Model       string
	Host        string // Empty uses OLLAMA_HOST / the default local endpoint
	Temperature float64
	NumPredict  int
	// Extra backend options forwarded verbatim (num_ctx, top_p, ...).
	Extra map[string]any
}

// Model wraps the Ollama chat endpoint.
type Model struct {
	client *api.Client
	opts   Options
}

// NewModel creates an Ollama model. It fails only when Host is not a valid URL
// or the environment configuration is broken.
func NewModel(optFns ...func(o *Options)) (*Model, error) {
	opts := Options{
		Model:       "llama3.1",
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var (
		client *api.Client
		err    error
	)
	if opts.Host != "" {
		u, perr := url.Parse(opts.Host)
		if perr != nil {
			return nil, fmt.Errorf("invalid ollama host: %w", perr)
		}
		client = api.NewClient(u, nil)
	} else {
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}

	return &Model{client: client, opts: opts}, nil
}

// NewModelFromClient creates an Ollama model from an existing client.
func NewModelFromClient(client *api.Client, optFns ...func(o *Options)) *Model {
	opts := Options{Model: "llama3.1", Temperature: 0.7}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate streams the chat response. Ollama always reports tool calls as
// whole objects, so the final chunk simply collects them.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		chatReq, err := m.buildRequest(req)
		if err != nil {
			errCh <- core.NewBackendError(provider, "chat", 0, err)
			return
		}

		var (
			text  strings.Builder
			calls []core.ToolCall
		)
		id := util.NewID()

		err = m.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				text.WriteString(resp.Message.Content)
				if req.Stream {
					out <- model.Response{ID: id, Partial: true, Text: resp.Message.Content}
				}
			}

			for _, tc := range resp.Message.ToolCalls {
				argsB, merr := json.Marshal(tc.Function.Arguments)
				if merr != nil {
					argsB = []byte("{}")
				}
				callID := tc.ID
				if callID == "" {
					callID = util.NewID()
				}
				calls = append(calls, core.ToolCall{ID: callID, Name: tc.Function.Name, Arguments: string(argsB)})
			}

			if resp.Done {
				finish := resp.DoneReason
				if len(calls) > 0 {
					finish = "tool_calls"
				}
				out <- model.Response{
					ID:           id,
					Text:         text.String(),
					ToolCalls:    calls,
					FinishReason: finish,
					Usage: &model.TokenUsage{
						PromptTokens:     resp.PromptEvalCount,
						CompletionTokens: resp.EvalCount,
						TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					},
				}
			}
			return nil
		})
		if err != nil {
			errCh <- wrapError(err)
		}
	}()

	return out, errCh
}

func (m *Model) buildRequest(req model.Request) (*api.ChatRequest, error) {
	modelName := m.opts.Model
	if req.Model != "" {
		modelName = req.Model
	}

	options := map[string]any{}
	for k, v := range m.opts.Extra {
		options[k] = v
	}
	options["temperature"] = m.opts.Temperature
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if m.opts.NumPredict > 0 {
		options["num_predict"] = m.opts.NumPredict
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	messages, err := convertMessages(req)
	if err != nil {
		return nil, err
	}

	stream := req.Stream
	chatReq := &api.ChatRequest{
		Model:    modelName,
		Messages: messages,
		Options:  options,
		Stream:   &stream,
	}

	// Ollama has no tool_choice; "none" is expressed by withholding the tools.
	if len(req.Tools) > 0 && req.ToolChoice != model.ToolChoiceNone {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		chatReq.Tools = tools
	}

	return chatReq, nil
}

// convertTools goes through JSON since the SDK schema types differ from ours.
func convertTools(defs []model.ToolDefinition) ([]api.Tool, error) {
	raw, err := json.Marshal(defs)
	if err != nil {
		return nil, fmt.Errorf("marshal tools: %w", err)
	}
	var tools []api.Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("convert tools: %w", err)
	}
	return tools, nil
}

func convertMessages(req model.Request) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		msgs = append(msgs, api.Message{Role: core.RoleSystem, Content: req.Instructions})
	}

	for _, msg := range req.Messages {
		out := api.Message{Role: msg.Role, Content: msg.Content}
		if msg.Role == core.RoleTool {
			out.ToolCallID = msg.ToolCallID
		}
		for _, call := range msg.ToolCalls {
			args := call.Arguments
			if args == "" {
				args = "{}"
			}
			var apiArgs api.ToolCallFunctionArguments
			if err := json.Unmarshal([]byte(args), &apiArgs); err != nil {
				return nil, fmt.Errorf("tool call %s arguments: %w", call.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, api.ToolCall{
				ID: call.ID,
				Function: api.ToolCallFunction{
					Name:      call.Name,
					Arguments: apiArgs,
				},
			})
		}
		msgs = append(msgs, out)
	}

	return msgs, nil
}

func wrapError(err error) error {
	status := 0
	var se api.StatusError
	if errors.As(err, &se) {
		status = se.StatusCode
	}
	return core.NewBackendError(provider, "chat", status, err)
}

// Info returns metadata describing this Ollama model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      provider,
		SupportsTools: true,
	}
}
