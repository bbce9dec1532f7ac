package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
)

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("duplicate tool name")

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// Registry holds the tools of one agent, keyed by name, in registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: opts.Logger,
	}
}

// Register adds tools. Names must be unique within the registry.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
		}
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns the backend declarations of all tools.
func (r *Registry) Definitions() []model.ToolDefinition {
	tools := r.Tools()
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, Definition(t))
	}
	return defs
}

// Invoke looks up name, decodes and validates the JSON arguments and runs the
// tool. Every failure, including a panicking executor, is returned as a
// *ToolError.
func (r *Registry) Invoke(ctx context.Context, name, arguments string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", &ToolError{Tool: name, Message: fmt.Sprintf("tool %s not found", name), Code: CodeNotFound}
	}

	start := time.Now()
	r.logger.Debug("tool.call.start", "tool", name)

	result, err := r.call(ctx, t, arguments)

	dur := time.Since(start)
	if tl, ok := r.logger.(logging.ToolCallLogger); ok {
		tl.LogToolCall(name, dur, err == nil, err)
	} else if err != nil {
		r.logger.Warn("tool.call.error", "tool", name, "error", err.Error(), "duration_ms", dur.Milliseconds())
	} else {
		r.logger.Debug("tool.call.success", "tool", name, "duration_ms", dur.Milliseconds())
	}

	return result, err
}

func (r *Registry) call(ctx context.Context, t Tool, arguments string) (result string, err error) {
	args := map[string]any{}
	if arguments != "" {
		if uerr := json.Unmarshal([]byte(arguments), &args); uerr != nil {
			return "", &ToolError{
				Tool:    t.Name(),
				Message: fmt.Sprintf("invalid JSON arguments: %v", uerr),
				Code:    CodeValidation,
			}
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	if verr := util.ValidateParameters(args, t.Parameters()); verr != nil {
		return "", &ToolError{
			Tool:    t.Name(),
			Message: fmt.Sprintf("parameter validation failed: %v", verr),
			Code:    CodeValidation,
			Details: verr,
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			perr := fmt.Errorf("panic: %v", rec)
			logging.ErrorWithStack(r.logger, perr, "tool.call.panic", "tool", t.Name())
			result = ""
			err = &ToolError{Tool: t.Name(), Message: perr.Error(), Code: CodeExecution}
		}
	}()

	result, err = t.Call(ctx, args)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return "", te
		}
		return "", &ToolError{Tool: t.Name(), Message: err.Error(), Code: CodeExecution, Details: err}
	}
	return result, nil
}

// Result is the outcome of one tool call, always carrying a model-facing
// Content string.
type Result struct {
	Call     core.ToolCall `json:"call"`
	Content  string        `json:"content"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the call failed.
func (r Result) Failed() bool { return r.Err != nil }

// Message converts the result into the tool turn appended to the conversation.
func (r Result) Message() core.Message {
	return core.NewToolResultMessage(r.Call.ID, r.Call.Name, r.Content)
}

// InvokeAsResult runs call and converts failures into an error string so the
// conversation with the model can continue.
func (r *Registry) InvokeAsResult(ctx context.Context, call core.ToolCall) Result {
	start := time.Now()
	out, err := r.Invoke(ctx, call.Name, call.Arguments)
	res := Result{Call: call, Content: out, Err: err, Duration: time.Since(start)}
	if err != nil {
		res.Content = FormatError(err)
	}
	return res
}
