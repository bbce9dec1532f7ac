package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/handoff"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/tool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrHandoffDepthExceeded is returned when handoffs chain deeper than allowed.
var ErrHandoffDepthExceeded = errors.New("handoff depth exceeded")

// DefaultMaxHandoffDepth bounds chained handoffs within one request.
const DefaultMaxHandoffDepth = 5

// Resolver turns a handoff target identity into a live agent.
type Resolver interface {
	GetOrCreate(id string) (*Agent, error)
}

// Options configure an Agent.
type Options struct {
	Logger logging.Logger
	// Resolver resolves handoff targets. Registry sets itself.
	Resolver Resolver
	// MaxParallelTools > 1 runs the tool calls of one turn concurrently;
	// results are still appended in listed order.
	MaxParallelTools int
	MaxHandoffDepth  int
}

// Agent binds a Definition to a completion backend.
type Agent struct {
	def             Definition
	llm             model.Model
	tools           *tool.Registry
	executor        *tool.Executor
	handoffs        map[string]*handoff.Handoff
	resolver        Resolver
	logger          logging.Logger
	maxHandoffDepth int
}

// New validates def and builds an agent.
func New(def Definition, llm model.Model, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{
		Logger:           logging.NoOpLogger{},
		MaxParallelTools: 1,
		MaxHandoffDepth:  DefaultMaxHandoffDepth,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	if llm == nil {
		return nil, fmt.Errorf("agent %s: model is required", def.ID)
	}

	registry := tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = opts.Logger })
	if err := registry.Register(def.Tools...); err != nil {
		return nil, fmt.Errorf("agent %s: %w", def.ID, err)
	}

	handoffs := make(map[string]*handoff.Handoff, len(def.Handoffs))
	for _, h := range def.Handoffs {
		handoffs[h.ToolName] = h
	}

	if def.Instruction.IsZero() {
		def.Instruction = NewInstructionFromText("You are {{.AgentName}}, a helpful AI assistant.")
	}

	return &Agent{
		def:   def,
		llm:   llm,
		tools: registry,
		executor: tool.NewExecutor(registry, func(o *tool.ExecutorOptions) {
			o.MaxParallel = opts.MaxParallelTools
			o.Logger = opts.Logger
		}),
		handoffs:        handoffs,
		resolver:        opts.Resolver,
		logger:          opts.Logger,
		maxHandoffDepth: opts.MaxHandoffDepth,
	}, nil
}

// Info returns the agent identity.
func (a *Agent) Info() core.AgentInfo { return a.def.Info() }

// Definition returns the definition the agent was built from.
func (a *Agent) Definition() Definition { return a.def }

// Model returns the bound completion backend.
func (a *Agent) Model() model.Model { return a.llm }

// ModelName returns the model id used for requests.
func (a *Agent) ModelName() string {
	if a.def.Model != "" {
		return a.def.Model
	}
	return a.llm.Info().Name
}

// Instructions renders the agent's instruction for conv.
func (a *Agent) Instructions(ctx context.Context, conv core.Conversation) (string, error) {
	return a.def.Instruction.Resolve(ctx, newInstructionContext(a.Info().Name, conv.ChatID, conv.UserID))
}

// RunOptions tune a single run.
type RunOptions struct {
	// DisableTools sends no tool or handoff declarations to the backend.
	DisableTools bool
	// Stream requests incremental output; deltas reach the context observer.
	Stream bool
}

// HandoffRecord documents one transfer of control during a run.
type HandoffRecord struct {
	From   core.AgentInfo `json:"from"`
	To     core.AgentInfo `json:"to"`
	Reason string         `json:"reason,omitempty"`
}

// Result is the outcome of Run. After a handoff Agent identifies the agent
// that produced the final answer.
type Result struct {
	Content     string           `json:"content"`
	Agent       core.AgentInfo   `json:"agent"`
	Model       string           `json:"model"`
	ToolResults []tool.Result    `json:"tool_results,omitempty"`
	Handoffs    []HandoffRecord  `json:"handoffs,omitempty"`
	Output      any              `json:"output,omitempty"`
	Usage       model.TokenUsage `json:"usage"`
}

// Run sends the instructions, prior context and prompt to the backend. Tool
// calls requested by the backend are executed in listed order and their
// results appended as follow-up turns until the backend answers without tool
// calls; the last permitted round forbids further calls. A blank prompt runs
// on conv as is, which is how handoff targets continue a conversation.
func (a *Agent) Run(ctx context.Context, prompt string, conv core.Conversation, optFns ...func(o *RunOptions)) (*Result, error) {
	opts := RunOptions{Stream: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	info := a.Info()
	obs := core.ObserverFromContext(ctx)
	start := time.Now()

	a.logger.Debug("agent.run.start", "agent", info.ID, "history", conv.Len(), "tools", !opts.DisableTools)
	obs.AgentStarted(info, prompt)

	res, err := a.run(ctx, prompt, conv, opts, obs)
	if err != nil {
		a.logger.Warn("agent.run.error", "agent", info.ID, "error", err.Error())
		obs.AgentFinished(info, "", err)
		return nil, err
	}

	a.logger.Debug(
		"agent.run.complete",
		"agent", info.ID,
		"final_agent", res.Agent.ID,
		"tool_calls", len(res.ToolResults),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	obs.AgentFinished(info, res.Content, nil)

	return res, nil
}

func (a *Agent) run(ctx context.Context, prompt string, conv core.Conversation, opts RunOptions, obs core.Observer) (*Result, error) {
	info := a.Info()

	instructions, err := a.Instructions(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("agent %s: resolve instruction: %w", info.ID, err)
	}

	history := conv.Clone()
	if !core.IsBlank(prompt) {
		history = history.Append(core.NewUserMessage(prompt))
	}
	if history.Len() == 0 {
		return nil, core.ErrEmptyQuery
	}

	var defs []model.ToolDefinition
	if !opts.DisableTools {
		defs = a.toolDefinitions()
	}

	result := &Result{Agent: info, Model: a.ModelName()}
	var transcript strings.Builder
	onDelta := func(d string) {
		transcript.WriteString(d)
		obs.Token(info, d)
	}

	for round := 0; ; round++ {
		req := model.Request{
			Model:        a.def.Model,
			Instructions: instructions,
			Messages:     history.Messages,
			Temperature:  a.def.Temperature,
			Stream:       opts.Stream,
		}
		if len(defs) > 0 {
			req.Tools = defs
			req.ToolChoice = model.ToolChoiceAuto
			if round >= a.def.maxToolRounds() {
				req.ToolChoice = model.ToolChoiceNone
			}
		}

		if err := core.CountModelCall(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := model.Collect(ctx, a.llm, req, onDelta)
		a.logLLMCall(resp, time.Since(start), err)
		if err != nil {
			return nil, err
		}
		addUsage(&result.Usage, resp.Usage)
		if !opts.Stream {
			transcript.WriteString(resp.Text)
		}

		if len(resp.ToolCalls) == 0 || req.ToolChoice == model.ToolChoiceNone || len(defs) == 0 {
			if len(resp.ToolCalls) > 0 {
				a.logger.Warn("agent.tool_calls.ignored", "agent", info.ID, "count", len(resp.ToolCalls))
			}
			break
		}

		calls := normalizeCalls(resp.ToolCalls)
		history = history.Append(core.NewToolCallMessage(resp.Text, calls))

		next, transfer, err := a.executeCalls(ctx, conv, history, calls, result, obs)
		if err != nil {
			return nil, err
		}
		history = next

		if transfer != nil {
			return a.handOff(ctx, transfer, result, transcript.String(), opts, obs)
		}
	}

	result.Content = transcript.String()
	if a.def.StructuredOutput {
		var out any
		if err := json.Unmarshal([]byte(strings.TrimSpace(result.Content)), &out); err == nil {
			result.Output = out
		}
	}

	return result, nil
}

// pendingTransfer is a handoff the backend selected in the current turn.
type pendingTransfer struct {
	handoff  *handoff.Handoff
	transfer *handoff.Transfer
}

// executeCalls runs regular tools through the executor and prepares at most
// one handoff. Tool turns are appended to history in the listed order.
func (a *Agent) executeCalls(
	ctx context.Context,
	conv, history core.Conversation,
	calls []core.ToolCall,
	result *Result,
	obs core.Observer,
) (core.Conversation, *pendingTransfer, error) {
	info := a.Info()

	var regular []core.ToolCall
	for _, c := range calls {
		if _, ok := a.handoffs[c.Name]; !ok {
			regular = append(regular, c)
		}
	}

	toolCtx := core.WithConversation(ctx, conv)
	executed := a.executor.Execute(toolCtx, regular, tool.Hooks{
		OnStart: func(c core.ToolCall) { obs.ToolCalled(info, c) },
		OnDone:  func(r tool.Result) { obs.ToolReturned(info, r.Call, r.Content, r.Err) },
	})
	for _, r := range executed {
		var hte *core.HandoffTargetError
		if errors.As(r.Err, &hte) {
			return core.Conversation{}, nil, hte
		}
	}

	var (
		pending *pendingTransfer
		next    int
		msgs    = make([]core.Message, 0, len(calls))
	)
	for _, c := range calls {
		h, isHandoff := a.handoffs[c.Name]
		if !isHandoff {
			// executed holds the regular calls in listed order.
			r := executed[next]
			next++
			result.ToolResults = append(result.ToolResults, r)
			msgs = append(msgs, r.Message())
			continue
		}

		if pending != nil {
			msgs = append(msgs, core.NewToolResultMessage(c.ID, c.Name, "Error: only one handoff per turn is allowed; ignored."))
			continue
		}

		// The transfer acknowledgement is part of what the target receives.
		ack := core.NewToolResultMessage(c.ID, c.Name, fmt.Sprintf("Transferred to %s.", h.Target.Info().Name))
		tr, err := h.Prepare(ctx, history.Append(append(msgs, ack)...), c.Arguments)
		if err != nil {
			a.logger.Warn("agent.handoff.rejected", "agent", info.ID, "tool", c.Name, "error", err.Error())
			msgs = append(msgs, core.NewToolResultMessage(c.ID, c.Name, "Error: "+err.Error()))
			continue
		}
		msgs = append(msgs, ack)
		pending = &pendingTransfer{handoff: h, transfer: tr}
	}

	return history.Append(msgs...), pending, nil
}

func (a *Agent) handOff(
	ctx context.Context,
	p *pendingTransfer,
	result *Result,
	transcript string,
	opts RunOptions,
	obs core.Observer,
) (*Result, error) {
	info := a.Info()
	targetID := p.handoff.TargetID()

	depth := handoffDepth(ctx)
	if depth >= a.maxHandoffDepth {
		return nil, fmt.Errorf("agent %s: %w (%d)", info.ID, ErrHandoffDepthExceeded, depth)
	}

	if a.resolver == nil {
		return nil, &core.HandoffTargetError{From: info.ID, Target: targetID, Err: errors.New("no resolver configured")}
	}
	target, err := a.resolver.GetOrCreate(targetID)
	if err != nil {
		return nil, &core.HandoffTargetError{From: info.ID, Target: targetID, Err: err}
	}

	a.logger.Info("agent.handoff", "from", info.ID, "to", target.Info().ID, "reason", p.transfer.Reason, "context_len", p.transfer.Conversation.Len())
	obs.HandedOff(info, target.Info(), p.transfer.Reason)

	child, err := target.Run(withHandoffDepth(ctx, depth+1), "", p.transfer.Conversation, func(o *RunOptions) { *o = opts })
	if err != nil {
		return nil, err
	}

	child.Handoffs = append([]HandoffRecord{{From: info, To: target.Info(), Reason: p.transfer.Reason}}, child.Handoffs...)
	child.ToolResults = append(append([]tool.Result(nil), result.ToolResults...), child.ToolResults...)
	child.Content = transcript + child.Content
	addUsage(&child.Usage, &result.Usage)

	return child, nil
}

func (a *Agent) toolDefinitions() []model.ToolDefinition {
	defs := a.tools.Definitions()
	for _, h := range a.def.Handoffs {
		defs = append(defs, h.ToolDefinition())
	}
	return defs
}

// CanHandle asks the backend whether this agent is suitable for query. It
// never fails: backend errors (and panics) yield false.
func (a *Agent) CanHandle(ctx context.Context, query string) (ok bool) {
	info := a.Info()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("agent.can_handle.panic", "agent", info.ID, "recover", r)
			ok = false
		}
	}()

	if core.IsBlank(query) {
		return false
	}
	if err := core.CountModelCall(ctx); err != nil {
		a.logger.Warn("agent.can_handle.error", "error", (&core.ClassificationError{Agent: info.ID, Err: err}).Error())
		return false
	}

	req := model.Request{
		Model:        a.def.Model,
		Instructions: canHandleInstructions(a.def),
		Messages:     []core.Message{core.NewUserMessage(query)},
		Temperature:  model.Float(0),
		MaxTokens:    5,
	}

	resp, err := model.Collect(ctx, a.llm, req, nil)
	if err != nil {
		a.logger.Warn("agent.can_handle.error", "error", (&core.ClassificationError{Agent: info.ID, Err: err}).Error())
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Text))
	return strings.HasPrefix(answer, "yes")
}

func canHandleInstructions(def Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You decide whether %s should handle a user query.", def.displayName())
	if def.Description != "" {
		fmt.Fprintf(&b, " %s", def.Description)
	}
	b.WriteString(" Answer with exactly one word: yes or no.")
	return b.String()
}

func normalizeCalls(calls []core.ToolCall) []core.ToolCall {
	out := make([]core.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = util.NewID()
		}
		if c.Arguments == "" {
			c.Arguments = "{}"
		}
		out[i] = c
	}
	return out
}

func (a *Agent) logLLMCall(resp model.Response, dur time.Duration, err error) {
	ll, ok := a.logger.(logging.LLMCallLogger)
	if !ok {
		return
	}
	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	ll.LogLLMCall(a.llm.Info().Name, tokens, dur, err == nil, err)
}

func addUsage(dst *model.TokenUsage, u *model.TokenUsage) {
	if u == nil {
		return
	}
	dst.PromptTokens += u.PromptTokens
	dst.CompletionTokens += u.CompletionTokens
	dst.TotalTokens += u.TotalTokens
}

type handoffDepthKey struct{}

func handoffDepth(ctx context.Context) int {
	d, _ := ctx.Value(handoffDepthKey{}).(int)
	return d
}

func withHandoffDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, handoffDepthKey{}, d)
}
