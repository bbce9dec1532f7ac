package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/tool"
)

// Path is the route a decision took.
type Path string

const (
	PathDirect   Path = "direct"
	PathDelegate Path = "delegate"
	PathFallback Path = "fallback"
)

// Confidence values reported with each outcome.
const (
	ConfidenceDirect     = 0.9
	ConfidenceDelegated  = 0.95
	ConfidenceNoSelected = 0.6
	ConfidenceFallback   = 0.0
)

// Options configure a Policy.
type Options struct {
	Logger        logging.Logger
	WordThreshold int
	Keywords      []string
	// RoutingModel answers the delegate-path call; nil uses the orchestrator's backend.
	RoutingModel model.Model
	// RationaleModel writes the delegation rationale; nil uses RoutingModel.
	RationaleModel   model.Model
	DisableRationale bool
	// MaxRationaleTokens caps the rationale call.
	MaxRationaleTokens int64
}

// Decision is the outcome of Route.
type Decision struct {
	Path Path
	// Agent produced Content. After a specialist handed off it is the
	// final agent of the chain.
	Agent      core.AgentInfo
	TaskType   string
	Confidence float64
	Reasoning  string
	Content    string
	// ToolName is the specialist tool the backend selected, if any.
	ToolName string
	Result   *agent.Result
}

// RouteOptions tune a single Route call.
type RouteOptions struct {
	// OnDecision is called once the path and target are known and before
	// the answering agent runs, so callers can announce the decision ahead
	// of its tokens. Content and Result are not yet set. A fallback after a
	// failed attempt reports a second decision.
	OnDecision func(d Decision)
}

// Policy routes queries either straight to the orchestrator or to the
// specialist the backend selects.
type Policy struct {
	registry *agent.Registry
	heur     heuristic
	opts     Options
}

// New creates a policy over the agents in registry.
func New(registry *agent.Registry, optFns ...func(o *Options)) *Policy {
	opts := Options{
		Logger:             logging.NoOpLogger{},
		WordThreshold:      DefaultWordThreshold,
		Keywords:           DefaultKeywords,
		MaxRationaleTokens: 60,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Policy{
		registry: registry,
		heur:     newHeuristic(opts.WordThreshold, opts.Keywords),
		opts:     opts,
	}
}

// IsSimple reports whether query is short and free of domain vocabulary.
// Blank queries are not simple; Route rejects them before any call.
func (p *Policy) IsSimple(query string) bool { return p.heur.isSimple(query) }

// Route answers query on the direct or delegate path. Backend failures are
// logged and answered by a tool-less orchestrator run; only a failure of that
// last resort is returned. An unresolved handoff target is never recovered
// from.
func (p *Policy) Route(ctx context.Context, query string, conv core.Conversation, optFns ...func(o *RouteOptions)) (*Decision, error) {
	var ro RouteOptions
	for _, fn := range optFns {
		fn(&ro)
	}
	notify := func(d Decision) {
		if ro.OnDecision != nil {
			ro.OnDecision(d)
		}
	}

	if core.IsBlank(query) {
		return nil, core.ErrEmptyQuery
	}

	orch, err := p.registry.Orchestrator()
	if err != nil {
		return nil, err
	}

	// Tokens forwarded before a failure have already reached the caller, so a
	// fallback answer is reported after them.
	sent := &tokenTee{Observer: core.ObserverFromContext(ctx)}
	ctx = core.WithObserver(ctx, sent)

	var (
		dec  *Decision
		path = PathDelegate
	)
	if p.IsSimple(query) {
		path = PathDirect
		dec, err = p.direct(ctx, orch, query, conv, notify)
	} else {
		dec, err = p.delegate(ctx, orch, query, conv, notify)
	}
	if err == nil {
		p.opts.Logger.Info("triage.route", "path", dec.Path, "agent", dec.Agent.ID, "tool", dec.ToolName, "confidence", dec.Confidence)
		return dec, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var hte *core.HandoffTargetError
	if errors.As(err, &hte) {
		return nil, err
	}

	p.opts.Logger.Warn("triage.route.fallback", "path", path, "error", err.Error())
	return p.fallback(ctx, orch, query, conv, err, sent.String(), notify)
}

func (p *Policy) direct(ctx context.Context, orch *agent.Agent, query string, conv core.Conversation, notify func(Decision)) (*Decision, error) {
	dec := Decision{
		Path:       PathDirect,
		Agent:      orch.Info(),
		TaskType:   "direct",
		Confidence: ConfidenceDirect,
		Reasoning:  "Simple query answered directly by the orchestrator.",
	}
	notify(dec)

	res, err := orch.Run(ctx, query, conv, withoutTools)
	if err != nil {
		return nil, err
	}
	dec.Agent, dec.Content, dec.Result = res.Agent, res.Content, res
	return &dec, nil
}

func (p *Policy) fallback(ctx context.Context, orch *agent.Agent, query string, conv core.Conversation, cause error, streamed string, notify func(Decision)) (*Decision, error) {
	dec := Decision{
		Path:       PathFallback,
		Agent:      orch.Info(),
		TaskType:   "fallback",
		Confidence: ConfidenceFallback,
		Reasoning:  "Delegation unavailable; answered by the orchestrator.",
	}
	notify(dec)

	res, err := orch.Run(ctx, query, conv, withoutTools)
	if err != nil {
		return nil, fmt.Errorf("triage fallback after %v: %w", cause, err)
	}
	res.Content = streamed + res.Content
	dec.Agent, dec.Content, dec.Result = res.Agent, res.Content, res
	return &dec, nil
}

// specialist couples a specialist agent with the tool it is exposed as.
type specialist struct {
	agent *agent.Agent
	tool  tool.Tool
}

func (p *Policy) specialists() (*tool.Registry, map[string]specialist, error) {
	reg := tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = p.opts.Logger })
	byTool := make(map[string]specialist)

	for _, def := range p.registry.Specialists() {
		a, err := p.registry.GetOrCreate(def.ID)
		if err != nil {
			return nil, nil, err
		}
		t := agent.AsTool(a, func(o *agent.AsToolOptions) { o.ForwardTokens = true })
		if err := reg.Register(t); err != nil {
			return nil, nil, err
		}
		byTool[t.Name()] = specialist{agent: a, tool: t}
	}
	return reg, byTool, nil
}

func (p *Policy) delegate(ctx context.Context, orch *agent.Agent, query string, conv core.Conversation, notify func(Decision)) (*Decision, error) {
	tools, byTool, err := p.specialists()
	if err != nil {
		return nil, err
	}
	if tools.Len() == 0 {
		return p.direct(ctx, orch, query, conv, notify)
	}

	instructions, err := orch.Instructions(ctx, conv)
	if err != nil {
		return nil, err
	}

	llm := p.opts.RoutingModel
	if llm == nil {
		llm = orch.Model()
	}

	req := model.Request{
		Model:        orch.Definition().Model,
		Instructions: instructions + "\n\n" + routingGuidance(tools.Tools()),
		Messages:     conv.Append(core.NewUserMessage(query)).Messages,
		Tools:        tools.Definitions(),
		ToolChoice:   model.ToolChoiceAuto,
		Stream:       true,
	}
	if err := core.CountModelCall(ctx); err != nil {
		return nil, err
	}

	// Routing text is only the answer when no specialist gets selected, so
	// deltas are held back until that is known.
	var held []string
	resp, err := model.Collect(ctx, llm, req, func(d string) { held = append(held, d) })
	if err != nil {
		return nil, err
	}

	orchInfo := orch.Info()
	if len(resp.ToolCalls) == 0 {
		dec := Decision{
			Path:       PathDelegate,
			Agent:      orchInfo,
			TaskType:   "general",
			Confidence: ConfidenceNoSelected,
			Reasoning:  "No specialist was selected; answered by the orchestrator.",
		}
		notify(dec)

		obs := core.ObserverFromContext(ctx)
		for _, d := range held {
			obs.Token(orchInfo, d)
		}
		dec.Content = resp.Text
		dec.Result = &agent.Result{Content: resp.Text, Agent: orchInfo, Model: orch.ModelName()}
		return &dec, nil
	}

	if len(resp.ToolCalls) > 1 {
		ignored := make([]string, 0, len(resp.ToolCalls)-1)
		for _, c := range resp.ToolCalls[1:] {
			ignored = append(ignored, c.Name)
		}
		p.opts.Logger.Warn("triage.route.extra_selections", "selected", resp.ToolCalls[0].Name, "ignored", ignored)
	}

	call := resp.ToolCalls[0]
	sp, ok := byTool[call.Name]
	if !ok {
		return nil, fmt.Errorf("backend selected unknown specialist tool %q", call.Name)
	}

	def := sp.agent.Definition()
	dec := Decision{
		Path:       PathDelegate,
		Agent:      def.Info(),
		TaskType:   taskType(def),
		Confidence: ConfidenceDelegated,
		Reasoning:  p.rationale(ctx, llm, query, def),
		ToolName:   call.Name,
	}
	notify(dec)

	child, err := p.invoke(ctx, tools, call, orchInfo, conv)
	if err != nil {
		return nil, err
	}
	dec.Agent, dec.Content, dec.Result = child.Agent, child.Content, child
	return &dec, nil
}

// invoke runs the selected specialist through the tool registry and captures
// its Result. A specialist failure reaches the registry as an error string;
// it is surfaced here as an error so Route falls back. Unresolved handoff
// targets arrive as r.Err and keep their type.
func (p *Policy) invoke(ctx context.Context, tools *tool.Registry, call core.ToolCall, caller core.AgentInfo, conv core.Conversation) (*agent.Result, error) {
	if call.ID == "" {
		call.ID = call.Name
	}
	if call.Arguments == "" {
		call.Arguments = "{}"
	}

	var child *agent.Result
	toolCtx := agent.WithResultSink(core.WithConversation(ctx, conv), func(res *agent.Result) { child = res })

	obs := core.ObserverFromContext(ctx)
	obs.ToolCalled(caller, call)
	r := tools.InvokeAsResult(toolCtx, call)
	obs.ToolReturned(caller, call, r.Content, r.Err)

	switch {
	case r.Err != nil:
		return nil, r.Err
	case child == nil:
		return nil, fmt.Errorf("specialist %s: %s", call.Name, r.Content)
	default:
		return child, nil
	}
}

func (p *Policy) rationale(ctx context.Context, routing model.Model, query string, def agent.Definition) string {
	name := def.Info().Name
	fallback := fmt.Sprintf("Delegated to %s based on the request.", name)
	if p.opts.DisableRationale {
		return fallback
	}

	llm := p.opts.RationaleModel
	if llm == nil {
		llm = routing
	}

	if err := core.CountModelCall(ctx); err != nil {
		p.opts.Logger.Warn("triage.rationale.skipped", "error", err.Error())
		return fallback
	}

	resp, err := model.Collect(ctx, llm, model.Request{
		Instructions: fmt.Sprintf("In one short sentence, explain why this request was delegated to %s (%s).", name, agent.DefaultToolDescription(def)),
		Messages:     []core.Message{core.NewUserMessage(query)},
		Temperature:  model.Float(0),
		MaxTokens:    p.opts.MaxRationaleTokens,
	}, nil)
	if err != nil || core.IsBlank(resp.Text) {
		if err != nil {
			p.opts.Logger.Warn("triage.rationale.error", "agent", def.ID, "error", err.Error())
		}
		return fallback
	}
	return strings.TrimSpace(resp.Text)
}

func routingGuidance(tools []tool.Tool) string {
	var b strings.Builder
	b.WriteString("You can delegate to these specialists by calling their tool:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
	}
	b.WriteString("Call exactly one specialist when the request falls into its domain. Otherwise answer the user directly.")
	return b.String()
}

func taskType(def agent.Definition) string {
	if def.Type != "" {
		return def.Type
	}
	return def.ID
}

func withoutTools(o *agent.RunOptions) { o.DisableTools = true }

// tokenTee forwards every notification and keeps a copy of the tokens.
type tokenTee struct {
	core.Observer

	mu  sync.Mutex
	buf strings.Builder
}

func (t *tokenTee) Token(a core.AgentInfo, token string) {
	t.mu.Lock()
	t.buf.WriteString(token)
	t.mu.Unlock()
	t.Observer.Token(a, token)
}

func (t *tokenTee) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
