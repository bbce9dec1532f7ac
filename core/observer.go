package core

import "context"

// Observer receives progress notifications from agents while they run.
// Implementations must be cheap and non-blocking; they are called inline on
// the request goroutine in causal order.
type Observer interface {
	AgentStarted(agent AgentInfo, prompt string)
	Token(agent AgentInfo, token string)
	ToolCalled(agent AgentInfo, call ToolCall)
	ToolReturned(agent AgentInfo, call ToolCall, result string, err error)
	HandedOff(from, to AgentInfo, reason string)
	AgentFinished(agent AgentInfo, content string, err error)
}

// NoOpObserver ignores every notification.
type NoOpObserver struct{}

func (NoOpObserver) AgentStarted(AgentInfo, string)                  {}
func (NoOpObserver) Token(AgentInfo, string)                         {}
func (NoOpObserver) ToolCalled(AgentInfo, ToolCall)                  {}
func (NoOpObserver) ToolReturned(AgentInfo, ToolCall, string, error) {}
func (NoOpObserver) HandedOff(AgentInfo, AgentInfo, string)          {}
func (NoOpObserver) AgentFinished(AgentInfo, string, error)          {}

// mutedObserver forwards everything except tokens. Nested agents (agents
// running as tools of other agents) report through it so their text does
// not leak into the caller-visible token stream.
type mutedObserver struct{ Observer }

func (mutedObserver) Token(AgentInfo, string) {}

// MuteTokens wraps o so token notifications are dropped.
func MuteTokens(o Observer) Observer {
	if _, ok := o.(mutedObserver); ok {
		return o
	}
	return mutedObserver{o}
}

type observerKey struct{}

// WithObserver attaches o to ctx.
func WithObserver(ctx context.Context, o Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

// ObserverFromContext returns the observer carried by ctx or a NoOpObserver.
func ObserverFromContext(ctx context.Context) Observer {
	if o, ok := ctx.Value(observerKey{}).(Observer); ok && o != nil {
		return o
	}
	return NoOpObserver{}
}

type conversationKey struct{}

// WithConversation attaches a conversation snapshot to ctx so adapters that
// only receive tool arguments (agent-as-tool) can forward prior context.
func WithConversation(ctx context.Context, c Conversation) context.Context {
	return context.WithValue(ctx, conversationKey{}, c.Clone())
}

// ConversationFromContext returns a copy of the conversation carried by ctx.
func ConversationFromContext(ctx context.Context) (Conversation, bool) {
	c, ok := ctx.Value(conversationKey{}).(Conversation)
	if !ok {
		return Conversation{}, false
	}
	return c.Clone(), true
}
