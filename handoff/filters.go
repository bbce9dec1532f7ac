package handoff

import "github.com/hupe1980/agentrelay/core"

// InputFilter transforms the conversation handed to the target agent. Filters
// must not modify their argument.
type InputFilter func(core.Conversation) core.Conversation

// Compose applies filters in order.
func Compose(filters ...InputFilter) InputFilter {
	return func(conv core.Conversation) core.Conversation {
		out := conv
		for _, f := range filters {
			if f != nil {
				out = f(out)
			}
		}
		return out
	}
}

func withMessages(conv core.Conversation, msgs []core.Message) core.Conversation {
	out := conv
	out.Messages = msgs
	return out
}

// RemoveToolMessages drops tool results and the tool calls that requested
// them. Assistant turns that also carry text keep the text.
func RemoveToolMessages(conv core.Conversation) core.Conversation {
	msgs := make([]core.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		switch {
		case m.Role == core.RoleTool:
			continue
		case m.HasToolCalls():
			if core.IsBlank(m.Content) {
				continue
			}
			msgs = append(msgs, core.NewAssistantMessage(m.Content))
		default:
			msgs = append(msgs, m)
		}
	}
	return withMessages(conv, msgs)
}

// KeepLastUserMessage retains only the most recent user turn.
func KeepLastUserMessage(conv core.Conversation) core.Conversation {
	last, ok := conv.LastUserMessage()
	if !ok {
		return withMessages(conv, nil)
	}
	return withMessages(conv, []core.Message{last})
}

// KeepLast retains the n most recent messages.
func KeepLast(n int) InputFilter {
	return func(conv core.Conversation) core.Conversation {
		if n <= 0 {
			return withMessages(conv, nil)
		}
		if len(conv.Messages) <= n {
			return withMessages(conv, append([]core.Message(nil), conv.Messages...))
		}
		return withMessages(conv, append([]core.Message(nil), conv.Messages[len(conv.Messages)-n:]...))
	}
}
