package core

// Conversation is the ordered turn history of one in-flight request plus its
// correlation identifiers. A Conversation is owned by exactly one request;
// pass Clone() to anything that may retain or mutate it.
type Conversation struct {
	Messages     []Message `json:"messages"`
	UserID       string    `json:"user_id,omitempty"`
	ChatID       string    `json:"chat_id,omitempty"`
	ParentTaskID string    `json:"parent_task_id,omitempty"`
}

// NewConversation creates a conversation seeded with prior messages. The
// slice is copied.
func NewConversation(chatID, userID string, previous ...Message) Conversation {
	c := Conversation{ChatID: chatID, UserID: userID}
	c.Messages = cloneMessages(previous)
	return c
}

// Len returns the number of turns.
func (c Conversation) Len() int { return len(c.Messages) }

// Append returns a copy of the conversation with msgs appended. The receiver
// is left untouched.
func (c Conversation) Append(msgs ...Message) Conversation {
	out := c.Clone()
	out.Messages = append(out.Messages, cloneMessages(msgs)...)
	return out
}

// Clone returns a deep copy safe for independent mutation.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = cloneMessages(c.Messages)
	return out
}

// LastUserMessage returns the most recent user turn.
func (c Conversation) LastUserMessage() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

func cloneMessages(in []Message) []Message {
	if len(in) == 0 {
		return []Message{}
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if len(m.ToolCalls) > 0 {
			out[i].ToolCalls = make([]ToolCall, len(m.ToolCalls))
			copy(out[i].ToolCalls, m.ToolCalls)
		}
	}
	return out
}
