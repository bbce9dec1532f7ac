package testutil

import (
	"fmt"

	"github.com/hupe1980/agentrelay/core"
)

// ConversationBuilder helps construct conversations with fluent chaining for tests.
// Example:
//
//	conv := NewConversationBuilder("chat-1").User("hi").Assistant("hello").Build()
type ConversationBuilder struct {
	chatID   string
	userID   string
	parent   string
	messages []core.Message
}

// NewConversationBuilder creates a new builder for the given chat id.
func NewConversationBuilder(chatID string) *ConversationBuilder {
	return &ConversationBuilder{chatID: chatID}
}

// UserID sets the owning user id (chainable).
func (b *ConversationBuilder) UserID(id string) *ConversationBuilder { b.userID = id; return b }

// ParentTask sets the parent task id (chainable).
func (b *ConversationBuilder) ParentTask(id string) *ConversationBuilder { b.parent = id; return b }

// User appends a user turn (chainable).
func (b *ConversationBuilder) User(text string) *ConversationBuilder {
	b.messages = append(b.messages, core.NewUserMessage(text))
	return b
}

// Assistant appends an assistant turn (chainable).
func (b *ConversationBuilder) Assistant(text string) *ConversationBuilder {
	b.messages = append(b.messages, core.NewAssistantMessage(text))
	return b
}

// ToolExchange appends an assistant tool call followed by its result (chainable).
func (b *ConversationBuilder) ToolExchange(name, args, result string) *ConversationBuilder {
	id := fmt.Sprintf("call_%d", len(b.messages))
	b.messages = append(b.messages,
		core.NewToolCallMessage("", []core.ToolCall{{ID: id, Name: name, Arguments: args}}),
		core.NewToolResultMessage(id, name, result),
	)
	return b
}

// Turns appends n alternating user/assistant turns (chainable).
func (b *ConversationBuilder) Turns(n int) *ConversationBuilder {
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			b.User(fmt.Sprintf("user turn %d", i))
		} else {
			b.Assistant(fmt.Sprintf("assistant turn %d", i))
		}
	}
	return b
}

// Build returns the constructed conversation.
func (b *ConversationBuilder) Build() core.Conversation {
	c := core.NewConversation(b.chatID, b.userID, b.messages...)
	c.ParentTaskID = b.parent
	return c
}
