package chat

import (
	"sync"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageState tells whether an assistant message is still receiving deltas.
type MessageState string

const (
	MessageStreaming MessageState = "streaming"
	MessageFinal     MessageState = "final"
)

const (
	// GreetingID identifies the fixed introductory message.
	GreetingID = "greeting"
	// Greeting is shown first in every conversation and never sent upstream.
	Greeting = "Hi! 👋 I'm your Kanban assistant. Ask me anything about your tasks or project management!"
)

// Message is one entry of a conversation.
type Message struct {
	ID      string       `json:"id"`
	Role    Role         `json:"role"`
	Content string       `json:"content"`
	State   MessageState `json:"state"`
}

// Turn is the wire form of a message sent to the completion endpoint.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is the ordered message list of one chat panel.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
	acc      string
	newID    func() string
}

// NewConversation starts a conversation holding only the greeting.
func NewConversation() *Conversation {
	c := &Conversation{newID: uuid.NewString}
	c.Reset()
	return c
}

// Reset drops every message except the greeting.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = []Message{{ID: GreetingID, Role: RoleAssistant, Content: Greeting, State: MessageFinal}}
	c.acc = ""
}

// AddUser appends a user message and starts a new assistant turn.
func (c *Conversation) AddUser(text string) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked()
	m := Message{ID: c.newID(), Role: RoleUser, Content: text, State: MessageFinal}
	c.messages = append(c.messages, m)
	return m
}

// ApplyDelta appends delta to the turn's accumulated reply. The streaming
// assistant message takes the accumulated text; without one, a new assistant
// message is started with it.
func (c *Conversation) ApplyDelta(delta string) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acc += delta

	if n := len(c.messages); n > 0 {
		last := &c.messages[n-1]
		if last.Role == RoleAssistant && last.State == MessageStreaming {
			last.Content = c.acc
			return *last
		}
	}
	m := Message{ID: c.newID(), Role: RoleAssistant, Content: c.acc, State: MessageStreaming}
	c.messages = append(c.messages, m)
	return m
}

// Finish seals the streaming assistant message, if any.
func (c *Conversation) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked()
}

func (c *Conversation) finishLocked() {
	c.acc = ""
	if n := len(c.messages); n > 0 && c.messages[n-1].State == MessageStreaming {
		c.messages[n-1].State = MessageFinal
	}
}

// Messages returns a snapshot of all messages, greeting first.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// History returns the turns sent upstream: every message but the greeting.
func (c *Conversation) History() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, 0, len(c.messages))
	for _, m := range c.messages {
		if m.ID == GreetingID {
			continue
		}
		out = append(out, Turn{Role: m.Role, Content: m.Content})
	}
	return out
}
