// Package conversation holds the ordered, in-memory transcript of the single chat shown by the UI.
package conversation

import (
	"fmt"
	"slices"
	"sync"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
)

// ChangeKind tells subscribers what happened to the message carried by a Change.
type ChangeKind int

const (
	// ChangeAppended is emitted after a message is added to the end of the conversation.
	ChangeAppended ChangeKind = iota
	// ChangeUpdated is emitted after the content of the open message is replaced.
	ChangeUpdated
	// ChangeClosed is emitted after the open message is frozen.
	ChangeClosed
)

// Change is a single mutation of the conversation. Message is a copy taken right after the mutation.
type Change struct {
	Kind    ChangeKind
	Message models.Message
}

// Conversation is an append-only sequence of messages. The only in-place mutation allowed is the content
// growth of the open assistant message, and at most one message is open at a time.
type Conversation struct {
	mu       sync.RWMutex
	messages []models.Message
	index    map[string]int
	openID   string

	subsMu sync.RWMutex
	subs   []func(Change)
}

// New returns an empty Conversation.
func New() *Conversation {
	return &Conversation{
		index: make(map[string]int),
	}
}

// Subscribe registers fn to be called after every mutation. Calls happen on the mutating goroutine,
// outside of the conversation lock, in mutation order.
func (c *Conversation) Subscribe(fn func(Change)) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.subs = append(c.subs, fn)
}

// Append adds msg to the end of the conversation. A duplicate ID, or a second open message while another
// one is still open, is a programming error and panics.
func (c *Conversation) Append(msg models.Message) {
	c.mu.Lock()
	if _, ok := c.index[msg.ID]; ok {
		c.mu.Unlock()
		panic(fmt.Sprintf("conversation: duplicate message id %q", msg.ID))
	}
	if msg.Open() {
		if c.openID != "" {
			c.mu.Unlock()
			panic(fmt.Sprintf("conversation: message %q appended while %q is open", msg.ID, c.openID))
		}
		c.openID = msg.ID
	}
	c.index[msg.ID] = len(c.messages)
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeAppended, Message: msg})
}

// UpdateContentByID replaces the content of the open message with the given id. It is a no-op when the id
// is unknown or the message is already frozen, since a late chunk racing a teardown is expected.
func (c *Conversation) UpdateContentByID(id, content string) {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok || !c.messages[i].Open() {
		c.mu.Unlock()
		return
	}
	c.messages[i].Content = content
	msg := c.messages[i]
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeUpdated, Message: msg})
}

// Close freezes the open message with the given id. Incomplete flags a message whose stream failed, its
// content stays exactly as it was. Closing an unknown or already frozen message is a no-op.
func (c *Conversation) Close(id string, incomplete bool) {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok || !c.messages[i].Open() {
		c.mu.Unlock()
		return
	}
	c.messages[i].StreamingState = models.StreamingStateEnded
	c.messages[i].Incomplete = incomplete
	if c.openID == id {
		c.openID = ""
	}
	msg := c.messages[i]
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeClosed, Message: msg})
}

// Snapshot returns a copy of the conversation in insertion order. The returned slice does not alias the
// conversation's storage.
func (c *Conversation) Snapshot() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.messages)
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.messages)
}

func (c *Conversation) notify(ch Change) {
	c.subsMu.RLock()
	subs := slices.Clone(c.subs)
	c.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ch)
	}
}
