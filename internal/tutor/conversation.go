package tutor

import (
	"strings"

	"github.com/ashureev/lectura-tutor/internal/domain"
)

// DefaultHistoryCap is the default number of messages a session retains.
const DefaultHistoryCap = 40

// Conversation is a bounded, ordered message list. The oldest messages are
// evicted first. It is not safe for concurrent use.
type Conversation struct {
	limit int
	msgs  []domain.Message
}

// NewConversation returns an empty conversation holding at most limit messages.
func NewConversation(limit int) *Conversation {
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	return &Conversation{limit: limit}
}

// Len returns the number of messages held.
func (c *Conversation) Len() int { return len(c.msgs) }

// Append adds m and returns how many old messages were evicted.
func (c *Conversation) Append(m domain.Message) int {
	c.msgs = append(c.msgs, m)
	return c.trim()
}

// Replace swaps the whole list for msgs, keeping only the newest cap entries.
func (c *Conversation) Replace(msgs []domain.Message) {
	c.msgs = append([]domain.Message(nil), msgs...)
	c.trim()
}

// Clear empties the conversation.
func (c *Conversation) Clear() { c.msgs = nil }

// Snapshot returns a copy of the messages, oldest first.
func (c *Conversation) Snapshot() []domain.Message {
	return append([]domain.Message(nil), c.msgs...)
}

// Last returns the newest message.
func (c *Conversation) Last() (domain.Message, bool) {
	if len(c.msgs) == 0 {
		return domain.Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}

// LastAssistant returns the newest assistant message that is neither a
// warning nor prefixed with skipPrefix.
func (c *Conversation) LastAssistant(skipPrefix string) (domain.Message, bool) {
	if i := lastAssistantIndex(c.msgs, skipPrefix); i >= 0 {
		return c.msgs[i], true
	}
	return domain.Message{}, false
}

func lastAssistantIndex(msgs []domain.Message, skipPrefix string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != domain.RoleAssistant || m.IsWarning() {
			continue
		}
		if skipPrefix != "" && strings.HasPrefix(m.Text, skipPrefix) {
			continue
		}
		return i
	}
	return -1
}

// CountRole counts messages with role r.
func (c *Conversation) CountRole(r domain.Role) int {
	n := 0
	for _, m := range c.msgs {
		if m.Role == r {
			n++
		}
	}
	return n
}

// RemoveID deletes the message with the given id and reports whether it existed.
func (c *Conversation) RemoveID(id string) bool {
	for i, m := range c.msgs {
		if m.ID == id {
			c.msgs = append(c.msgs[:i:i], c.msgs[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Conversation) trim() int {
	over := len(c.msgs) - c.limit
	if over <= 0 {
		return 0
	}
	c.msgs = append([]domain.Message(nil), c.msgs[over:]...)
	return over
}
