package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StoredConversation is the persisted transcript of one tab session.
type StoredConversation struct {
	UserID         string
	SessionID      string
	MessagesJSON   string
	LastFollowUpAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Messages decodes the stored transcript. Entries with unknown roles are dropped.
func (c *StoredConversation) Messages() ([]Message, error) {
	if c == nil || c.MessagesJSON == "" {
		return nil, nil
	}
	var raw []Message
	if err := json.Unmarshal([]byte(c.MessagesJSON), &raw); err != nil {
		return nil, fmt.Errorf("decode stored messages: %w", err)
	}
	out := raw[:0]
	for _, m := range raw {
		if m.Role.Valid() {
			out = append(out, m)
		}
	}
	return out, nil
}

// SetMessages encodes msgs into the stored transcript.
func (c *StoredConversation) SetMessages(msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode stored messages: %w", err)
	}
	c.MessagesJSON = string(data)
	return nil
}
