// Package convo defines the conversation data model shared across the
// session engine: messages, conversation configuration, and the durable
// snapshot form exchanged with the cold storage tier.
package convo

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// ContextFragment is a piece of external context injected alongside a user
// message, e.g. a retrieval hit or a document excerpt.
type ContextFragment struct {
	Data   string `json:"data"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// Message is a single entry in a conversation's message graph. Messages are
// immutable once created; the only permitted mutation is deletion during
// rollback of a failed turn. ParentID links each non-root message to its
// predecessor, forming a singly-linked ancestor chain.
type Message struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Sender    string            `json:"sender,omitempty"`
	Injected  []ContextFragment `json:"injected,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// NewMessage creates a Message with a fresh UUIDv7 identifier and the
// current timestamp. The v7 layout keeps ids sortable by creation time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
