// internal/types/interfaces.go
package types

import "context"

// ConversationStore is the durable, bounded collection of past
// conversations. Implementations must keep listing ordered by update time
// descending and enforce the message/version caps.
type ConversationStore interface {
	Create(ctx context.Context, query string) (*Conversation, error)
	Get(ctx context.Context, id ConversationID) (*Conversation, error)
	List(ctx context.Context) ([]*Conversation, error)
	AddMessage(ctx context.Context, id ConversationID, role, content string, msgType MessageType, metadata map[string]string) (*Message, error)
	UpdateReport(ctx context.Context, id ConversationID, report string, op Operation) error
	Rekey(ctx context.Context, oldID, newID ConversationID) error
	Delete(ctx context.Context, id ConversationID) (*Conversation, error)
	Restore(ctx context.Context, conv *Conversation) error
}
