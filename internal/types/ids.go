// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type MessageID string

// shortHex returns the first 8 hex characters of a fresh UUID, matching the
// server's identifier format (conv_xxxxxxxx / msg_xxxxxxxx).
func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func NewConversationID() ConversationID {
	return ConversationID("conv_" + shortHex())
}

func NewMessageID() MessageID {
	return MessageID("msg_" + shortHex())
}
