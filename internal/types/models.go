// internal/types/models.go
package types

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of work a stream request asks the server for.
type Operation string

const (
	OpGenerate   Operation = "generate"
	OpFollowUp   Operation = "follow_up"
	OpModify     Operation = "modify"
	OpSupplement Operation = "supplement"
)

// Valid reports whether the operation is one of the four known kinds.
func (o Operation) Valid() bool {
	switch o {
	case OpGenerate, OpFollowUp, OpModify, OpSupplement:
		return true
	}
	return false
}

// MessageType classifies a conversation message.
type MessageType string

const (
	MsgQuery        MessageType = "query"
	MsgFollowUp     MessageType = "follow_up"
	MsgModification MessageType = "modification"
	MsgSupplement   MessageType = "supplement"
	MsgReport       MessageType = "report"
	MsgAnswer       MessageType = "answer"
)

// MessageTypeFor maps an operation kind to the message type recorded for
// the user's input under that operation.
func MessageTypeFor(op Operation) MessageType {
	switch op {
	case OpFollowUp:
		return MsgFollowUp
	case OpModify:
		return MsgModification
	case OpSupplement:
		return MsgSupplement
	default:
		return MsgQuery
	}
}

type Message struct {
	ID        MessageID         `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Type      MessageType       `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ReportVersion is one superseded report kept in a conversation's bounded
// version history.
type ReportVersion struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
}

type Conversation struct {
	ID             ConversationID    `json:"id"`
	Title          string            `json:"title"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Messages       []Message         `json:"messages"`
	CurrentReport  string            `json:"current_report"`
	ReportVersions []ReportVersion   `json:"report_versions"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Options carries the optional stream request parameters. Empty fields are
// omitted from the request entirely.
type Options struct {
	ConversationID ConversationID
	Operation      Operation
	SelectedText   string
	Position       string
	TemplateID     string
	DocumentID     string
}

// MaxQueryLen is the server's limit on query length.
const MaxQueryLen = 500

// ValidateQuery enforces the server's query constraints client-side so a
// bad request never opens a stream.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query must not be empty")
	}
	if len(query) > MaxQueryLen {
		return fmt.Errorf("query exceeds %d characters", MaxQueryLen)
	}
	return nil
}
