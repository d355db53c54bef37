// internal/conversation/context.go
package conversation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/reportstream/internal/types"
)

// contextMessages is how many recent messages are considered for prompt
// context before token trimming.
const contextMessages = 10

// PromptContext is the token-budgeted slice of a conversation handed to
// follow-up operations: the current report plus recent history.
type PromptContext struct {
	ConversationID types.ConversationID `json:"conversation_id"`
	CurrentReport  string               `json:"current_report"`
	History        []types.Message      `json:"message_history"`
}

// ContextBuilder assembles token-budgeted prompt context.
type ContextBuilder struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// NewContextBuilder creates a builder using the tokenizer for the given
// model, falling back to cl100k_base for unknown models.
func NewContextBuilder(model string, maxTokens int) (*ContextBuilder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &ContextBuilder{tokenizer: enc, maxTokens: maxTokens}, nil
}

func (b *ContextBuilder) countTokens(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Build returns the conversation's report and as many of its most recent
// messages as fit the token budget, oldest trimmed first. The report is
// budgeted before history; an oversized report is kept whole and history
// is dropped entirely rather than truncating the report.
func (b *ContextBuilder) Build(conv *types.Conversation) *PromptContext {
	pc := &PromptContext{
		ConversationID: conv.ID,
		CurrentReport:  conv.CurrentReport,
		History:        []types.Message{},
	}

	remaining := b.maxTokens - b.countTokens(conv.CurrentReport)
	if remaining <= 0 {
		return pc
	}

	recent := conv.Messages
	if len(recent) > contextMessages {
		recent = recent[len(recent)-contextMessages:]
	}

	// Walk newest to oldest, then restore chronological order.
	var picked []types.Message
	for i := len(recent) - 1; i >= 0; i-- {
		cost := b.countTokens(recent[i].Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		picked = append(picked, recent[i])
	}
	for i := len(picked) - 1; i >= 0; i-- {
		pc.History = append(pc.History, picked[i])
	}
	return pc
}
