// Package conversation provides the durable, bounded conversation
// collection and its undo-windowed deletion flow.
package conversation

import "github.com/user/reportstream/internal/types"

// Compile-time interface compliance check.
var _ types.ConversationStore = (*Store)(nil)
