// internal/conversation/undo.go
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/user/reportstream/internal/types"
)

// DefaultUndoWindow is how long a deleted conversation can be recovered
// before the delete becomes irreversible.
const DefaultUndoWindow = 10 * time.Second

// ExpireFunc is invoked once a staged delete passes the undo window (or
// is confirmed); only then may the delete be mirrored to the server.
type ExpireFunc func(id types.ConversationID, conv *types.Conversation)

// UndoManager parks deleted conversations in a TTL cache. While parked, a
// delete can be undone; once the entry expires or is confirmed, the
// expire hook fires and the delete is final.
type UndoManager struct {
	store   *Store
	pending *cache.Cache
	expire  ExpireFunc

	mu   sync.Mutex
	skip map[string]bool
}

// NewUndoManager creates an undo manager with the given window. onExpire
// may be nil when no server-side mirror is configured.
func NewUndoManager(store *Store, window time.Duration, onExpire ExpireFunc) *UndoManager {
	if window <= 0 {
		window = DefaultUndoWindow
	}
	u := &UndoManager{
		store:   store,
		pending: cache.New(window, window/2),
		expire:  onExpire,
		skip:    map[string]bool{},
	}
	u.pending.OnEvicted(func(key string, value any) {
		u.mu.Lock()
		if u.skip[key] {
			delete(u.skip, key)
			u.mu.Unlock()
			return
		}
		u.mu.Unlock()

		conv, ok := value.(*types.Conversation)
		if !ok {
			return
		}
		slog.Info("delete finalized", "conversation_id", key)
		if u.expire != nil {
			u.expire(types.ConversationID(key), conv)
		}
	})
	return u
}

// Stage removes the conversation locally and parks it for the undo
// window. The server-side delete fires only after the window elapses.
func (u *UndoManager) Stage(ctx context.Context, id types.ConversationID) error {
	conv, err := u.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	u.pending.SetDefault(string(id), conv)
	return nil
}

// Undo recovers a staged delete before the window elapses. The expire
// hook must not fire for an undone delete.
func (u *UndoManager) Undo(ctx context.Context, id types.ConversationID) error {
	value, ok := u.pending.Get(string(id))
	if !ok {
		return fmt.Errorf("no pending delete for conversation %s", id)
	}
	conv := value.(*types.Conversation)

	u.mu.Lock()
	u.skip[string(id)] = true
	u.mu.Unlock()
	u.pending.Delete(string(id))

	return u.store.Restore(ctx, conv)
}

// Confirm makes a staged delete irreversible immediately.
func (u *UndoManager) Confirm(id types.ConversationID) {
	u.pending.Delete(string(id))
}

// Pending reports whether the conversation is inside its undo window.
func (u *UndoManager) Pending(id types.ConversationID) bool {
	_, ok := u.pending.Get(string(id))
	return ok
}
