// internal/conversation/store.go
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/reportstream/internal/types"
)

const (
	// maxMessages keeps the last 20 messages (10 turns) per conversation.
	maxMessages = 20
	// maxVersions bounds the report version history.
	maxVersions = 5
	// titleLimit caps auto-generated titles, in runes.
	titleLimit = 20
)

// Store is a JSON-file-backed conversation collection. The whole
// collection lives in one file keyed by conversation ID and is rewritten
// atomically on every mutation. Concurrent processes race on the file;
// the last writer wins.
type Store struct {
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewStore creates a conversation store persisted at the given path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) load() (map[types.ConversationID]*types.Conversation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ConversationID]*types.Conversation), nil
		}
		return nil, fmt.Errorf("read conversations: %w", err)
	}

	collection := make(map[types.ConversationID]*types.Conversation)
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("unmarshal conversations: %w", err)
	}
	return collection, nil
}

func (s *Store) save(collection map[types.ConversationID]*types.Conversation) error {
	data, err := json.MarshalIndent(collection, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp conversations: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp conversations: %w", err)
	}
	return nil
}

// TruncateTitle derives a display title from a query, capped with an
// ellipsis on a rune boundary.
func TruncateTitle(query string) string {
	runes := []rune(query)
	if len(runes) <= titleLimit {
		return query
	}
	return string(runes[:titleLimit]) + "..."
}

// Create starts a new conversation titled after the query.
func (s *Store) Create(_ context.Context, query string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.load()
	if err != nil {
		return nil, err
	}

	now := s.now()
	conv := &types.Conversation{
		ID:             types.NewConversationID(),
		Title:          TruncateTitle(query),
		CreatedAt:      now,
		UpdatedAt:      now,
		Messages:       []types.Message{},
		ReportVersions: []types.ReportVersion{},
	}
	collection[conv.ID] = conv

	if err := s.save(collection); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns the conversation with the given ID.
func (s *Store) Get(_ context.Context, id types.ConversationID) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	collection, err := s.load()
	if err != nil {
		return nil, err
	}
	conv, ok := collection[id]
	if !ok {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	return conv, nil
}

// List returns all conversations ordered by update time descending. The
// ordering is a contract relied on by history views.
func (s *Store) List(_ context.Context) ([]*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	collection, err := s.load()
	if err != nil {
		return nil, err
	}

	list := make([]*types.Conversation, 0, len(collection))
	for _, conv := range collection {
		list = append(list, conv)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

// AddMessage appends a message, evicting the oldest beyond the cap.
func (s *Store) AddMessage(_ context.Context, id types.ConversationID, role, content string, msgType types.MessageType, metadata map[string]string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.load()
	if err != nil {
		return nil, err
	}
	conv, ok := collection[id]
	if !ok {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}

	msg := types.Message{
		ID:        types.NewMessageID(),
		Role:      role,
		Content:   content,
		Type:      msgType,
		Timestamp: s.now(),
		Metadata:  metadata,
	}
	conv.Messages = append(conv.Messages, msg)
	if len(conv.Messages) > maxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-maxMessages:]
	}
	conv.UpdatedAt = s.now()

	if err := s.save(collection); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateReport replaces the current report, pushing the previous one into
// the bounded version history first.
func (s *Store) UpdateReport(_ context.Context, id types.ConversationID, report string, op types.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.load()
	if err != nil {
		return err
	}
	conv, ok := collection[id]
	if !ok {
		return fmt.Errorf("conversation not found: %s", id)
	}

	if conv.CurrentReport != "" {
		conv.ReportVersions = append(conv.ReportVersions, types.ReportVersion{
			Version:   len(conv.ReportVersions) + 1,
			Content:   conv.CurrentReport,
			Timestamp: s.now(),
			Operation: op,
		})
		if len(conv.ReportVersions) > maxVersions {
			conv.ReportVersions = conv.ReportVersions[len(conv.ReportVersions)-maxVersions:]
		}
	}

	conv.CurrentReport = report
	conv.UpdatedAt = s.now()
	return s.save(collection)
}

// SetMetadata records a metadata key on the conversation, e.g. a visible
// failure status.
func (s *Store) SetMetadata(_ context.Context, id types.ConversationID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.load()
	if err != nil {
		return err
	}
	conv, ok := collection[id]
	if !ok {
		return fmt.Errorf("conversation not found: %s", id)
	}

	if conv.Metadata == nil {
		conv.Metadata = map[string]string{}
	}
	conv.Metadata[key] = value
	conv.UpdatedAt = s.now()
	return s.save(collection)
}

// Rekey adopts a server-authoritative identifier for a locally created
// conversation. The entry is moved, not cloned.
func (s *Store) Rekey(_ context.Context, oldID, newID types.ConversationID) error {
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.load()
	if err != nil {
		return err
	}
	conv, ok := collection[oldID]
	if !ok {
		return fmt.Errorf("conversation not found: %s", oldID)
	}
	if _, exists := collection[newID]; exists {
		return fmt.Errorf("conversation already exists: %s", newID)
	}

	delete(collection, oldID)
	conv.ID = newID
	collection[newID] = conv
	return s.save(collection)
}

// Delete removes the conversation and returns the removed entry so the
// caller can hold it for the undo window.
func (s *Store) Delete(_ context.Context, id types.ConversationID) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.load()
	if err != nil {
		return nil, err
	}
	conv, ok := collection[id]
	if !ok {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}

	delete(collection, id)
	if err := s.save(collection); err != nil {
		return nil, err
	}
	return conv, nil
}

// Restore re-inserts a previously deleted conversation, reconstructing
// the shape the store expects. Restoring an existing entry is a no-op.
func (s *Store) Restore(_ context.Context, conv *types.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("restore requires a conversation with an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.load()
	if err != nil {
		return err
	}
	if _, exists := collection[conv.ID]; exists {
		return nil
	}

	if conv.Messages == nil {
		conv.Messages = []types.Message{}
	}
	if conv.ReportVersions == nil {
		conv.ReportVersions = []types.ReportVersion{}
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]string{}
	}
	conv.Metadata["restored"] = "true"
	conv.Metadata["restored_at"] = s.now().Format(time.RFC3339)
	conv.UpdatedAt = s.now()

	collection[conv.ID] = conv
	return s.save(collection)
}
