// internal/snapshot/snapshotter.go
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/reportstream/internal/types"
	"github.com/user/reportstream/internal/workflow"
)

// Snapshot captures enough in-flight session state to resume after the
// process goes away. The workflow state is serialized directly; it is the
// single source of truth, never reconstructed from rendered output.
type Snapshot struct {
	Query          string               `json:"query"`
	ConversationID types.ConversationID `json:"conversation_id,omitempty"`
	Operation      types.Operation      `json:"operation_type,omitempty"`
	TemplateID     string               `json:"template_id,omitempty"`
	DocumentID     string               `json:"document_id,omitempty"`
	Processing     bool                 `json:"processing"`
	State          *workflow.State      `json:"state,omitempty"`
	SavedAt        time.Time            `json:"saved_at"`
}

// valid reports whether the payload is worth offering for resumption:
// either unsent input text or an actively processing session.
func (s *Snapshot) valid() bool {
	return s != nil && (s.Query != "" || s.Processing)
}

// Snapshotter replicates snapshots across independent backends so losing
// one does not lose the snapshot. Writes across backends are not
// transactional; the last writer wins.
type Snapshotter struct {
	backends []Backend
}

func New(backends ...Backend) *Snapshotter {
	return &Snapshotter{backends: backends}
}

// Save writes the snapshot to every backend in parallel. It succeeds if
// at least one backend took the write; individual failures are logged.
func (s *Snapshotter) Save(ctx context.Context, snap *Snapshot) error {
	if !snap.valid() {
		return nil
	}
	snap.SavedAt = time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var g errgroup.Group
	failures := make([]error, len(s.backends))
	for i, b := range s.backends {
		g.Go(func() error {
			if err := b.Save(ctx, data); err != nil {
				slog.Warn("snapshot backend write failed", "backend", b.Name(), "error", err)
				failures[i] = err
			}
			return nil
		})
	}
	g.Wait()

	for _, err := range failures {
		if err == nil {
			return nil
		}
	}
	if len(s.backends) == 0 {
		return fmt.Errorf("no snapshot backends configured")
	}
	return fmt.Errorf("all snapshot backends failed: %w", failures[0])
}

// Load returns the snapshot from the first backend holding a payload that
// parses. It does not validate resumability; see DetectInterrupted.
func (s *Snapshotter) Load(ctx context.Context) (*Snapshot, error) {
	for _, b := range s.backends {
		data, err := b.Load(ctx)
		if err != nil {
			slog.Warn("snapshot backend read failed", "backend", b.Name(), "error", err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			slog.Warn("corrupt snapshot ignored", "backend", b.Name(), "error", err)
			continue
		}
		return &snap, nil
	}
	return nil, nil
}

// DetectInterrupted looks for an abandoned session. Invalid or empty
// payloads are cleared from every backend rather than surfaced.
func (s *Snapshotter) DetectInterrupted(ctx context.Context) (*Snapshot, bool) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, false
	}
	if !snap.valid() {
		if snap != nil {
			s.Clear(ctx)
		}
		return nil, false
	}
	return snap, true
}

// Clear removes the snapshot from every backend. A restored-then-abandoned
// session must never be offered again.
func (s *Snapshotter) Clear(ctx context.Context) {
	for _, b := range s.backends {
		if err := b.Clear(ctx); err != nil {
			slog.Warn("snapshot backend clear failed", "backend", b.Name(), "error", err)
		}
	}
}
