package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/user/reportstream/internal/types"
	"github.com/user/reportstream/internal/workflow"
)

// failingBackend rejects every operation.
type failingBackend struct{}

func (failingBackend) Save(context.Context, []byte) error { return errors.New("disk full") }
func (failingBackend) Load(context.Context) ([]byte, error) {
	return nil, errors.New("disk gone")
}
func (failingBackend) Clear(context.Context) error { return errors.New("disk gone") }
func (failingBackend) Name() string                { return "failing" }

func testSnapshot() *Snapshot {
	st := workflow.NewState()
	st.Apply(types.PlanUpdateEvent{Step: "2 steps", Plan: []string{"a", "b"}})
	st.Apply(types.SearchResultEvent{Query: "q", Snippet: "s"})
	return &Snapshot{
		Query:          "weekly report",
		ConversationID: "conv_1",
		Operation:      types.OpGenerate,
		Processing:     true,
		State:          st,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(NewFileBackend(filepath.Join(t.TempDir(), "snap.json")))

	if err := s.Save(ctx, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected snapshot back")
	}
	if got.Query != "weekly report" || got.ConversationID != "conv_1" {
		t.Errorf("identity fields lost: %+v", got)
	}
	if !got.Processing {
		t.Error("processing flag lost")
	}
	if got.State == nil {
		t.Fatal("workflow state lost")
	}
	if got.State.Stage != workflow.StageSearching {
		t.Errorf("expected stage searching, got %s", got.State.Stage)
	}
	if len(got.State.PlanSteps) != 2 || len(got.State.SearchLog) != 1 {
		t.Errorf("workflow detail lost: %+v", got.State)
	}
}

func TestSaveSkipsEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap.json")
	s := New(NewFileBackend(path))

	if err := s.Save(ctx, &Snapshot{}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("empty snapshot must not be persisted, got %+v", got)
	}
}

func TestSaveSucceedsWithOneHealthyBackend(t *testing.T) {
	ctx := context.Background()
	healthy := NewFileBackend(filepath.Join(t.TempDir(), "snap.json"))
	s := New(failingBackend{}, healthy)

	if err := s.Save(ctx, testSnapshot()); err != nil {
		t.Fatalf("one healthy backend should carry the save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Query != "weekly report" {
		t.Errorf("expected snapshot from healthy backend, got %+v", got)
	}
}

func TestSaveFailsWhenAllBackendsFail(t *testing.T) {
	s := New(failingBackend{})
	if err := s.Save(context.Background(), testSnapshot()); err == nil {
		t.Error("expected error when every backend fails")
	}
}

func TestSaveFailsWithNoBackends(t *testing.T) {
	s := New()
	if err := s.Save(context.Background(), testSnapshot()); err == nil {
		t.Error("expected error with no backends configured")
	}
}

func TestDetectInterrupted(t *testing.T) {
	ctx := context.Background()
	s := New(NewFileBackend(filepath.Join(t.TempDir(), "snap.json")))

	if _, ok := s.DetectInterrupted(ctx); ok {
		t.Error("no snapshot should mean no interrupted session")
	}

	if err := s.Save(ctx, testSnapshot()); err != nil {
		t.Fatal(err)
	}
	snap, ok := s.DetectInterrupted(ctx)
	if !ok {
		t.Fatal("expected interrupted session detected")
	}
	if snap.Query != "weekly report" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestDetectInterruptedClearsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "snap.json"))
	s := New(backend)

	// A payload with neither query nor processing flag is stale noise.
	if err := backend.Save(ctx, []byte(`{"query":"","processing":false}`)); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.DetectInterrupted(ctx); ok {
		t.Error("invalid payload must not be offered for resume")
	}
	data, err := backend.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Error("invalid payload should have been cleared")
	}
}

func TestClearRemovesFromAllBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b1 := NewFileBackend(filepath.Join(dir, "a", "snap.json"))
	b2 := NewFileBackend(filepath.Join(dir, "b", "snap.json"))
	s := New(b1, b2)

	if err := s.Save(ctx, testSnapshot()); err != nil {
		t.Fatal(err)
	}
	s.Clear(ctx)

	for _, b := range []*FileBackend{b1, b2} {
		data, err := b.Load(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if data != nil {
			t.Errorf("backend %s still holds a snapshot", b.Name())
		}
	}
}

func TestLoadSkipsCorruptBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	corrupt := NewFileBackend(filepath.Join(dir, "corrupt.json"))
	good := NewFileBackend(filepath.Join(dir, "good.json"))

	if err := corrupt.Save(ctx, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	s := New(corrupt, good)
	if err := New(good).Save(ctx, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Query != "weekly report" {
		t.Errorf("expected fallback to good backend, got %+v", got)
	}
}
