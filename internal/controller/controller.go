// internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/reportstream/internal/api"
	"github.com/user/reportstream/internal/conversation"
	"github.com/user/reportstream/internal/notify"
	"github.com/user/reportstream/internal/snapshot"
	"github.com/user/reportstream/internal/stream"
	"github.com/user/reportstream/internal/types"
	"github.com/user/reportstream/internal/workflow"
)

// ErrAborted is returned from Wait when the user cancelled the session.
var ErrAborted = errors.New("session aborted")

// ConfirmFunc answers a mid-pipeline confirmation prompt. It may block;
// event processing is suspended until it returns.
type ConfirmFunc func(ctx context.Context, prompt string) bool

// Observer sees every reduced event together with the state after
// reduction. Used by the CLI to render progress.
type Observer func(ev types.StreamEvent, st workflow.State)

// Controller binds one stream connection to the workflow reducer, fans
// out to snapshotting and the conversation store, and commits results on
// terminal events. One stream at a time; starting a new operation aborts
// the previous one.
type Controller struct {
	stream    *stream.Client
	store     *conversation.Store
	snapshots *snapshot.Snapshotter
	api       *api.Client

	notifier     *notify.Registry
	notifyTarget string
	confirm      ConfirmFunc
	observer     Observer

	mu      sync.Mutex
	state   *workflow.State
	convID  types.ConversationID
	query   string
	opts    types.Options
	done    chan struct{}
	doneErr error
	once    *sync.Once
}

type Option func(*Controller)

// WithNotifier routes terminal-event notifications to the given target.
func WithNotifier(reg *notify.Registry, target string) Option {
	return func(c *Controller) {
		c.notifier = reg
		c.notifyTarget = target
	}
}

// WithConfirmFunc supplies the confirmation decision source.
func WithConfirmFunc(fn ConfirmFunc) Option {
	return func(c *Controller) { c.confirm = fn }
}

// WithObserver registers a progress observer.
func WithObserver(fn Observer) Option {
	return func(c *Controller) { c.observer = fn }
}

// New creates a controller wired to the given collaborators.
func New(sc *stream.Client, store *conversation.Store, snaps *snapshot.Snapshotter, apiClient *api.Client, opts ...Option) *Controller {
	c := &Controller{
		stream:    sc,
		store:     store,
		snapshots: snaps,
		api:       apiClient,
		state:     workflow.NewState(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate starts a fresh research session.
func (c *Controller) Generate(ctx context.Context, query, templateID, documentID string) error {
	return c.start(ctx, query, types.Options{
		Operation:  types.OpGenerate,
		TemplateID: templateID,
		DocumentID: documentID,
	})
}

// FollowUp asks a question against an existing conversation's report.
func (c *Controller) FollowUp(ctx context.Context, id types.ConversationID, query string) error {
	return c.start(ctx, query, types.Options{
		ConversationID: id,
		Operation:      types.OpFollowUp,
	})
}

// Modify requests a targeted change to an existing report.
func (c *Controller) Modify(ctx context.Context, id types.ConversationID, query, selectedText, position string) error {
	return c.start(ctx, query, types.Options{
		ConversationID: id,
		Operation:      types.OpModify,
		SelectedText:   selectedText,
		Position:       position,
	})
}

// Supplement requests additional content for an existing report.
func (c *Controller) Supplement(ctx context.Context, id types.ConversationID, query, selectedText, position string) error {
	return c.start(ctx, query, types.Options{
		ConversationID: id,
		Operation:      types.OpSupplement,
		SelectedText:   selectedText,
		Position:       position,
	})
}

func (c *Controller) start(ctx context.Context, query string, opts types.Options) error {
	if err := types.ValidateQuery(query); err != nil {
		return err
	}

	if opts.ConversationID == "" {
		conv, err := c.store.Create(ctx, query)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		opts.ConversationID = conv.ID
	} else if _, err := c.store.Get(ctx, opts.ConversationID); err != nil {
		return err
	}

	meta := map[string]string{"operation_type": string(opts.Operation)}
	if opts.SelectedText != "" {
		meta["selected_text"] = opts.SelectedText
	}
	if opts.Position != "" {
		meta["position"] = opts.Position
	}
	if _, err := c.store.AddMessage(ctx, opts.ConversationID, "user", query, types.MessageTypeFor(opts.Operation), meta); err != nil {
		return fmt.Errorf("record user message: %w", err)
	}

	c.mu.Lock()
	c.state = workflow.NewState()
	c.convID = opts.ConversationID
	c.query = query
	c.opts = opts
	c.done = make(chan struct{})
	c.doneErr = nil
	c.once = new(sync.Once)
	c.mu.Unlock()

	c.snapshotNow(ctx)
	return c.connect(ctx, query, opts)
}

func (c *Controller) connect(ctx context.Context, query string, opts types.Options) error {
	handlers := stream.Handlers{
		OnOpen: func() {
			slog.Info("stream open", "conversation_id", opts.ConversationID, "operation", opts.Operation)
		},
		OnEvent: func(ev types.StreamEvent) {
			c.handleEvent(ctx, ev)
		},
		OnError: func(err error) {
			c.handleStreamError(ctx, err)
		},
	}
	return c.stream.Connect(ctx, query, handlers, opts)
}

// handleEvent runs on the stream's reader goroutine, so events are
// processed strictly in arrival order.
func (c *Controller) handleEvent(ctx context.Context, ev types.StreamEvent) {
	c.mu.Lock()
	st := c.state

	if start, ok := ev.(types.StartEvent); ok && start.ConversationID != "" && start.ConversationID != c.convID {
		// Server returned an authoritative identifier; adopt it.
		if err := c.store.Rekey(ctx, c.convID, start.ConversationID); err != nil {
			slog.Warn("conversation rekey failed", "error", err)
		} else {
			slog.Info("conversation rekeyed", "old", c.convID, "new", start.ConversationID)
		}
		c.convID = start.ConversationID
		c.opts.ConversationID = start.ConversationID
	}

	prevStage := st.Stage
	st.Apply(ev)
	stageChanged := st.Stage != prevStage
	convID := c.convID
	op := c.opts.Operation
	c.mu.Unlock()

	switch e := ev.(type) {
	case types.ConfirmationRequiredEvent:
		c.mu.Lock()
		pending := st.PendingConfirmation
		c.mu.Unlock()
		// The reducer ignores a second request while one is pending; only
		// the accepted prompt gets a round trip.
		if pending == e.Prompt {
			c.runConfirmation(ctx, convID, e.Prompt)
		}

	case types.AnswerEvent:
		if _, err := c.store.AddMessage(ctx, convID, "assistant", e.Content, types.MsgAnswer, nil); err != nil {
			slog.Error("record answer failed", "error", err)
		}

	case types.FinalReportEvent:
		if err := c.store.UpdateReport(ctx, convID, e.Content, op); err != nil {
			slog.Error("update report failed", "error", err)
		}
		meta := map[string]string{}
		if e.Modification != "" {
			meta["modification"] = e.Modification
		}
		if e.Expansion != "" {
			meta["expansion"] = e.Expansion
		}
		if _, err := c.store.AddMessage(ctx, convID, "assistant", e.Content, types.MsgReport, meta); err != nil {
			slog.Error("record report failed", "error", err)
		}

	case types.ErrorEvent:
		c.mu.Lock()
		failedNow := st.Stage == workflow.StageFailed && prevStage != workflow.StageFailed
		c.mu.Unlock()
		if failedNow {
			if err := c.store.SetMetadata(ctx, convID, "status", "failed"); err != nil {
				slog.Error("mark conversation failed", "error", err)
			}
			c.notify("Research task failed: " + e.Message)
		}

	case types.EndEvent:
		c.commit(ctx)
	}

	if stageChanged && !c.terminal() {
		c.snapshotNow(ctx)
	}

	if c.observer != nil {
		c.mu.Lock()
		snapshotState := *c.state
		c.mu.Unlock()
		c.observer(ev, snapshotState)
	}
}

// runConfirmation owns the confirmation round trip: suspend, ask, deliver
// the decision on the side channel, resume. A delivery failure is logged;
// the server times out or defaults on its own.
func (c *Controller) runConfirmation(ctx context.Context, convID types.ConversationID, prompt string) {
	decision := false
	if c.confirm != nil {
		decision = c.confirm(ctx, prompt)
	}

	if err := c.api.Confirm(ctx, convID, decision); err != nil {
		slog.Warn("confirmation delivery failed", "error", err)
	}

	c.mu.Lock()
	c.state.ResolveConfirmation(decision)
	c.mu.Unlock()
	c.snapshotNow(ctx)
}

// commit finalizes the session after the stream's end event.
func (c *Controller) commit(ctx context.Context) {
	c.mu.Lock()
	st := c.state
	failed := st.Stage == workflow.StageFailed
	report := st.Report
	errMsg := st.ErrorMessage
	c.mu.Unlock()

	c.snapshots.Clear(ctx)

	if failed {
		c.finish(fmt.Errorf("session failed: %s", errMsg))
		return
	}
	if report != "" {
		c.notify("Report ready:\n\n" + report)
	}
	c.finish(nil)
}

// handleStreamError fires once, after transport retries are exhausted.
func (c *Controller) handleStreamError(ctx context.Context, err error) {
	c.mu.Lock()
	c.state.Stage = workflow.StageFailed
	c.state.ErrorMessage = err.Error()
	convID := c.convID
	c.mu.Unlock()

	if metaErr := c.store.SetMetadata(ctx, convID, "status", "failed"); metaErr != nil {
		slog.Error("mark conversation failed", "error", metaErr)
	}
	c.notify("Research task failed: connection lost")

	// The snapshot is kept so the session can be resumed deliberately; a
	// failed session is never silently retried.
	c.finish(fmt.Errorf("stream failed: %w", err))
}

// Abort cancels the in-flight session. Clean terminal state: no further
// callbacks, no resumption offer.
func (c *Controller) Abort(ctx context.Context) {
	c.stream.Abort()
	c.snapshots.Clear(ctx)
	c.finish(ErrAborted)
}

// Wait blocks until the session reaches a terminal state.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return fmt.Errorf("no session in flight")
	}

	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume checks for an interrupted session. The snapshot is consumed
// (cleared everywhere) regardless of what the caller does with it.
func (c *Controller) Resume(ctx context.Context) (*snapshot.Snapshot, bool) {
	snap, ok := c.snapshots.DetectInterrupted(ctx)
	if !ok {
		return nil, false
	}
	c.snapshots.Clear(ctx)
	return snap, true
}

// ResumeStream re-subscribes to a mid-flight session from a snapshot. The
// step log is replayed from the serialized state; no events are re-sent
// to the server, it resumes emitting on its own.
func (c *Controller) ResumeStream(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap == nil || !snap.Processing {
		return fmt.Errorf("snapshot is not resumable")
	}

	st := snap.State
	if st == nil {
		st = workflow.NewState()
	}
	opts := types.Options{
		ConversationID: snap.ConversationID,
		Operation:      snap.Operation,
		TemplateID:     snap.TemplateID,
		DocumentID:     snap.DocumentID,
	}

	c.mu.Lock()
	c.state = st
	c.convID = snap.ConversationID
	c.query = snap.Query
	c.opts = opts
	c.done = make(chan struct{})
	c.doneErr = nil
	c.once = new(sync.Once)
	c.mu.Unlock()

	return c.connect(ctx, snap.Query, opts)
}

// State returns a copy of the current workflow state.
func (c *Controller) State() workflow.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// ConversationID returns the in-flight conversation's identifier.
func (c *Controller) ConversationID() types.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

func (c *Controller) terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Terminal()
}

func (c *Controller) snapshotNow(ctx context.Context) {
	c.mu.Lock()
	snap := &snapshot.Snapshot{
		Query:          c.query,
		ConversationID: c.convID,
		Operation:      c.opts.Operation,
		TemplateID:     c.opts.TemplateID,
		DocumentID:     c.opts.DocumentID,
		Processing:     !c.state.Terminal(),
		State:          c.state,
	}
	c.mu.Unlock()

	if err := c.snapshots.Save(ctx, snap); err != nil {
		slog.Warn("snapshot save failed", "error", err)
	}
}

func (c *Controller) notify(message string) {
	if c.notifier == nil || c.notifyTarget == "" {
		return
	}
	if err := c.notifier.Notify(c.notifyTarget, message); err != nil {
		slog.Warn("notification failed", "error", err)
	}
}

func (c *Controller) finish(err error) {
	c.mu.Lock()
	once := c.once
	c.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		c.mu.Lock()
		c.doneErr = err
		close(c.done)
		c.mu.Unlock()
	})
}
