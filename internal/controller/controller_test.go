package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/reportstream/internal/api"
	"github.com/user/reportstream/internal/conversation"
	"github.com/user/reportstream/internal/notify"
	"github.com/user/reportstream/internal/snapshot"
	"github.com/user/reportstream/internal/stream"
	"github.com/user/reportstream/internal/types"
	"github.com/user/reportstream/internal/workflow"
)

// fakeDialer serves scripted SSE bodies in order, repeating the last one.
type fakeDialer struct {
	mu     sync.Mutex
	calls  int
	bodies []string
	errs   []error
}

func (d *fakeDialer) dial(ctx context.Context, _ string) (io.ReadCloser, error) {
	d.mu.Lock()
	idx := d.calls
	d.calls++
	last := len(d.bodies) - 1
	if idx > last {
		idx = last
	}
	body := d.bodies[idx]
	var err error
	if idx < len(d.errs) {
		err = d.errs[idx]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// confirmServer records confirmation callbacks.
type confirmServer struct {
	mu     sync.Mutex
	bodies []map[string]any
	srv    *httptest.Server
}

func newConfirmServer() *confirmServer {
	cs := &confirmServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/confirm" {
			data, _ := io.ReadAll(r.Body)
			var body map[string]any
			json.Unmarshal(data, &body)
			cs.mu.Lock()
			cs.bodies = append(cs.bodies, body)
			cs.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	return cs
}

func (cs *confirmServer) confirmations() []map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]map[string]any, len(cs.bodies))
	copy(out, cs.bodies)
	return out
}

func sse(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

type fixture struct {
	controller *Controller
	store      *conversation.Store
	snapshots  *snapshot.Snapshotter
	confirmSrv *confirmServer
	notices    *noticeLog
}

type noticeLog struct {
	mu       sync.Mutex
	messages []string
}

func (n *noticeLog) add(_, message string) error {
	n.mu.Lock()
	n.messages = append(n.messages, message)
	n.mu.Unlock()
	return nil
}

func (n *noticeLog) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.messages))
	copy(out, n.messages)
	return out
}

func newFixture(t *testing.T, d *fakeDialer, retries int, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()

	cs := newConfirmServer()
	t.Cleanup(cs.srv.Close)

	notices := &noticeLog{}
	reg := notify.NewRegistry()
	reg.Register("test:", notices.add)

	sc := stream.New(cs.srv.URL,
		stream.WithDialer(d.dial),
		stream.WithRetryPolicy(retries, time.Millisecond))
	store := conversation.NewStore(filepath.Join(dir, "conversations.json"))
	snaps := snapshot.New(snapshot.NewFileBackend(filepath.Join(dir, "snapshot.json")))

	all := append([]Option{WithNotifier(reg, "test:channel")}, opts...)
	ctrl := New(sc, store, snaps, api.New(cs.srv.URL), all...)
	return &fixture{controller: ctrl, store: store, snapshots: snaps, confirmSrv: cs, notices: notices}
}

func TestGenerateFullPipeline(t *testing.T) {
	ctx := context.Background()
	body := sse("start", `{"message":"ok","query":"weekly report","conversation_id":"conv_server9","operation_type":"generate"}`) +
		sse("planner_update", `{"step":"2 steps","plan":["gather metrics","summarize"]}`) +
		sse("user_confirmation_required", `{"prompt":"Knowledge base is thin. Search the web?","conversation_id":"conv_server9"}`) +
		sse("search_result", `{"query":"ops metrics","snippet":"<p>latency down</p>"}`) +
		sse("verification_feedback", `{"is_valid":true,"reason":"sources agree"}`) +
		sse("final_report", `{"content":"# Weekly Report","conversation_id":"conv_server9"}`) +
		sse("end", `{"message":"done","conversation_id":"conv_server9"}`)

	var confirmedPrompt string
	fx := newFixture(t, &fakeDialer{bodies: []string{body}}, 3,
		WithConfirmFunc(func(_ context.Context, prompt string) bool {
			confirmedPrompt = prompt
			return true
		}))

	if err := fx.controller.Generate(ctx, "weekly report", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := fx.controller.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	// Server-issued identifier adopted for the local record.
	if fx.controller.ConversationID() != "conv_server9" {
		t.Errorf("expected rekey to conv_server9, got %s", fx.controller.ConversationID())
	}
	conv, err := fx.store.Get(ctx, "conv_server9")
	if err != nil {
		t.Fatal(err)
	}
	if conv.CurrentReport != "# Weekly Report" {
		t.Errorf("report not committed: %q", conv.CurrentReport)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected user query + report message, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Role != "user" || conv.Messages[1].Type != types.MsgReport {
		t.Errorf("unexpected messages: %+v", conv.Messages)
	}

	// Confirmation round trip delivered the decision.
	if confirmedPrompt != "Knowledge base is thin. Search the web?" {
		t.Errorf("unexpected prompt: %q", confirmedPrompt)
	}
	confirmations := fx.confirmSrv.confirmations()
	if len(confirmations) != 1 {
		t.Fatalf("expected 1 confirmation callback, got %d", len(confirmations))
	}
	if confirmed, _ := confirmations[0]["confirmed"].(bool); !confirmed {
		t.Error("expected confirmed=true delivered")
	}

	st := fx.controller.State()
	if st.Stage != workflow.StageCompleted {
		t.Errorf("expected completed, got %s", st.Stage)
	}
	if len(st.SearchLog) != 1 || strings.Contains(st.SearchLog[0].Snippet, "<") {
		t.Errorf("search snippet not normalized: %+v", st.SearchLog)
	}

	// Completed sessions leave no snapshot behind.
	if _, ok := fx.snapshots.DetectInterrupted(ctx); ok {
		t.Error("snapshot must be cleared after commit")
	}

	// Terminal notification carried the report.
	notices := fx.notices.all()
	if len(notices) != 1 || !strings.Contains(notices[0], "# Weekly Report") {
		t.Errorf("expected report notification, got %v", notices)
	}
}

func TestConfirmationDeclinedStillCommits(t *testing.T) {
	ctx := context.Background()
	body := sse("start", `{"query":"q","conversation_id":"conv_srv1"}`) +
		sse("user_confirmation_required", `{"prompt":"Search the web?"}`) +
		sse("final_report", `{"content":"# KB-only Report"}`) +
		sse("end", `{}`)

	fx := newFixture(t, &fakeDialer{bodies: []string{body}}, 3,
		WithConfirmFunc(func(context.Context, string) bool { return false }))

	if err := fx.controller.Generate(ctx, "weekly report", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := fx.controller.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	confirmations := fx.confirmSrv.confirmations()
	if len(confirmations) != 1 {
		t.Fatalf("expected 1 confirmation callback, got %d", len(confirmations))
	}
	if confirmed, _ := confirmations[0]["confirmed"].(bool); confirmed {
		t.Error("expected confirmed=false delivered")
	}

	conv, err := fx.store.Get(ctx, "conv_srv1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.CurrentReport != "# KB-only Report" {
		t.Errorf("declined confirmation must not block the report: %q", conv.CurrentReport)
	}
}

func TestFollowUpRecordsAnswer(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeDialer{}, 3)

	seed, err := fx.store.Create(ctx, "weekly report")
	if err != nil {
		t.Fatal(err)
	}
	body := sse("start", `{"query":"what changed?","conversation_id":"`+string(seed.ID)+`","operation_type":"follow_up"}`) +
		sse("answer", `{"content":"Latency improved 12%.","type":"follow_up"}`) +
		sse("end", `{}`)
	fx2 := newFixtureSharingStore(t, fx, body)

	if err := fx2.controller.FollowUp(ctx, seed.ID, "what changed?"); err != nil {
		t.Fatal(err)
	}
	if err := fx2.controller.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	conv, err := fx.store.Get(ctx, seed.ID)
	if err != nil {
		t.Fatal(err)
	}
	var answer *types.Message
	for i := range conv.Messages {
		if conv.Messages[i].Type == types.MsgAnswer {
			answer = &conv.Messages[i]
		}
	}
	if answer == nil {
		t.Fatal("expected an answer message recorded")
	}
	if answer.Content != "Latency improved 12%." || answer.Role != "assistant" {
		t.Errorf("unexpected answer message: %+v", answer)
	}
	// A follow-up answer is conversational; it must not touch the report.
	if conv.CurrentReport != "" {
		t.Errorf("answer must not become the report: %q", conv.CurrentReport)
	}
}

// newFixtureSharingStore builds a second controller over the same store,
// with its own scripted stream.
func newFixtureSharingStore(t *testing.T, base *fixture, body string) *fixture {
	t.Helper()
	d := &fakeDialer{bodies: []string{body}}
	sc := stream.New(base.confirmSrv.srv.URL,
		stream.WithDialer(d.dial),
		stream.WithRetryPolicy(3, time.Millisecond))
	ctrl := New(sc, base.store, base.snapshots, api.New(base.confirmSrv.srv.URL))
	return &fixture{controller: ctrl, store: base.store, snapshots: base.snapshots, confirmSrv: base.confirmSrv}
}

func TestStreamFailureMarksConversation(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{
		bodies: []string{""},
		errs:   []error{errors.New("connection refused")},
	}
	fx := newFixture(t, d, 1)

	if err := fx.controller.Generate(ctx, "weekly report", "", ""); err != nil {
		t.Fatal(err)
	}
	err := fx.controller.Wait(ctx)
	if err == nil {
		t.Fatal("expected failure after retry exhaustion")
	}

	convID := fx.controller.ConversationID()
	conv, getErr := fx.store.Get(ctx, convID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if conv.Metadata["status"] != "failed" {
		t.Errorf("expected failed status on conversation, got %+v", conv.Metadata)
	}
	if fx.controller.State().Stage != workflow.StageFailed {
		t.Errorf("expected failed stage, got %s", fx.controller.State().Stage)
	}

	// The snapshot survives a failure so the session can be resumed
	// deliberately.
	snap, ok := fx.snapshots.DetectInterrupted(ctx)
	if !ok {
		t.Fatal("expected snapshot kept after stream failure")
	}
	if snap.Query != "weekly report" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	notices := fx.notices.all()
	if len(notices) != 1 || !strings.Contains(notices[0], "failed") {
		t.Errorf("expected failure notification, got %v", notices)
	}
}

func TestServerErrorEventFailsSession(t *testing.T) {
	ctx := context.Background()
	body := sse("start", `{"query":"q","conversation_id":"conv_err1"}`) +
		sse("error", `{"error":"planner exploded","message":"planner exploded"}`) +
		sse("end", `{}`)
	fx := newFixture(t, &fakeDialer{bodies: []string{body}}, 3)

	if err := fx.controller.Generate(ctx, "weekly report", "", ""); err != nil {
		t.Fatal(err)
	}
	err := fx.controller.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "planner exploded") {
		t.Fatalf("expected session failure with server error, got %v", err)
	}

	conv, getErr := fx.store.Get(ctx, "conv_err1")
	if getErr != nil {
		t.Fatal(getErr)
	}
	if conv.Metadata["status"] != "failed" {
		t.Errorf("expected failed status, got %+v", conv.Metadata)
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{
		bodies: []string{""},
		errs:   []error{errors.New("connection refused")},
	}
	// Long retry delay keeps the session alive while we abort it.
	cs := newConfirmServer()
	t.Cleanup(cs.srv.Close)
	dir := t.TempDir()
	sc := stream.New(cs.srv.URL,
		stream.WithDialer(d.dial),
		stream.WithRetryPolicy(3, time.Minute))
	store := conversation.NewStore(filepath.Join(dir, "conversations.json"))
	snaps := snapshot.New(snapshot.NewFileBackend(filepath.Join(dir, "snapshot.json")))
	ctrl := New(sc, store, snaps, api.New(cs.srv.URL))

	if err := ctrl.Generate(ctx, "weekly report", "", ""); err != nil {
		t.Fatal(err)
	}
	ctrl.Abort(ctx)

	if err := ctrl.Wait(ctx); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if _, ok := snaps.DetectInterrupted(ctx); ok {
		t.Error("aborted session must not leave a snapshot")
	}
}

func TestResumeStream(t *testing.T) {
	ctx := context.Background()
	st := workflow.NewState()
	st.Apply(types.PlanUpdateEvent{Plan: []string{"a", "b"}})
	snap := &snapshot.Snapshot{
		Query:          "weekly report",
		ConversationID: "conv_resume1",
		Operation:      types.OpGenerate,
		Processing:     true,
		State:          st,
	}

	body := sse("search_result", `{"query":"q","snippet":"s"}`) +
		sse("final_report", `{"content":"# Resumed Report","conversation_id":"conv_resume1"}`) +
		sse("end", `{}`)
	fx := newFixture(t, &fakeDialer{bodies: []string{body}}, 3)

	// The conversation already exists locally from the interrupted run.
	seed, err := fx.store.Create(ctx, "weekly report")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.store.Rekey(ctx, seed.ID, "conv_resume1"); err != nil {
		t.Fatal(err)
	}

	if err := fx.controller.ResumeStream(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if err := fx.controller.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	got := fx.controller.State()
	if got.Stage != workflow.StageCompleted {
		t.Errorf("expected completed, got %s", got.Stage)
	}
	// Pre-interruption progress is kept alongside resumed events.
	if len(got.PlanSteps) != 2 || len(got.SearchLog) != 1 {
		t.Errorf("resumed state lost progress: %+v", got)
	}

	conv, err := fx.store.Get(ctx, "conv_resume1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.CurrentReport != "# Resumed Report" {
		t.Errorf("resumed report not committed: %q", conv.CurrentReport)
	}
}

func TestResumeStreamRejectsStaleSnapshot(t *testing.T) {
	fx := newFixture(t, &fakeDialer{bodies: []string{""}}, 3)
	if err := fx.controller.ResumeStream(context.Background(), &snapshot.Snapshot{Query: "q"}); err == nil {
		t.Error("non-processing snapshot must not resume")
	}
}

func TestGenerateRejectsInvalidQuery(t *testing.T) {
	fx := newFixture(t, &fakeDialer{bodies: []string{""}}, 3)
	if err := fx.controller.Generate(context.Background(), "   ", "", ""); err == nil {
		t.Error("expected validation error")
	}
	if err := fx.controller.Generate(context.Background(), strings.Repeat("x", 501), "", ""); err == nil {
		t.Error("expected length validation error")
	}
}
