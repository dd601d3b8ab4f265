package mainloop

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p0s/takopi/internal/commands"
	"github.com/p0s/takopi/internal/engine"
	"github.com/p0s/takopi/internal/model"
	"github.com/p0s/takopi/internal/orchestrator"
	"github.com/p0s/takopi/internal/progress"
	"github.com/p0s/takopi/internal/resolver"
	"github.com/p0s/takopi/internal/scheduler"
	"github.com/p0s/takopi/internal/topicstore"
	"github.com/p0s/takopi/internal/transport"
)

func TestExtractCommand(t *testing.T) {
	cmd, args, ok := extractCommand("/codex@takopi_bot do the thing")
	require.True(t, ok)
	assert.Equal(t, "codex", cmd)
	assert.Equal(t, "do the thing", args)

	_, _, ok = extractCommand("not a command")
	assert.False(t, ok)

	cmd, args, ok = extractCommand("/status")
	require.True(t, ok)
	assert.Equal(t, "status", cmd)
	assert.Equal(t, "", args)
}

// fakeTransport is an in-memory transport.Transport for exercising the loop
// without a real chat platform.
type fakeTransport struct {
	mu      sync.Mutex
	updates chan model.IncomingUpdate
	sent    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{updates: make(chan model.IncomingUpdate, 16)}
}

func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }
func (f *fakeTransport) Updates() <-chan model.IncomingUpdate { return f.updates }

func (f *fakeTransport) Send(_ context.Context, _ int64, _ int, text string, _ *model.ReplyMarkup) (model.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return model.MessageRef{ChannelID: 1, MessageID: len(f.sent)}, nil
}

func (f *fakeTransport) Edit(context.Context, model.MessageRef, string, *model.ReplyMarkup) error { return nil }
func (f *fakeTransport) Delete(context.Context, model.MessageRef) error         { return nil }
func (f *fakeTransport) SyncMenu(context.Context, []transport.MenuCommand) error { return nil }

func (f *fakeTransport) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

// fakeForumTransport adds transport.ForumTopicManager to fakeTransport so
// /topic's create/rename paths can be exercised without a real bot.
type fakeForumTransport struct {
	fakeTransport
	nextThreadID int
	renamed      map[int]string
}

func newFakeForumTransport() *fakeForumTransport {
	return &fakeForumTransport{
		fakeTransport: fakeTransport{updates: make(chan model.IncomingUpdate, 16)},
		nextThreadID:  100,
		renamed:       make(map[int]string),
	}
}

func (f *fakeForumTransport) CreateForumTopic(_ context.Context, _ int64, _ string) (int, error) {
	f.nextThreadID++
	return f.nextThreadID, nil
}

func (f *fakeForumTransport) EditForumTopic(_ context.Context, _ int64, threadID int, name string) error {
	f.renamed[threadID] = name
	return nil
}

// fakeHandle/fakeRunner mirror the orchestrator package's own test fakes,
// kept minimal here since only the happy path needs exercising.
type fakeHandle struct {
	events chan engine.EngineEvent
}

func (h *fakeHandle) Events() <-chan engine.EngineEvent { return h.events }
func (h *fakeHandle) Terminate()                        {}
func (h *fakeHandle) Wait() error                       { return nil }

type fakeRunner struct {
	id model.EngineID
}

func (r *fakeRunner) Engine() model.EngineID { return r.id }
func (r *fakeRunner) Run(context.Context, string, *model.ResumeToken, string) (engine.RunHandle, error) {
	events := make(chan engine.EngineEvent, 4)
	events <- engine.EngineEvent{Started: &engine.StartedEvent{Engine: r.id}}
	events <- engine.EngineEvent{TurnEnd: &engine.TurnEndEvent{Answer: "done", Status: "done"}}
	close(events)
	return &fakeHandle{events: events}, nil
}
func (r *fakeRunner) FormatResume(model.ResumeToken) string { return "" }
func (r *fakeRunner) IsResumeLine(string) bool              { return false }
func (r *fakeRunner) Available() (bool, string)             { return true, "" }

func newTestLoop(t *testing.T) (*Loop, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	store, err := topicstore.Open(filepath.Join(t.TempDir(), "topics.json"))
	require.NoError(t, err)

	engines := engine.NewRegistry("codex", &fakeRunner{id: "codex"})
	res := resolver.New(resolver.Config{
		EngineIDs:     []model.EngineID{"codex"},
		DefaultEngine: "codex",
	})
	sched := scheduler.New(context.Background(), 8)
	orch := orchestrator.New(ft, progress.Formatter{}, 1000, 5, false)
	reg := commands.NewRegistry([]string{"codex"}, nil)

	l := New(Deps{
		Transport: ft,
		Resolver:  res,
		Engines:   engines,
		Scheduler: sched,
		Store:     store,
		Commands:  reg,
		Orch:      orch,
		Projects:  map[string]string{},
	})
	return l, ft
}

func TestDispatchText_RunsEngineAndRepliesDone(t *testing.T) {
	l, ft := newTestLoop(t)
	key := topicstore.Key{ChatID: 1}

	l.dispatchText(context.Background(), key, "hello there", &model.IncomingMessage{ChatID: 1})

	require.Eventually(t, func() bool {
		return ft.lastSent() != ""
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchText_StatusReportsNoRunInitially(t *testing.T) {
	l, ft := newTestLoop(t)
	key := topicstore.Key{ChatID: 1}

	l.dispatchText(context.Background(), key, "/status", nil)
	assert.Contains(t, ft.lastSent(), "no run in progress")
}

func TestDispatchText_NewClearsSessionsAndReplies(t *testing.T) {
	l, ft := newTestLoop(t)
	key := topicstore.Key{ChatID: 1}

	l.dispatchText(context.Background(), key, "/new", nil)
	assert.Contains(t, ft.lastSent(), "session cleared")
}

func TestCancelThread_NoOpWhenNothingRunning(t *testing.T) {
	l, _ := newTestLoop(t)
	l.cancelThread(topicstore.Key{ChatID: 1})
}

func TestHandleCallback_CancelDataCancelsTrackedTask(t *testing.T) {
	l, _ := newTestLoop(t)
	key := topicstore.Key{ChatID: 1}

	task := l.orch.Run(context.Background(), key.String(), &fakeRunner{id: "codex"}, orchestrator.Request{ChatID: 1, Prompt: "hi"}, nil)
	<-task.Sent
	l.trackRunning(key, task)

	require.Eventually(t, func() bool {
		l.mu.Lock()
		_, ok := l.runningByRef[task.MessageRef]
		l.mu.Unlock()
		return ok
	}, time.Second, 5*time.Millisecond)

	l.handleCallback(context.Background(), &model.CallbackQuery{
		ChatID:    task.MessageRef.ChannelID,
		MessageID: task.MessageRef.MessageID,
		Data:      model.CancelCallbackData,
	})

	select {
	case <-task.Done:
	case <-time.After(time.Second):
		t.Fatal("cancel callback never cancelled the task")
	}
}

func newTopicTestLoop(t *testing.T, ft *fakeTransport) (*Loop, *fakeTransport) {
	t.Helper()
	store, err := topicstore.Open(filepath.Join(t.TempDir(), "topics.json"))
	require.NoError(t, err)

	engines := engine.NewRegistry("codex", &fakeRunner{id: "codex"})
	res := resolver.New(resolver.Config{
		EngineIDs:     []model.EngineID{"codex"},
		DefaultEngine: "codex",
		Projects:      []resolver.ProjectInfo{{Alias: "demo"}},
	})
	sched := scheduler.New(context.Background(), 8)
	orch := orchestrator.New(ft, progress.Formatter{}, 1000, 5, false)
	reg := commands.NewRegistry([]string{"codex"}, []string{"demo"})

	l := New(Deps{
		Transport:    ft,
		Resolver:     res,
		Engines:      engines,
		Scheduler:    sched,
		Store:        store,
		Commands:     reg,
		Orch:         orch,
		Projects:     map[string]string{"demo": "/repo/demo"},
		TopicChatIDs: []int64{1},
	})
	return l, ft
}

func TestDispatchText_CtxBindsCurrentThread(t *testing.T) {
	ft := newFakeTransport()
	l, _ := newTopicTestLoop(t, ft)
	key := topicstore.Key{ChatID: 1, ThreadID: 5}

	l.dispatchText(context.Background(), key, "/ctx demo @main", nil)

	assert.Contains(t, ft.lastSent(), "bound this thread")
	snap := l.store.GetThread(key)
	require.NotNil(t, snap)
	require.NotNil(t, snap.Context)
	assert.Equal(t, "demo", snap.Context.Project)
	assert.Equal(t, "main", snap.Context.Branch)
}

func TestDispatchText_CtxRejectedOutsideTopicScope(t *testing.T) {
	l, ft := newTestLoop(t)
	key := topicstore.Key{ChatID: 1, ThreadID: 5}

	l.dispatchText(context.Background(), key, "/ctx demo", nil)

	assert.Contains(t, ft.lastSent(), "not enabled")
}

func TestDispatchText_TopicCreatesForumTopicFromMainThread(t *testing.T) {
	ft := newFakeForumTransport()
	l, _ := newTopicTestLoop(t, &ft.fakeTransport)
	l.transport = ft
	key := topicstore.Key{ChatID: 1}

	l.dispatchText(context.Background(), key, "/topic demo", nil)

	assert.Contains(t, ft.lastSent(), "topic bound")
	existing, found := l.store.FindThreadForContext(1, &model.RunContext{Project: "demo"})
	require.True(t, found)
	assert.NotEqual(t, 0, existing.ThreadID)
}

func TestRunResolved_DefaultProjectGuardRejectsUnboundTopic(t *testing.T) {
	ft := newFakeTransport()
	l, _ := newTopicTestLoop(t, ft)
	key := topicstore.Key{ChatID: 1, ThreadID: 9}

	l.dispatchText(context.Background(), key, "hello there", &model.IncomingMessage{ChatID: 1})

	assert.Contains(t, ft.lastSent(), "no project bound to this topic")
}

func TestRunResolved_DefaultProjectGuardAllowsExplicitDirective(t *testing.T) {
	ft := newFakeTransport()
	l, _ := newTopicTestLoop(t, ft)
	key := topicstore.Key{ChatID: 1, ThreadID: 9}

	l.dispatchText(context.Background(), key, "/demo fix the bug", &model.IncomingMessage{ChatID: 1})

	require.Eventually(t, func() bool {
		return ft.lastSent() != ""
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, ft.lastSent(), "no project bound")
}
