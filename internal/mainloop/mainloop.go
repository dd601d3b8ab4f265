// Package mainloop wires the transport's update stream through the
// resolver, scheduler, and orchestrator (spec.md §4.6): the dispatch
// order for control commands, media groups, engine/project overrides, and
// plugin commands all live here. Grounded on
// _examples/original_source/src/takopi/telegram/bridge.py's
// TelegramBridge.handle_update dispatch chain.
package mainloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/p0s/takopi/internal/commands"
	"github.com/p0s/takopi/internal/engine"
	"github.com/p0s/takopi/internal/mediagroup"
	"github.com/p0s/takopi/internal/model"
	"github.com/p0s/takopi/internal/orchestrator"
	"github.com/p0s/takopi/internal/resolver"
	"github.com/p0s/takopi/internal/scheduler"
	"github.com/p0s/takopi/internal/topicstore"
	"github.com/p0s/takopi/internal/transport"
)

// Deps bundles every collaborator the loop drives.
type Deps struct {
	Transport transport.Transport
	Resolver  *resolver.TransportRuntime
	Engines   *engine.Registry
	Scheduler *scheduler.Scheduler
	Store     *topicstore.Store
	Commands  *commands.Registry
	Orch      *orchestrator.Orchestrator
	// Projects maps a project alias to its working directory.
	Projects map[string]string
	// TopicChatIDs lists the chats where topics are enabled (config's
	// telegram.forum_chat_ids): /ctx and /topic are rejected outside this set, and the
	// default-project guard only fires inside it.
	TopicChatIDs []int64
}

// Loop is the running main loop: one per process.
type Loop struct {
	transport    transport.Transport
	resolver     *resolver.TransportRuntime
	engines      *engine.Registry
	sched        *scheduler.Scheduler
	store        *topicstore.Store
	cmds         *commands.Registry
	orch         *orchestrator.Orchestrator
	projects     map[string]string
	media        *mediagroup.Coalescer
	topicChatIDs map[int64]bool

	mu sync.Mutex
	// runningByKey tracks a thread's current run immediately, for the
	// thread-scoped /cancel, /stop, /stopall, and /status commands.
	runningByKey map[topicstore.Key]*orchestrator.RunningTask
	// runningByRef tracks the same runs keyed by their progress message ref,
	// populated once the run's first send completes, for the inline cancel
	// button's callback_query (spec.md §3's RunningTasks keying, §4.6 item 1).
	runningByRef map[model.MessageRef]*orchestrator.RunningTask
}

// New builds a Loop. The media-group coalescer is wired here so its
// debounced flush callback can route back into the loop's own dispatch.
func New(deps Deps) *Loop {
	topicChatIDs := make(map[int64]bool, len(deps.TopicChatIDs))
	for _, id := range deps.TopicChatIDs {
		topicChatIDs[id] = true
	}
	l := &Loop{
		transport:    deps.Transport,
		resolver:     deps.Resolver,
		engines:      deps.Engines,
		sched:        deps.Scheduler,
		store:        deps.Store,
		cmds:         deps.Commands,
		orch:         deps.Orch,
		projects:     deps.Projects,
		topicChatIDs: topicChatIDs,
		runningByKey: make(map[topicstore.Key]*orchestrator.RunningTask),
		runningByRef: make(map[model.MessageRef]*orchestrator.RunningTask),
	}
	l.media = mediagroup.New(mediagroup.DefaultQuietPeriod, l.flushMediaGroup)
	return l
}

// Run consumes the transport's update stream until it closes or ctx is
// cancelled. Each update is dispatched on its own goroutine; per-thread
// ordering is enforced downstream by the scheduler, not here, so a slow
// control command on one thread never blocks delivery to another.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-l.transport.Updates():
			if !ok {
				return nil
			}
			go l.handleUpdate(ctx, upd)
		}
	}
}

func (l *Loop) handleUpdate(ctx context.Context, upd model.IncomingUpdate) {
	switch {
	case upd.Callback != nil:
		l.handleCallback(ctx, upd.Callback)
	case upd.Message != nil:
		l.handleMessage(ctx, upd.Message)
	}
}

// handleCallback implements dispatch order item 1 (spec.md §4.6): the
// inline cancel button posts takopi:cancel, and the RunningTask it targets
// is the one keyed by the pressed message's own ref, not by thread.
func (l *Loop) handleCallback(ctx context.Context, cq *model.CallbackQuery) {
	switch cq.Data {
	case model.CancelCallbackData:
		l.cancelByRef(model.MessageRef{ChannelID: cq.ChatID, MessageID: cq.MessageID})
	default:
		slog.Debug("mainloop: unhandled callback", "data", cq.Data)
	}
}

type mediaItem struct {
	key topicstore.Key
	msg *model.IncomingMessage
}

func (l *Loop) handleMessage(ctx context.Context, msg *model.IncomingMessage) {
	threadID := 0
	if msg.ThreadID != nil {
		threadID = *msg.ThreadID
	}
	key := topicstore.Key{ChatID: msg.ChatID, ThreadID: threadID}

	if msg.MediaGroupID != "" {
		l.media.Add(mediagroup.Key{ChatID: msg.ChatID, MediaGroupID: msg.MediaGroupID}, mediagroup.Item{
			Payload: mediaItem{key: key, msg: msg},
		})
		return
	}

	l.dispatchText(ctx, key, msg.Text, msg)
}

// flushMediaGroup runs on the coalescer's own timer goroutine; it merges
// the batch's captions into one prompt and dispatches it as a single
// message the way the rest of an album's photos carry no text of their own.
func (l *Loop) flushMediaGroup(_ mediagroup.Key, items []mediagroup.Item) {
	if len(items) == 0 {
		return
	}
	var texts []string
	var last mediaItem
	for _, it := range items {
		mi, ok := it.Payload.(mediaItem)
		if !ok {
			continue
		}
		last = mi
		if mi.msg.Text != "" {
			texts = append(texts, mi.msg.Text)
		}
	}
	l.dispatchText(context.Background(), last.key, strings.Join(texts, "\n"), last.msg)
}

// extractCommand splits a leading "/command args" form off text, stripping
// an "@botname" mention suffix on the command token. Text that does not
// start with "/" (e.g. a leading "@branch" directive) is handled downstream
// by the resolver, not here.
func extractCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.SplitN(text[1:], " ", 2)
	token := fields[0]
	if at := strings.IndexByte(token, '@'); at >= 0 {
		token = token[:at]
	}
	if token == "" {
		return "", "", false
	}
	rest := ""
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}
	return strings.ToLower(token), rest, true
}

func (l *Loop) dispatchText(ctx context.Context, key topicstore.Key, text string, msg *model.IncomingMessage) {
	if cmd, args, ok := extractCommand(text); ok {
		switch cmd {
		case "cancel", "stop":
			l.cancelThread(key)
			return
		case "stopall":
			l.cancelAll()
			return
		case "new":
			if err := l.store.ClearSessions(key); err != nil {
				slog.Warn("mainloop: clearing sessions failed", "error", err)
			}
			l.replyText(ctx, key, "session cleared; next message starts a fresh run")
			return
		case "ctx":
			l.handleCtxOrTopic(ctx, key, args, false)
			return
		case "topic":
			l.handleCtxOrTopic(ctx, key, args, true)
			return
		case "status":
			l.replyStatus(ctx, key)
			return
		case "file":
			l.replyText(ctx, key, "attach files directly in the chat; standalone file uploads aren't wired on this transport")
			return
		}

		if _, ok := l.engines.Lookup(model.EngineID(cmd)); ok {
			eng := model.EngineID(cmd)
			l.runResolved(ctx, key, model.ResolvedMessage{
				Prompt:         args,
				EngineOverride: &eng,
			})
			return
		}
		if _, ok := l.projects[cmd]; ok {
			rc := &model.RunContext{Project: cmd}
			l.runResolved(ctx, key, model.ResolvedMessage{
				Prompt:  args,
				Context: rc,
			})
			return
		}
		if err := l.cmds.Dispatch(ctx, l.executorFor(key), cmd, args); err != nil {
			l.replyText(ctx, key, err.Error())
		}
		return
	}

	quoted := ""
	if msg != nil {
		quoted = msg.ReplyToText
	}
	ambient := l.ambientContext(key)
	resolved := l.resolver.ResolveMessage(text, quoted, ambient, key.ChatID)
	l.runResolved(ctx, key, resolved)
}

func (l *Loop) ambientContext(key topicstore.Key) *model.RunContext {
	snap := l.store.GetThread(key)
	if snap == nil {
		return nil
	}
	return snap.Context
}

// topicAllowed reports whether chatID is one of Deps.TopicChatIDs: /ctx and
// /topic are rejected outside it, and it gates the default-project guard
// in runResolved (spec.md §3's "a topic is allowed iff topics.enabled and
// chat_id in topics.scope").
func (l *Loop) topicAllowed(chatID int64) bool {
	return l.topicChatIDs[chatID]
}

// handleCtxOrTopic implements /ctx and /topic (spec.md §4.6 item 6). Both
// bind the current thread to a project/branch context; /topic additionally
// creates or renames a forum topic through the transport so the binding is
// visible in the chat's topic list. If another topic in the chat is already
// bound to the same context, /topic replies with a notice and neither
// creates a duplicate nor rebinds the current thread.
func (l *Loop) handleCtxOrTopic(ctx context.Context, key topicstore.Key, args string, rename bool) {
	if !l.topicAllowed(key.ChatID) {
		l.replyText(ctx, key, "topics are not enabled for this chat")
		return
	}
	rc := l.resolver.ParseContextArgs(args)
	if rc == nil {
		l.replyText(ctx, key, "usage: /ctx <project> [@branch]  or  /ctx @branch")
		return
	}
	title := l.resolver.FormatContextLine(rc)

	if !rename {
		if err := l.store.SetContext(key, rc, "", false); err != nil {
			slog.Warn("mainloop: binding context failed", "error", err)
		}
		l.replyText(ctx, key, fmt.Sprintf("bound this thread to %s", title))
		return
	}

	mgr, ok := l.transport.(transport.ForumTopicManager)
	if !ok {
		l.replyText(ctx, key, "this transport does not support forum topics")
		return
	}

	if existing, found := l.store.FindThreadForContext(key.ChatID, rc); found && existing != key {
		l.replyText(ctx, key, fmt.Sprintf("%s is already bound to another topic in this chat", title))
		return
	}

	target := key
	createdByBot := false
	if key.ThreadID == 0 {
		threadID, err := mgr.CreateForumTopic(ctx, key.ChatID, title)
		if err != nil {
			l.replyText(ctx, key, fmt.Sprintf("creating topic failed: %s", err))
			return
		}
		target = topicstore.Key{ChatID: key.ChatID, ThreadID: threadID}
		createdByBot = true
	} else if err := mgr.EditForumTopic(ctx, key.ChatID, key.ThreadID, title); err != nil {
		l.replyText(ctx, key, fmt.Sprintf("renaming topic failed: %s", err))
		return
	}

	if err := l.store.SetContext(target, rc, title, createdByBot); err != nil {
		slog.Warn("mainloop: binding topic context failed", "error", err)
	}
	l.replyText(ctx, target, fmt.Sprintf("topic bound to %s", title))
}

// runResolved schedules one engine run on the thread's lane, persisting
// the resulting resume token and the selected context so the next message
// on this thread continues the same session.
func (l *Loop) runResolved(ctx context.Context, key topicstore.Key, resolved model.ResolvedMessage) {
	engineID := l.resolver.ResolveEngine(resolved.EngineOverride, resolved.Context)
	runner, ok := l.engines.Lookup(engineID)
	if !ok {
		l.replyText(ctx, key, fmt.Sprintf("engine %q is not configured", engineID))
		return
	}

	// Default-project guard (spec.md §4.6): a topic-enabled chat's thread
	// with no binding of its own, and a message that didn't set one via
	// directives or reply context either, is rejected rather than silently
	// inheriting a chat-wide default. Commands that build a ResolvedMessage
	// directly (engine/project overrides, plugin commands) leave
	// ContextSource at its zero value and are exempt.
	if key.ThreadID != 0 && l.topicAllowed(key.ChatID) &&
		(resolved.ContextSource == model.ContextSourceNone || resolved.ContextSource == model.ContextSourceChatDefault) {
		l.replyText(ctx, key, "no project bound to this topic; use /topic <project> [@branch] or /ctx <project> [@branch] to bind one, or include a /project directive")
		return
	}

	cwd := ""
	if resolved.Context != nil && resolved.Context.Project != "" {
		cwd = l.projects[resolved.Context.Project]
	}
	if resolved.Context != nil {
		if err := l.store.SetContext(key, resolved.Context, "", false); err != nil {
			slog.Warn("mainloop: persisting topic context failed", "error", err)
		}
	}

	explicitResume := resolved.ResumeToken
	thread := scheduler.ThreadID(key.String())
	l.sched.EnqueueResume(scheduler.Job{
		Thread: thread,
		Run: func(jobCtx context.Context) {
			// Re-read the thread's latest session resume token at execution
			// time rather than at enqueue time: a job queued behind another
			// run on the same thread must pick up whatever resume token that
			// prior run just minted, not a stale snapshot from before it ran.
			resume := explicitResume
			if resume == nil {
				if snap := l.store.GetThread(key); snap != nil {
					if tok, ok := snap.Sessions[engineID]; ok {
						resume = &tok
					}
				}
			}
			req := orchestrator.Request{
				ChatID:   key.ChatID,
				ThreadID: key.ThreadID,
				Prompt:   resolved.Prompt,
				Resume:   resume,
				Cwd:      cwd,
			}
			task := l.orch.Run(jobCtx, string(thread), runner, req, func(tok model.ResumeToken) {
				l.sched.NoteThreadKnown(thread)
				if err := l.store.SetSessionResume(key, tok); err != nil {
					slog.Warn("mainloop: persisting session resume failed", "error", err)
				}
			})
			l.trackRunning(key, task)
			<-task.Done
			l.untrackRunning(key, task)
		},
	})
}

// trackRunning records task under its thread key immediately, and under
// its progress message ref once the ref becomes known (task.Sent), so the
// inline cancel button's callback can find it without polling.
func (l *Loop) trackRunning(key topicstore.Key, task *orchestrator.RunningTask) {
	l.mu.Lock()
	l.runningByKey[key] = task
	l.mu.Unlock()

	go func() {
		select {
		case <-task.Sent:
			l.mu.Lock()
			l.runningByRef[task.MessageRef] = task
			l.mu.Unlock()
		case <-task.Done:
		}
	}()
}

func (l *Loop) untrackRunning(key topicstore.Key, task *orchestrator.RunningTask) {
	l.mu.Lock()
	if l.runningByKey[key] == task {
		delete(l.runningByKey, key)
	}
	if task.MessageRef != (model.MessageRef{}) && l.runningByRef[task.MessageRef] == task {
		delete(l.runningByRef, task.MessageRef)
	}
	l.mu.Unlock()
}

func (l *Loop) cancelThread(key topicstore.Key) {
	l.mu.Lock()
	task := l.runningByKey[key]
	l.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

func (l *Loop) cancelByRef(ref model.MessageRef) {
	l.mu.Lock()
	task := l.runningByRef[ref]
	l.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

func (l *Loop) cancelAll() {
	l.mu.Lock()
	tasks := make([]*orchestrator.RunningTask, 0, len(l.runningByKey))
	for _, t := range l.runningByKey {
		tasks = append(tasks, t)
	}
	l.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

func (l *Loop) replyText(ctx context.Context, key topicstore.Key, text string) {
	if _, err := l.transport.Send(ctx, key.ChatID, key.ThreadID, text, nil); err != nil {
		slog.Warn("mainloop: reply failed", "error", err)
	}
}

// replyStatus reports the thread's own run plus the scheduler's queue depth
// behind it and whether that run's session resume token is ready yet
// (spec.md §4.2's enqueue_resume/note_thread_known handshake).
func (l *Loop) replyStatus(ctx context.Context, key topicstore.Key) {
	l.mu.Lock()
	task, running := l.runningByKey[key]
	total := len(l.runningByKey)
	l.mu.Unlock()

	thread := scheduler.ThreadID(key.String())
	pending := l.sched.Pending(thread)

	if !running {
		l.replyText(ctx, key, fmt.Sprintf("no run in progress on this thread (%d running across all threads)", total))
		return
	}

	resumeReady := false
	select {
	case <-task.ResumeReady:
		resumeReady = true
	default:
	}

	status := fmt.Sprintf("a run is in progress on this thread (%d running across all threads, %d queued behind it)", total, pending)
	if resumeReady {
		status += "; session resume is ready for follow-ups"
	}
	l.replyText(ctx, key, status)
}

// SyncMenu pushes the full command menu (engines, projects, plugins,
// file, cancel) to the transport.
func (l *Loop) SyncMenu(ctx context.Context) error {
	entries := l.cmds.BuildMenu()
	cmds := make([]transport.MenuCommand, len(entries))
	for i, e := range entries {
		cmds[i] = transport.MenuCommand{Command: e.Command, Description: e.Description}
	}
	return l.transport.SyncMenu(ctx, cmds)
}

type loopExecutor struct {
	l   *Loop
	key topicstore.Key
}

func (l *Loop) executorFor(key topicstore.Key) commands.Executor {
	return &loopExecutor{l: l, key: key}
}

func (e *loopExecutor) Send(ctx context.Context, text string) error {
	_, err := e.l.transport.Send(ctx, e.key.ChatID, e.key.ThreadID, text, nil)
	return err
}

// RunOne lets a plugin command start an engine run of its own. Capture
// mode would require the orchestrator to hand back the final answer
// instead of streaming it to the chat, which isn't wired yet; only emit
// mode is supported today.
func (e *loopExecutor) RunOne(ctx context.Context, req commands.Request, mode commands.RunMode) (commands.Result, error) {
	if mode == commands.ModeCapture {
		return commands.Result{}, fmt.Errorf("commands: capture mode is not wired to the orchestrator yet")
	}
	rc := req.Context
	if rc == nil {
		rc = e.l.ambientContext(e.key)
	}
	engineID := e.l.resolver.ResolveEngine(req.Engine, rc)
	e.l.runResolved(ctx, e.key, model.ResolvedMessage{
		Prompt:         req.Prompt,
		EngineOverride: req.Engine,
		Context:        rc,
	})
	return commands.Result{Engine: engineID}, nil
}
