// Package orchestrator drives one engine run through its lifecycle
// (spec.md §4.3): INIT -> RUNNING -> STREAMING -> {FINAL|CANCELLED|FAILED}
// -> DONE. Grounded on _examples/original_source/src/takopi/telegram/bridge.py's
// _run_engine/handle_message call chain, translated from anyio task groups
// and cancel scopes to a goroutine reading the engine's event channel under
// context cancellation, with golang.org/x/time/rate bounding edit frequency
// the way the teacher bounds API calls elsewhere in its channel adapters.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/p0s/takopi/internal/engine"
	"github.com/p0s/takopi/internal/model"
	"github.com/p0s/takopi/internal/progress"
	"github.com/p0s/takopi/internal/runlog"
	"github.com/p0s/takopi/internal/tracing"
)

// State is the run's lifecycle stage.
type State int

const (
	StateInit State = iota
	StateRunning
	StateStreaming
	StateFinal
	StateCancelled
	StateFailed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStreaming:
		return "streaming"
	case StateFinal:
		return "final"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Sink is the minimal transport surface the orchestrator needs to render a
// run: send the first progress frame, edit it as the run streams, and
// leave it in place at the end. It is satisfied by a transport's message
// sender without importing the transport package here.
type Sink interface {
	Send(ctx context.Context, chatID int64, threadID int, text string, markup *model.ReplyMarkup) (model.MessageRef, error)
	Edit(ctx context.Context, ref model.MessageRef, text string, markup *model.ReplyMarkup) error
}

// Request is the input to one run.
type Request struct {
	ChatID   int64
	ThreadID int
	Prompt   string
	Resume   *model.ResumeToken
	Cwd      string
}

// RunningTask tracks one in-flight run so commands like /stop can act on
// it. ResumeReady and Done are each closed exactly once: ResumeReady the
// moment the engine's Started event names a resume token (letting a
// concurrent message on the same thread know which session it would
// resume), Done when the run reaches a terminal state.
type RunningTask struct {
	Thread      string
	MessageRef  model.MessageRef
	Sent        chan struct{} // closed once MessageRef is populated
	ResumeReady chan struct{}
	Done        chan struct{}
	cancel      context.CancelFunc

	mu     sync.Mutex
	state  State
	resume *model.ResumeToken
}

// State returns the run's current lifecycle stage. Safe for concurrent use.
func (t *RunningTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *RunningTask) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Resume returns the resume token the run has minted so far, if any.
func (t *RunningTask) Resume() *model.ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resume
}

// Cancel requests termination of the run. Safe to call multiple times.
func (t *RunningTask) Cancel() {
	t.cancel()
}

// Orchestrator runs engine sessions and renders their progress to a Sink.
type Orchestrator struct {
	sink        Sink
	formatter   progress.Formatter
	editLimiter func() *rate.Limiter
	maxActions  int
	finalNotify bool
}

// New builds an Orchestrator. editsPerSecond bounds how often a run's
// progress message is edited; editsPerSecond <= 0 defaults to 1 edit/sec,
// matching Telegram's per-chat edit rate limit. When finalNotify is set,
// the terminal frame is sent as a new message instead of editing the
// progress message in place, so chat clients actually raise a
// notification for it (spec.md §4.3's Final step).
func New(sink Sink, formatter progress.Formatter, editsPerSecond float64, maxActions int, finalNotify bool) *Orchestrator {
	if editsPerSecond <= 0 {
		editsPerSecond = 1
	}
	return &Orchestrator{
		sink:      sink,
		formatter: formatter,
		editLimiter: func() *rate.Limiter {
			return rate.NewLimiter(rate.Limit(editsPerSecond), 1)
		},
		maxActions:  maxActions,
		finalNotify: finalNotify,
	}
}

// Run drives one RunningTask to completion. runner and req describe the
// engine invocation; onThreadKnown, if non-nil, is invoked once, as soon as
// the run's resume token is known and before the run finishes (spec.md's
// note_thread_known hook). A follow-up job queued on the same scheduler
// thread still starts only after this run's job returns.
func (o *Orchestrator) Run(ctx context.Context, thread string, runner engine.Runner, req Request, onThreadKnown func(model.ResumeToken)) *RunningTask {
	runCtx, cancel := context.WithCancel(ctx)
	task := &RunningTask{
		Thread:      thread,
		state:       StateInit,
		Sent:        make(chan struct{}),
		ResumeReady: make(chan struct{}),
		Done:        make(chan struct{}),
		cancel:      cancel,
	}

	go o.drive(runCtx, task, runner, req, onThreadKnown)
	return task
}

func (o *Orchestrator) drive(ctx context.Context, task *RunningTask, runner engine.Runner, req Request, onThreadKnown func(model.ResumeToken)) {
	log := runlog.FromContext(ctx)
	defer o.finish(task)

	ctx, span := tracing.StartRun(ctx, req.ChatID, req.ThreadID, string(runner.Engine()))
	finalStatus := "failed"
	defer func() { tracing.EndRun(span, finalStatus) }()

	task.setState(StateRunning)
	handle, err := runner.Run(ctx, req.Prompt, req.Resume, req.Cwd)
	if err != nil {
		o.fail(ctx, task, fmt.Errorf("starting run: %w", err))
		return
	}

	state := progress.NewState(o.maxActions)
	state.EngineLabel = string(runner.Engine())
	limiter := o.editLimiter()
	started := time.Now()

	ref, sendErr := o.sink.Send(ctx, req.ChatID, req.ThreadID, o.formatter.RenderProgress(state, 0, "starting"), model.CancelMarkup())
	if sendErr != nil {
		log.Error("orchestrator.send_failed", "error", sendErr)
		handle.Terminate()
		return
	}
	task.MessageRef = ref
	close(task.Sent)

	resumeClosed := false
	closeResumeReady := func(tok model.ResumeToken) {
		if resumeClosed {
			return
		}
		resumeClosed = true
		task.mu.Lock()
		t := tok
		task.resume = &t
		task.mu.Unlock()
		close(task.ResumeReady)
		if onThreadKnown != nil {
			onThreadKnown(tok)
		}
	}

	var finalErr error
	for {
		select {
		case <-ctx.Done():
			handle.Terminate()
			task.setState(StateCancelled)
			finalStatus = "cancelled"
			o.renderFinal(context.WithoutCancel(ctx), task, req, state, started, "", "cancelled")
			if !resumeClosed {
				close(task.ResumeReady)
			}
			_ = handle.Wait()
			return

		case ev, ok := <-handle.Events():
			if !ok {
				finalErr = handle.Wait()
				if finalErr != nil {
					o.fail(ctx, task, finalErr)
					if !resumeClosed {
						close(task.ResumeReady)
					}
					return
				}
				task.setState(StateFinal)
				finalStatus = "done"
				o.renderFinal(ctx, task, req, state, started, "", "done")
				if !resumeClosed {
					close(task.ResumeReady)
				}
				return
			}

			switch {
			case ev.Started != nil:
				task.setState(StateStreaming)
				state.NoteStarted(*ev.Started)
				if ev.Started.Resume != nil {
					closeResumeReady(*ev.Started.Resume)
				}
				o.renderProgress(ctx, task, state, started, limiter, true)

			case ev.Action != nil:
				state.NoteAction(*ev.Action)
				o.renderProgress(ctx, task, state, started, limiter, false)

			case ev.TurnEnd != nil:
				task.setState(StateFinal)
				finalStatus = ev.TurnEnd.Status
				o.renderFinal(ctx, task, req, state, started, ev.TurnEnd.Answer, ev.TurnEnd.Status)
				if !resumeClosed {
					close(task.ResumeReady)
				}
				_ = handle.Wait()
				return

			case ev.Unknown != nil:
				log.Debug("orchestrator.unknown_event", "raw", ev.Unknown.Raw)
			}
		}
	}
}

// renderProgress edits the run's message with the latest ProgressState,
// subject to the edit-rate limiter. force bypasses the limiter for events
// that must always be visible (e.g. the Started frame).
func (o *Orchestrator) renderProgress(ctx context.Context, task *RunningTask, state *progress.State, started time.Time, limiter *rate.Limiter, force bool) {
	if !force && !limiter.Allow() {
		return
	}
	text := o.formatter.RenderProgress(state, time.Since(started), "running")
	if err := o.sink.Edit(ctx, task.MessageRef, text, model.CancelMarkup()); err != nil {
		runlog.FromContext(ctx).Warn("orchestrator.edit_failed", "error", err)
	}
}

// renderFinal renders the run's terminal frame and clears the cancel button
// (spec.md §4.3's Final step, §7's "reply markup cleared" on cancellation).
// When finalNotify is set it sends the frame as a new reply rather than
// editing the progress message in place, so chat clients that suppress edit
// notifications still surface it.
func (o *Orchestrator) renderFinal(ctx context.Context, task *RunningTask, req Request, state *progress.State, started time.Time, answer, status string) {
	text := o.formatter.RenderFinal(state, time.Since(started), answer, status)
	if o.finalNotify {
		if _, err := o.sink.Send(ctx, req.ChatID, req.ThreadID, text, nil); err != nil {
			runlog.FromContext(ctx).Warn("orchestrator.final_notify_failed", "error", err)
		}
		return
	}
	if err := o.sink.Edit(ctx, task.MessageRef, text, nil); err != nil {
		runlog.FromContext(ctx).Warn("orchestrator.final_edit_failed", "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, task *RunningTask, err error) {
	task.setState(StateFailed)
	runlog.FromContext(ctx).Error("orchestrator.run_failed", "error", err)
	if task.MessageRef != (model.MessageRef{}) {
		text := fmt.Sprintf("error:\n%s", err)
		if editErr := o.sink.Edit(ctx, task.MessageRef, text, nil); editErr != nil {
			runlog.FromContext(ctx).Warn("orchestrator.fail_edit_failed", "error", editErr)
		}
	}
}

func (o *Orchestrator) finish(task *RunningTask) {
	task.setState(StateDone)
	close(task.Done)
}
