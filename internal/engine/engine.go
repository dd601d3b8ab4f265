// Package engine defines the collaborator interfaces for coding-agent
// engine subprocesses (spec.md §4.3, §6). Translating an engine-native
// JSON event into a Takopi EngineEvent is delegated to a per-engine
// translator; this package only defines the shapes both sides agree on.
package engine

import (
	"context"

	"github.com/p0s/takopi/internal/model"
)

// EngineEvent is the tagged union an engine translator produces from a
// line-delimited JSON stream. Exactly one field is non-nil per event.
type EngineEvent struct {
	Started *StartedEvent
	Action  *ActionEvent
	TurnEnd *TurnEndEvent
	Unknown *UnknownEvent
}

// StartedEvent announces the engine has begun a run, optionally minting a
// resume token that identifies the session for future follow-ups.
type StartedEvent struct {
	Engine model.EngineID
	Title  string
	Resume *model.ResumeToken
}

// ActionEvent reports a single progress-log entry's lifecycle transition.
type ActionEvent struct {
	Action model.Action
	Phase  model.ActionPhase
	OK     *bool
}

// TurnEndEvent sentinel marks the end of one engine turn; the orchestrator
// renders the final frame in response.
type TurnEndEvent struct {
	Answer string
	Status string // "done" | "error"
}

// UnknownEvent is a line that failed to parse against the engine's schema.
// It is logged and discarded, never surfaced to the user.
type UnknownEvent struct {
	Raw string
}

// RunHandle is the live handle to one spawned engine subprocess invocation.
type RunHandle interface {
	// Events returns the channel of translated events. Closed when the
	// engine process exits (normally, on error, or after Terminate).
	Events() <-chan EngineEvent
	// Terminate sends the engine its termination signal (e.g. SIGTERM to
	// the child process). Safe to call multiple times.
	Terminate()
	// Wait blocks until the engine process has fully exited and returns
	// its terminal error, if any.
	Wait() error
}

// Runner is the collaborator interface consumed by the run orchestrator
// (spec.md §4.3). Translating engine-native JSON into EngineEvent is the
// runner's responsibility; the orchestrator only sees the tagged union.
type Runner interface {
	// Engine returns this runner's engine id.
	Engine() model.EngineID
	// Run spawns the engine with the given prompt, optional resume token,
	// and working directory, and returns a live handle to its event stream.
	Run(ctx context.Context, prompt string, resume *model.ResumeToken, cwd string) (RunHandle, error)
	// FormatResume renders a resume token as the canonical "resume: <value>"
	// line the engine's translator recognizes on replay.
	FormatResume(token model.ResumeToken) string
	// IsResumeLine reports whether a line of text matches this engine's
	// resume-line format, used by the resolver to detect resume tokens in
	// reply text or prompts (spec.md §4.1 step 3).
	IsResumeLine(line string) bool
	// Available reports whether the engine's executable/credentials are
	// present and usable right now. A false result carries a human reason.
	Available() (ok bool, reason string)
}

// Registry resolves engine ids to Runners. It keeps no record of which
// engine minted which resume token: IsResumeLine attributes a resume line
// to whichever configured engine's format matches it (see IsResumeLine).
type Registry struct {
	runners       map[model.EngineID]Runner
	defaultEngine model.EngineID
}

// NewRegistry builds a Registry over the given runners, keyed by their own
// Engine() id. defaultEngine must be present among runners.
func NewRegistry(defaultEngine model.EngineID, runners ...Runner) *Registry {
	r := &Registry{
		runners:       make(map[model.EngineID]Runner, len(runners)),
		defaultEngine: defaultEngine,
	}
	for _, rr := range runners {
		r.runners[rr.Engine()] = rr
	}
	return r
}

// DefaultEngine returns the router's fallback engine id.
func (r *Registry) DefaultEngine() model.EngineID { return r.defaultEngine }

// EngineIDs returns every configured engine id, in no particular order.
func (r *Registry) EngineIDs() []model.EngineID {
	ids := make([]model.EngineID, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	return ids
}

// Lookup returns the Runner for id, or false if unconfigured.
func (r *Registry) Lookup(id model.EngineID) (Runner, bool) {
	rr, ok := r.runners[id]
	return rr, ok
}

// IsResumeLine checks a line against the configured engines' resume
// formats, in no particular order, and returns the first engine that
// matches. When several engines share a resume format, which of them is
// returned is not defined.
func (r *Registry) IsResumeLine(line string) (model.EngineID, bool) {
	for id, rr := range r.runners {
		if rr.IsResumeLine(line) {
			return id, true
		}
	}
	return "", false
}
