// Package progress implements the Progress Tracker (spec.md §4.4) and the
// stateless presenter that turns a ProgressState snapshot into rendered
// text (spec.md §2 item 6). Grounded on
// _examples/original_source/src/takopi/render.py's ExecProgressRenderer.
package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/p0s/takopi/internal/engine"
	"github.com/p0s/takopi/internal/model"
)

// Status symbols (spec.md §4.4).
const (
	StatusRunning      = "▸"
	StatusUpdated      = "↻"
	StatusCompletedOK  = "✓"
	StatusCompletedBad = "✗"
)

const (
	headerSep        = " · "
	hardBreak        = "  \n"
	defaultMaxActions = 5
	maxCommandWidth  = 300
)

type actionEntry struct {
	id        string
	completed bool
	line      string
}

// State is the mutable ProgressState owned exclusively by the run
// orchestrator for one run (spec.md §3). It is not safe for concurrent use;
// the orchestrator serializes all access via its own event loop.
type State struct {
	EngineLabel  string
	SessionTitle string
	Resume       *model.ResumeToken

	maxActions int
	ring       []actionEntry
	started    map[string]int
	stepCount  int
}

// NewState creates an empty ProgressState with the given ring capacity
// (defaults to 5 when maxActions <= 0, matching the teacher's default).
func NewState(maxActions int) *State {
	if maxActions <= 0 {
		maxActions = defaultMaxActions
	}
	return &State{
		maxActions: maxActions,
		started:    make(map[string]int),
	}
}

// NoteStarted records a Started event's title/resume (spec.md §4.3 STREAMING).
func (s *State) NoteStarted(ev engine.StartedEvent) {
	s.EngineLabel = string(ev.Engine)
	s.SessionTitle = ev.Title
	s.Resume = ev.Resume
}

// NoteAction applies the progress-tracker update rule (spec.md §4.4) for a
// single ActionEvent, adding or updating its rendered line in the ring.
// Turn-kind actions are never added to the ring.
func (s *State) NoteAction(ev engine.ActionEvent) {
	if ev.Action.Kind == model.ActionTurn {
		return
	}
	id := ev.Action.ID
	if id == "" {
		return
	}
	completed := ev.Phase == model.PhaseCompleted

	startedCount := s.started[id]
	isUpdate := false
	if !completed {
		isUpdate = ev.Phase == model.PhaseUpdated || startedCount > 0
		if startedCount == 0 {
			s.stepCount++
			s.started[id] = 1
		} else if ev.Phase == model.PhaseStarted {
			s.started[id] = startedCount + 1
		}
	} else {
		count := s.started[id]
		if count <= 0 {
			s.stepCount++
		} else if count == 1 {
			delete(s.started, id)
		} else {
			s.started[id] = count - 1
		}
	}

	status := statusSymbol(ev.Action, completed, ev.OK)
	if isUpdate && !completed {
		status = StatusUpdated
	}
	title := formatActionTitle(ev.Action, maxCommandWidth)
	suffix := ""
	if completed {
		suffix = exitSuffix(ev.Action)
	}
	line := fmt.Sprintf("%s %s%s", status, title, suffix)

	s.appendOrUpdate(id, completed, line)
}

// appendOrUpdate implements the §4.4 update rule: look up action_id from
// the right; overwrite in place if found and not yet completed, else evict
// the oldest entry when full and append.
func (s *State) appendOrUpdate(id string, completed bool, line string) {
	for i := len(s.ring) - 1; i >= 0; i-- {
		if s.ring[i].id == id && !s.ring[i].completed {
			s.ring[i].line = line
			if completed {
				s.ring[i].completed = true
			}
			return
		}
	}
	if len(s.ring) >= s.maxActions {
		s.ring = s.ring[1:]
	}
	s.ring = append(s.ring, actionEntry{id: id, completed: completed, line: line})
}

// StepCount returns the number of distinct logical actions observed so far.
func (s *State) StepCount() int { return s.stepCount }

// Lines returns the currently-visible recent-action lines in ring order.
func (s *State) Lines() []string {
	out := make([]string, len(s.ring))
	for i, e := range s.ring {
		out[i] = e.line
	}
	return out
}

func statusSymbol(a model.Action, completed bool, ok *bool) string {
	if !completed {
		return StatusRunning
	}
	if ok != nil {
		if *ok {
			return StatusCompletedOK
		}
		return StatusCompletedBad
	}
	if code, isInt := exitCode(a); isInt && code != 0 {
		return StatusCompletedBad
	}
	return StatusCompletedOK
}

func exitCode(a model.Action) (int, bool) {
	if a.Detail == nil {
		return 0, false
	}
	raw, ok := a.Detail["exit_code"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func exitSuffix(a model.Action) string {
	if code, ok := exitCode(a); ok && code != 0 {
		return fmt.Sprintf(" (exit %d)", code)
	}
	return ""
}

// shorten truncates a string to at most width display columns (unicode
// aware via go-runewidth), appending an ellipsis when truncated. width <= 0
// disables truncation.
func shorten(text string, width int) string {
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}
	return runewidth.Truncate(text, width, "…")
}

var fileChangeVerb = map[string]string{
	"add":    "added",
	"delete": "deleted",
	"update": "updated",
}

func formatActionTitle(a model.Action, width int) string {
	title := a.Title
	switch a.Kind {
	case model.ActionCommand:
		return "`" + shorten(title, width) + "`"
	case model.ActionTool:
		return "tool: " + shorten(title, width)
	case model.ActionWebSearch:
		return "searched: " + shorten(title, width)
	case model.ActionFileChange:
		return formatFileChangeTitle(a, width)
	default:
		return shorten(title, width)
	}
}

const maxFileChangesInline = 3

func formatFileChangeTitle(a model.Action, width int) string {
	changesRaw, ok := a.Detail["changes"]
	if !ok {
		return "files: " + shorten(a.Title, width)
	}
	changes, ok := changesRaw.([]map[string]any)
	if !ok || len(changes) == 0 {
		return "files: " + shorten(a.Title, width)
	}
	var rendered []string
	for _, c := range changes {
		path, _ := c["path"].(string)
		if path == "" {
			continue
		}
		kind, _ := c["kind"].(string)
		verb, ok := fileChangeVerb[kind]
		if !ok {
			verb = "updated"
		}
		rendered = append(rendered, fmt.Sprintf("%s `%s`", verb, path))
	}
	if len(rendered) == 0 {
		return "files: " + shorten(a.Title, width)
	}
	if len(rendered) > maxFileChangesInline {
		remaining := len(rendered) - maxFileChangesInline
		rendered = append(rendered[:maxFileChangesInline], fmt.Sprintf("…(%d more)", remaining))
	}
	return "files: " + shorten(strings.Join(rendered, ", "), width)
}

// FormatElapsed renders a duration the way the teacher formats run headers.
func FormatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatHeader(elapsed time.Duration, step int, label string) string {
	parts := []string{label, FormatElapsed(elapsed)}
	if step > 0 {
		parts = append(parts, fmt.Sprintf("step %d", step))
	}
	return strings.Join(parts, headerSep)
}

// cancelledLabel is the label RenderFinal uses for a cancelled run; recovered
// from the original Python's _is_cancelled_label so a second cancel on an
// already-terminal message is recognized instead of re-rendered.
const cancelledLabel = "cancelled"

// IsCancelledLabel reports whether a previously rendered header already
// carries the terminal "cancelled" label, letting a repeated cancel request
// become a no-op rather than a duplicate terminal frame.
func IsCancelledLabel(renderedText string) bool {
	firstLine := renderedText
	if idx := strings.IndexByte(renderedText, '\n'); idx >= 0 {
		firstLine = renderedText[:idx]
	}
	return strings.Contains(firstLine, cancelledLabel)
}

// Formatter renders a ProgressState snapshot into message text. It is
// stateless: the same State always renders to the same text (spec.md §2
// item 6, "Presenter — stateless").
type Formatter struct {
	ResumeLine func(model.ResumeToken) string
	ShowTitle  bool
}

// RenderProgress renders an in-flight progress frame.
func (f Formatter) RenderProgress(s *State, elapsed time.Duration, label string) string {
	header := formatHeader(elapsed, s.StepCount(), f.labelWithTitle(s, label))
	body := assemble(header, s.Lines())
	return f.appendResume(s, body)
}

// RenderFinal renders a terminal frame (done/error/cancelled).
func (f Formatter) RenderFinal(s *State, elapsed time.Duration, answer, status string) string {
	header := formatHeader(elapsed, s.StepCount(), f.labelWithTitle(s, status))
	answer = strings.TrimSpace(answer)
	msg := header
	if answer != "" {
		msg += "\n\n" + answer
	}
	return f.appendResume(s, msg)
}

func (f Formatter) labelWithTitle(s *State, label string) string {
	if f.ShowTitle && s.SessionTitle != "" {
		return fmt.Sprintf("%s (%s)", label, s.SessionTitle)
	}
	return label
}

func (f Formatter) appendResume(s *State, msg string) string {
	if s.Resume == nil || f.ResumeLine == nil {
		return msg
	}
	return msg + "\n\n" + f.ResumeLine(*s.Resume)
}

func assemble(header string, lines []string) string {
	if len(lines) == 0 {
		return header
	}
	return header + "\n\n" + strings.Join(lines, hardBreak)
}
