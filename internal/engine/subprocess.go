package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/p0s/takopi/internal/model"
)

// wireEvent is the line-delimited JSON shape an engine subprocess writes to
// stdout, one object per line. Exactly one of the tagged fields is set per
// line, matching EngineEvent's own tagged-union shape (spec.md §6's engine
// subprocess protocol).
type wireEvent struct {
	Started *struct {
		Title  string  `json:"title"`
		Resume *string `json:"resume"`
	} `json:"started"`
	Action *struct {
		ID     string         `json:"id"`
		Kind   string         `json:"kind"`
		Title  string         `json:"title"`
		Detail map[string]any `json:"detail"`
		Phase  string         `json:"phase"`
		OK     *bool          `json:"ok"`
	} `json:"action"`
	TurnEnd *struct {
		Answer string `json:"answer"`
		Status string `json:"status"`
	} `json:"turn_end"`
}

func (w wireEvent) toEngineEvent(engineID model.EngineID) EngineEvent {
	switch {
	case w.Started != nil:
		var resume *model.ResumeToken
		if w.Started.Resume != nil {
			resume = &model.ResumeToken{Value: *w.Started.Resume, Engine: engineID}
		}
		return EngineEvent{Started: &StartedEvent{Engine: engineID, Title: w.Started.Title, Resume: resume}}
	case w.Action != nil:
		a := w.Action
		return EngineEvent{Action: &ActionEvent{
			Action: model.Action{ID: a.ID, Kind: model.ActionKind(a.Kind), Title: a.Title, Detail: a.Detail},
			Phase:  model.ActionPhase(a.Phase),
			OK:     a.OK,
		}}
	case w.TurnEnd != nil:
		return EngineEvent{TurnEnd: &TurnEndEvent{Answer: w.TurnEnd.Answer, Status: w.TurnEnd.Status}}
	default:
		return EngineEvent{}
	}
}

// ProcessConfig describes how to invoke one engine's CLI as a subprocess.
type ProcessConfig struct {
	ID           model.EngineID
	Command      string
	Args         []string
	ResumeFlag   string // e.g. "--resume"; appended with the token value when resuming
	ResumePrefix string // recognized prefix for is_resume_line, e.g. "resume: "
}

// ProcessRunner is the default engine.Runner: it spawns the configured CLI,
// feeds it the prompt on stdin, and translates its line-delimited JSON
// stdout into EngineEvents. Grounded on the teacher's ExecTool
// (os/exec.CommandContext, stdout/stderr capture) generalized from a
// single buffered run to a long-lived streamed subprocess.
type ProcessRunner struct {
	cfg ProcessConfig
}

// NewProcessRunner builds a ProcessRunner for cfg.
func NewProcessRunner(cfg ProcessConfig) *ProcessRunner {
	return &ProcessRunner{cfg: cfg}
}

func (r *ProcessRunner) Engine() model.EngineID { return r.cfg.ID }

func (r *ProcessRunner) FormatResume(token model.ResumeToken) string {
	prefix := r.cfg.ResumePrefix
	if prefix == "" {
		prefix = "resume: "
	}
	return prefix + token.Value
}

func (r *ProcessRunner) IsResumeLine(line string) bool {
	prefix := r.cfg.ResumePrefix
	if prefix == "" {
		prefix = "resume: "
	}
	return strings.HasPrefix(strings.TrimSpace(line), prefix)
}

// Available reports whether the configured executable can be found on PATH.
func (r *ProcessRunner) Available() (bool, string) {
	if _, err := exec.LookPath(r.cfg.Command); err != nil {
		return false, fmt.Sprintf("executable %q not found: %v", r.cfg.Command, err)
	}
	return true, ""
}

// processHandle is the live RunHandle for one spawned subprocess.
type processHandle struct {
	cmd    *exec.Cmd
	events chan EngineEvent

	waitOnce sync.Once
	waitErr  error
}

func (h *processHandle) Events() <-chan EngineEvent { return h.events }

func (h *processHandle) Terminate() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

func (h *processHandle) Wait() error {
	h.waitOnce.Do(func() { h.waitErr = h.cmd.Wait() })
	return h.waitErr
}

// Run spawns the configured engine CLI. prompt is written to stdin; a
// present resume token is appended as a CLI flag so the engine continues
// the named session, per spec.md §4.1/§4.3's resume-token contract.
func (r *ProcessRunner) Run(ctx context.Context, prompt string, resume *model.ResumeToken, cwd string) (RunHandle, error) {
	args := append([]string{}, r.cfg.Args...)
	if resume != nil && r.cfg.ResumeFlag != "" {
		args = append(args, r.cfg.ResumeFlag, resume.Value)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine %s: stdin pipe: %w", r.cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine %s: stdout pipe: %w", r.cfg.ID, err)
	}
	stderrR, stderrW := io.Pipe()
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine %s: starting %q: %w", r.cfg.ID, r.cfg.Command, err)
	}

	if _, err := io.WriteString(stdin, prompt+"\n"); err != nil {
		slog.Warn("engine: writing prompt to stdin failed", "engine", r.cfg.ID, "error", err)
	}
	_ = stdin.Close()

	handle := &processHandle{cmd: cmd, events: make(chan EngineEvent, 16)}

	go drainStderr(r.cfg.ID, stderrR)
	go translateStdout(r.cfg.ID, stdout, stderrW, handle.events)

	return handle, nil
}

func drainStderr(engineID model.EngineID, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("engine.stderr", "engine", engineID, "line", scanner.Text())
	}
}

func translateStdout(engineID model.EngineID, stdout io.Reader, stderrW io.Closer, events chan<- EngineEvent) {
	defer close(events)
	defer stderrW.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			events <- EngineEvent{Unknown: &UnknownEvent{Raw: line}}
			continue
		}
		ev := w.toEngineEvent(engineID)
		if ev == (EngineEvent{}) {
			events <- EngineEvent{Unknown: &UnknownEvent{Raw: line}}
			continue
		}
		events <- ev
	}
}
