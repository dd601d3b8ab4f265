// Package commands implements the command menu and plugin dispatch fabric
// (spec.md §4.8): a registry of pluggable commands layered over the
// reserved engine-id and project-alias namespaces, with a capped bot
// command menu. Grounded on
// _examples/original_source/src/takopi/telegram/bridge.py's
// _build_bot_commands/_reserved_commands/_dispatch_command.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/p0s/takopi/internal/model"
)

// MaxBotCommands caps the menu Telegram's setMyCommands will accept.
const MaxBotCommands = 100

// Request is one plugin command invocation's input, mirroring RunRequest.
type Request struct {
	Prompt  string
	Engine  *model.EngineID
	Context *model.RunContext
}

// RunMode selects whether a plugin-issued run streams to the chat ("emit",
// the default) or is captured for the plugin to post-process ("capture").
type RunMode string

const (
	ModeEmit    RunMode = "emit"
	ModeCapture RunMode = "capture"
)

// Result is what a captured run hands back to the plugin that requested it.
type Result struct {
	Engine  model.EngineID
	Message string
}

// Executor is the host-provided surface a plugin command uses to talk back
// to the chat and to start engine runs of its own (spec.md §4.8's
// CommandExecutor). Implemented by the main loop.
type Executor interface {
	Send(ctx context.Context, text string) error
	RunOne(ctx context.Context, req Request, mode RunMode) (Result, error)
}

// Plugin is one registered command backend.
type Plugin struct {
	ID          string
	Description string
	Handler     func(ctx context.Context, exec Executor, argsText string) error
}

// Registry holds every registered plugin command plus the reserved
// namespaces (engine ids, project aliases) a plugin id must never collide
// with.
type Registry struct {
	plugins  map[string]Plugin
	order    []string
	engineIDs []string
	projects  []string
}

// NewRegistry builds an empty Registry scoped to the given engine ids and
// project aliases, both of which occupy the command namespace ahead of any
// plugin (so "/codex" always means the engine, never a plugin named codex).
func NewRegistry(engineIDs, projectAliases []string) *Registry {
	return &Registry{
		plugins:   make(map[string]Plugin),
		engineIDs: lower(engineIDs),
		projects:  lower(projectAliases),
	}
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// reservedIDs beyond engine/project namespaces: built-in commands every
// deployment carries regardless of plugin configuration. Includes spec.md
// §4.8's fixed set ({cancel, ctx, new, topic, file}) plus stop/stopall/status,
// which this deployment also treats as built-ins.
var reservedIDs = []string{"cancel", "ctx", "file", "new", "status", "stop", "stopall", "topic"}

// Register adds a plugin command, returning an error if its id collides
// with an engine id, project alias, or another reserved/registered id.
func (r *Registry) Register(p Plugin) error {
	id := strings.ToLower(p.ID)
	if r.isReserved(id) {
		return fmt.Errorf("commands: %q collides with a reserved command id", id)
	}
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("commands: %q is already registered", id)
	}
	p.ID = id
	r.plugins[id] = p
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) isReserved(id string) bool {
	for _, e := range r.engineIDs {
		if e == id {
			return true
		}
	}
	for _, p := range r.projects {
		if p == id {
			return true
		}
	}
	for _, res := range reservedIDs {
		if res == id {
			return true
		}
	}
	return false
}

// Lookup returns the plugin registered under id, if any. Engine ids and
// project aliases are never found here — they are dispatched before
// reaching the plugin registry (spec.md §4.1 directive parsing).
func (r *Registry) Lookup(id string) (Plugin, bool) {
	p, ok := r.plugins[strings.ToLower(id)]
	return p, ok
}

// MenuEntry is one row of the bot's slash-command menu.
type MenuEntry struct {
	Command     string
	Description string
}

// BuildMenu assembles the full command menu: engines, then project
// aliases, then plugins, then the always-present file/cancel entries,
// deduplicated in that precedence order and capped at MaxBotCommands with
// "cancel" guaranteed a slot even under truncation.
func (r *Registry) BuildMenu() []MenuEntry {
	var out []MenuEntry
	seen := make(map[string]bool)

	for _, id := range r.engineIDs {
		if seen[id] {
			continue
		}
		out = append(out, MenuEntry{Command: id, Description: "use agent: " + id})
		seen[id] = true
	}
	for _, alias := range r.projects {
		if seen[alias] || !isValidID(alias) {
			continue
		}
		out = append(out, MenuEntry{Command: alias, Description: "work on: " + alias})
		seen[alias] = true
	}

	pluginIDs := make([]string, len(r.order))
	copy(pluginIDs, r.order)
	sort.Strings(pluginIDs)
	for _, id := range pluginIDs {
		if seen[id] {
			continue
		}
		p := r.plugins[id]
		desc := p.Description
		if desc == "" {
			desc = "command: " + id
		}
		out = append(out, MenuEntry{Command: id, Description: desc})
		seen[id] = true
	}

	if !seen["file"] {
		out = append(out, MenuEntry{Command: "file", Description: "upload or fetch files"})
		seen["file"] = true
	}
	if !seen["cancel"] {
		out = append(out, MenuEntry{Command: "cancel", Description: "cancel run"})
		seen["cancel"] = true
	}

	if len(out) > MaxBotCommands {
		out = out[:MaxBotCommands]
		hasCancel := false
		for _, e := range out {
			if e.Command == "cancel" {
				hasCancel = true
				break
			}
		}
		if !hasCancel {
			out[len(out)-1] = MenuEntry{Command: "cancel", Description: "cancel run"}
		}
	}
	return out
}

// isValidID mirrors the original ids.is_valid_id: lowercase alphanumerics,
// underscore, and hyphen, 1-32 characters (Telegram's slash-command id
// grammar).
func isValidID(id string) bool {
	if id == "" || len(id) > 32 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Dispatch runs the plugin registered under commandID, passing argsText as
// its raw argument string, grounded on _dispatch_command's lookup-then-run
// shape.
func (r *Registry) Dispatch(ctx context.Context, exec Executor, commandID, argsText string) error {
	p, ok := r.Lookup(commandID)
	if !ok {
		return fmt.Errorf("commands: %q is not a registered command", commandID)
	}
	return p.Handler(ctx, exec, argsText)
}
