// Package resolver implements TransportRuntime.resolve_message (spec.md
// §4.1): a pure, side-effect-free mapping from raw incoming text to a
// structured ResolvedMessage. Grounded directly on
// _examples/original_source/src/takopi/transport_runtime.py.
package resolver

import (
	"github.com/p0s/takopi/internal/model"
)

// ProjectInfo is the subset of project configuration the resolver needs.
type ProjectInfo struct {
	Alias         string
	DefaultEngine model.EngineID // "" if the project has no override
}

// ResumeLineMatcher asks each configured runner whether a line matches its
// resume-token format, returning the owning engine on a match.
type ResumeLineMatcher interface {
	// MatchResumeLine scans text for a line recognized by some engine's
	// IsResumeLine and returns the resume token plus true on a match.
	MatchResumeLine(text string) (model.ResumeToken, bool)
}

// TransportRuntime is the resolver: a pure function of its inputs plus the
// static config snapshot it was built with (projects, engine ids, resume
// matcher). It holds no per-message mutable state.
type TransportRuntime struct {
	engineIDs      map[string]bool
	projectAliases map[string]bool
	projects       map[string]ProjectInfo
	defaultEngine  model.EngineID
	defaultProject string                 // chat-independent fallback, "" if none
	chatDefaults   map[int64]string       // chat_id -> project alias
	resumeMatcher  ResumeLineMatcher
}

// Config bundles the static inputs TransportRuntime is built from.
type Config struct {
	EngineIDs      []model.EngineID
	Projects       []ProjectInfo
	DefaultEngine  model.EngineID
	DefaultProject string
	ChatDefaults   map[int64]string
	ResumeMatcher  ResumeLineMatcher
}

// New builds a TransportRuntime from a static config snapshot.
func New(cfg Config) *TransportRuntime {
	engineIDs := make(map[string]bool, len(cfg.EngineIDs))
	for _, id := range cfg.EngineIDs {
		engineIDs[string(id)] = true
	}
	projectAliases := make(map[string]bool, len(cfg.Projects))
	projects := make(map[string]ProjectInfo, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projectAliases[p.Alias] = true
		projects[p.Alias] = p
	}
	chatDefaults := cfg.ChatDefaults
	if chatDefaults == nil {
		chatDefaults = map[int64]string{}
	}
	return &TransportRuntime{
		engineIDs:      engineIDs,
		projectAliases: projectAliases,
		projects:       projects,
		defaultEngine:  cfg.DefaultEngine,
		defaultProject: cfg.DefaultProject,
		chatDefaults:   chatDefaults,
		resumeMatcher:  cfg.ResumeMatcher,
	}
}

// DefaultEngine returns the router's fallback engine id.
func (t *TransportRuntime) DefaultEngine() model.EngineID { return t.defaultEngine }

// ProjectAliases returns every configured project alias.
func (t *TransportRuntime) ProjectAliases() []string {
	out := make([]string, 0, len(t.projectAliases))
	for a := range t.projectAliases {
		out = append(out, a)
	}
	return out
}

// chatProject returns the chat-default project alias for chatID, or "".
func (t *TransportRuntime) chatProject(chatID int64) string {
	if alias, ok := t.chatDefaults[chatID]; ok {
		return alias
	}
	return t.defaultProject
}

// DefaultContextForChat mirrors default_context_for_chat: a chat-bound
// default project, with no branch, or nil if the chat has none.
func (t *TransportRuntime) DefaultContextForChat(chatID int64) *model.RunContext {
	project := t.chatProject(chatID)
	if project == "" {
		return nil
	}
	return &model.RunContext{Project: project}
}

// FormatContextLine renders the canonical header line for a context.
func (t *TransportRuntime) FormatContextLine(ctx *model.RunContext) string {
	return formatContextLine(ctx)
}

// ParseContextArgs parses a "project @branch" / "project" / "@branch"
// argument string against the known project aliases, the same grammar a
// reply's context header uses. Used by the /ctx and /topic commands.
// Returns nil if args doesn't match the grammar or names an unknown
// project.
func (t *TransportRuntime) ParseContextArgs(args string) *model.RunContext {
	return parseContextLine(args, t.projectAliases)
}

// ResolveEngine applies the engine-override precedence from spec.md §4.1
// step 5: explicit override, then the context's project's default_engine,
// then the router default.
func (t *TransportRuntime) ResolveEngine(override *model.EngineID, ctx *model.RunContext) model.EngineID {
	if override != nil {
		return *override
	}
	if ctx == nil || ctx.Project == "" {
		return t.defaultEngine
	}
	proj, ok := t.projects[ctx.Project]
	if !ok || proj.DefaultEngine == "" {
		return t.defaultEngine
	}
	return proj.DefaultEngine
}

// ResolveMessage is the pure transformation at the heart of the resolver
// (spec.md §4.1). ambientContext, when non-nil, is the topic binding for
// the thread this message arrived on (takes precedence over chat defaults
// but below directives and reply context).
func (t *TransportRuntime) ResolveMessage(text, replyText string, ambientContext *model.RunContext, chatID int64) model.ResolvedMessage {
	d := parseDirectives(text, t.engineIDs, t.projectAliases)
	replyCtx := parseContextLine(replyText, t.projectAliases)

	// Step 3: resume-token detection scans both reply text and the prompt.
	var resumeToken *model.ResumeToken
	if t.resumeMatcher != nil {
		if tok, ok := t.resumeMatcher.MatchResumeLine(replyText); ok {
			resumeToken = &tok
		} else if tok, ok := t.resumeMatcher.MatchResumeLine(d.Prompt); ok {
			resumeToken = &tok
		}
	}

	if resumeToken != nil {
		// Step 6: resume wins; engine is pinned by the token's owner, never
		// overridden. Context falls back to reply_ctx, then chat-default,
		// never inventing a branch.
		ctx := replyCtx
		source := model.ContextSourceReplyCtx
		if ctx == nil {
			if chatDefaultCtx := t.DefaultContextForChat(chatID); chatDefaultCtx != nil {
				ctx = chatDefaultCtx
				source = model.ContextSourceChatDefault
			} else {
				source = model.ContextSourceNone
			}
		}
		return model.ResolvedMessage{
			Prompt:        d.Prompt,
			ResumeToken:   resumeToken,
			Context:       ctx,
			ContextSource: source,
		}
	}

	if replyCtx != nil {
		var engineOverride *model.EngineID
		if replyCtx.Project != "" {
			if proj, ok := t.projects[replyCtx.Project]; ok && proj.DefaultEngine != "" {
				e := proj.DefaultEngine
				engineOverride = &e
			}
		}
		return model.ResolvedMessage{
			Prompt:         d.Prompt,
			EngineOverride: engineOverride,
			Context:        replyCtx,
			ContextSource:  model.ContextSourceReplyCtx,
		}
	}

	// Step 4 precedence continues: directives > topic binding > chat default > none.
	projectKey := d.Project
	source := model.ContextSourceDirectives
	if projectKey == "" {
		if ambientContext != nil && ambientContext.Project != "" {
			projectKey = ambientContext.Project
			source = model.ContextSourceTopicBind
		} else if chatProject := t.chatProject(chatID); chatProject != "" {
			projectKey = chatProject
			source = model.ContextSourceChatDefault
		}
	}

	branch := d.Branch
	if branch == "" && projectKey == "" && ambientContext != nil {
		branch = ambientContext.Branch
		if branch != "" && source == model.ContextSourceDirectives {
			source = model.ContextSourceTopicBind
		}
	}

	var ctx *model.RunContext
	if projectKey != "" || branch != "" {
		ctx = &model.RunContext{Project: projectKey, Branch: branch}
	} else {
		source = model.ContextSourceNone
	}

	engineOverride := (*model.EngineID)(nil)
	if d.Engine != "" {
		e := model.EngineID(d.Engine)
		engineOverride = &e
	} else if projectKey != "" {
		if proj, ok := t.projects[projectKey]; ok && proj.DefaultEngine != "" {
			e := proj.DefaultEngine
			engineOverride = &e
		}
	}

	return model.ResolvedMessage{
		Prompt:         d.Prompt,
		EngineOverride: engineOverride,
		Context:        ctx,
		ContextSource:  source,
	}
}
