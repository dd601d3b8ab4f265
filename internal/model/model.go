// Package model defines the core data types shared across takopi's
// resolver, scheduler, orchestrator, and store packages.
package model

import "fmt"

// MessageRef is an opaque handle to a single chat message on the transport.
type MessageRef struct {
	ChannelID int64
	MessageID int
}

func (r MessageRef) String() string {
	return fmt.Sprintf("%d:%d", r.ChannelID, r.MessageID)
}

// EngineID identifies a configured coding-agent engine (e.g. "codex", "claude").
type EngineID string

// IncomingMessage is a chat message received from the transport poller.
type IncomingMessage struct {
	ChatID            int64
	MessageID         int
	ThreadID          *int
	Text              string
	ReplyToMessageID  *int
	ReplyToText       string
	SenderID          string
	ChatType          string
	IsForum           bool
	MediaGroupID      string
	HasVoice          bool
	HasDocument       bool
	DocumentFileNames []string
}

// CallbackQuery is an inline-button press on a message the bot sent.
type CallbackQuery struct {
	ChatID          int64
	MessageID       int
	CallbackQueryID string
	Data            string
	SenderID        string
}

// IncomingUpdate is the tagged union the poller yields: exactly one of
// Message or Callback is non-nil.
type IncomingUpdate struct {
	Message  *IncomingMessage
	Callback *CallbackQuery
}

// RunContext selects the filesystem working directory for a run. Both
// Project and Branch may be empty; Context is considered "none" only when
// both are empty (see IsNone).
type RunContext struct {
	Project string
	Branch  string
}

// IsNone reports whether the context carries neither project nor branch.
func (c *RunContext) IsNone() bool {
	return c == nil || (c.Project == "" && c.Branch == "")
}

// Equal reports whether two contexts (nil-safe) denote the same project/branch.
func (c *RunContext) Equal(other *RunContext) bool {
	cNone, oNone := c.IsNone(), other.IsNone()
	if cNone != oNone {
		return false
	}
	if cNone {
		return true
	}
	return c.Project == other.Project && c.Branch == other.Branch
}

// ResumeToken is an engine-opaque continuation handle minted by an engine
// and later presented to resume the same conversation.
type ResumeToken struct {
	Value  string
	Engine EngineID
}

// CancelCallbackData is the inline cancel button's callback_query payload
// (spec.md §4.6 item 1).
const CancelCallbackData = "takopi:cancel"

// InlineButton is one button on a message's inline keyboard.
type InlineButton struct {
	Text         string
	CallbackData string
}

// ReplyMarkup is a minimal single-row inline keyboard. A nil *ReplyMarkup
// means "no keyboard" — passing it to Edit clears any keyboard already on
// the message.
type ReplyMarkup struct {
	Buttons []InlineButton
}

// CancelMarkup is the inline keyboard attached to a run's progress message
// while it streams, letting the user cancel without typing /cancel.
func CancelMarkup() *ReplyMarkup {
	return &ReplyMarkup{Buttons: []InlineButton{{Text: "Cancel", CallbackData: CancelCallbackData}}}
}

// ContextSource records which precedence tier produced a ResolvedMessage's context.
type ContextSource string

const (
	ContextSourceDirectives  ContextSource = "directives"
	ContextSourceReplyCtx    ContextSource = "reply_ctx"
	ContextSourceTopicBind   ContextSource = "topic_bind"
	ContextSourceChatDefault ContextSource = "chat_default"
	ContextSourceNone        ContextSource = "none"
)

// ResolvedMessage is the pure output of the resolver for one incoming message.
type ResolvedMessage struct {
	Prompt         string
	ResumeToken    *ResumeToken
	EngineOverride *EngineID
	Context        *RunContext
	ContextSource  ContextSource
}

// ActionKind enumerates the kinds of progress-log entries an engine can emit.
type ActionKind string

const (
	ActionCommand    ActionKind = "command"
	ActionTool       ActionKind = "tool"
	ActionWebSearch  ActionKind = "web_search"
	ActionFileChange ActionKind = "file_change"
	ActionNote       ActionKind = "note"
	ActionWarning    ActionKind = "warning"
	ActionTurn       ActionKind = "turn"
)

// Action is one append-only progress-log entry owned by a run.
type Action struct {
	ID     string
	Kind   ActionKind
	Title  string
	Detail map[string]any
}

// ActionPhase enumerates the lifecycle of one Action within a run.
type ActionPhase string

const (
	PhaseStarted   ActionPhase = "started"
	PhaseUpdated   ActionPhase = "updated"
	PhaseCompleted ActionPhase = "completed"
)

// TopicThreadSnapshot is the persisted state for one (chat, thread) pair.
type TopicThreadSnapshot struct {
	ChatID       int64
	ThreadID     int
	Context      *RunContext
	TopicTitle   string
	Sessions     map[EngineID]ResumeToken
	CreatedByBot bool
}

// Clone returns a deep copy safe to hand to a caller without aliasing maps.
func (s *TopicThreadSnapshot) Clone() *TopicThreadSnapshot {
	if s == nil {
		return nil
	}
	out := &TopicThreadSnapshot{
		ChatID:       s.ChatID,
		ThreadID:     s.ThreadID,
		TopicTitle:   s.TopicTitle,
		CreatedByBot: s.CreatedByBot,
	}
	if s.Context != nil {
		ctx := *s.Context
		out.Context = &ctx
	}
	if s.Sessions != nil {
		out.Sessions = make(map[EngineID]ResumeToken, len(s.Sessions))
		for k, v := range s.Sessions {
			out.Sessions[k] = v
		}
	}
	return out
}
