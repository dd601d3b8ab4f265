// Package transport defines the chat-platform-agnostic surface the main
// loop drives (spec.md §6): deliver IncomingUpdates, send/edit/delete
// messages, and manage the bot's command menu. Concrete implementations
// live in subpackages (transport/telegram).
package transport

import (
	"context"

	"github.com/p0s/takopi/internal/model"
)

// MenuCommand is one entry in the platform's slash-command menu.
type MenuCommand struct {
	Command     string
	Description string
}

// Transport is the collaborator interface the main loop and orchestrator
// are built against; a concrete transport owns its own polling/webhook
// loop and feeds updates to Updates().
type Transport interface {
	// Start begins receiving updates; Updates() only yields after Start.
	Start(ctx context.Context) error
	// Stop shuts the transport down, releasing any long-lived connection.
	Stop(ctx context.Context) error
	// Updates returns the channel of incoming updates. Closed when the
	// transport stops.
	Updates() <-chan model.IncomingUpdate

	// Send and Edit accept an optional reply-markup; a nil markup means
	// no keyboard (Edit with a nil markup clears one already present).
	Send(ctx context.Context, chatID int64, threadID int, text string, markup *model.ReplyMarkup) (model.MessageRef, error)
	Edit(ctx context.Context, ref model.MessageRef, text string, markup *model.ReplyMarkup) error
	Delete(ctx context.Context, ref model.MessageRef) error

	// SyncMenu pushes the given command set as the platform's bot menu.
	SyncMenu(ctx context.Context, commands []MenuCommand) error
}

// ForumTopicManager is an optional capability: a transport that can create
// and rename forum topics, driving the /topic bind-and-rename flow
// (spec.md §4.6 item 6). Implemented by transport/telegram.
type ForumTopicManager interface {
	// CreateForumTopic creates a new forum topic in chatID and returns its
	// thread id.
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error)
	// EditForumTopic renames threadID's forum topic in chatID.
	EditForumTopic(ctx context.Context, chatID int64, threadID int, name string) error
}

// BacklogDrainer is an optional capability: a transport that can discard
// updates queued while the bot was offline, so a redeploy doesn't replay
// stale messages. Implemented by transport/telegram.
type BacklogDrainer interface {
	DrainBacklog(ctx context.Context) (int, error)
}

// TopicsValidator is an optional capability: a transport that can confirm a
// chat actually supports the topic/forum semantics the config assumes,
// before the bot starts serving it.
type TopicsValidator interface {
	ValidateTopicsSetup(ctx context.Context, chatID int64, forumOnly bool) error
}
