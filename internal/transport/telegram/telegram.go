// Package telegram implements transport.Transport over the Telegram Bot
// API via long polling. Grounded on the teacher's
// internal/channels/telegram.Channel: telego.Bot, UpdatesViaLongPolling,
// the pollCancel/pollDone shutdown handshake, and SyncMenuCommands's
// delete-then-set pattern.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/p0s/takopi/internal/model"
	"github.com/p0s/takopi/internal/transport"
)

// Config is the subset of deployment configuration the Telegram transport needs.
type Config struct {
	Token          string
	Proxy          string
	AllowedUserIDs map[string]bool // empty map = allow everyone
}

// Channel is the Telegram-backed transport.Transport.
type Channel struct {
	bot      *telego.Bot
	cfg      Config
	updates  chan model.IncomingUpdate
	pollStop context.CancelFunc
	pollDone chan struct{}
}

var _ transport.Transport = (*Channel)(nil)

// New constructs a Channel without starting its polling loop.
func New(cfg Config) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy url %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: creating bot: %w", err)
	}

	return &Channel{
		bot:     bot,
		cfg:     cfg,
		updates: make(chan model.IncomingUpdate, 64),
	}, nil
}

// telegramGeneralTopicID is Telegram's fixed id for a forum's "General"
// topic; it must never be sent back as a message_thread_id.
const telegramGeneralTopicID = 1

func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}

// Start begins long polling. Matches teacher Start(): derive a cancellable
// context, record pollDone so Stop can wait for clean exit.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollStop = cancel
	c.pollDone = make(chan struct{})

	raw, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		defer close(c.updates)
		for {
			select {
			case <-pollCtx.Done():
				return
			case upd, ok := <-raw:
				if !ok {
					return
				}
				if out, handled := translateUpdate(upd); handled {
					select {
					case c.updates <- out:
					case <-pollCtx.Done():
						return
					}
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits (bounded) for the goroutine to exit so
// Telegram releases the getUpdates long-poll slot before a restart.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollStop == nil {
		return nil
	}
	c.pollStop()
	select {
	case <-c.pollDone:
	case <-time.After(10 * time.Second):
		slog.Warn("telegram: polling goroutine did not exit within timeout")
	case <-ctx.Done():
	}
	return nil
}

// Updates returns the translated update stream.
func (c *Channel) Updates() <-chan model.IncomingUpdate { return c.updates }

func translateUpdate(upd telego.Update) (model.IncomingUpdate, bool) {
	switch {
	case upd.Message != nil:
		msg := upd.Message
		if isServiceMessage(msg) || msg.From == nil {
			return model.IncomingUpdate{}, false
		}
		isForum := msg.Chat.IsForum
		threadID := 0
		if isForum {
			threadID = msg.MessageThreadID
			if threadID == 0 {
				threadID = telegramGeneralTopicID
			}
		}
		var threadPtr *int
		if isForum {
			t := threadID
			threadPtr = &t
		}

		var replyToID *int
		replyToText := ""
		if msg.ReplyToMessage != nil {
			id := msg.ReplyToMessage.MessageID
			replyToID = &id
			replyToText = msg.ReplyToMessage.Text
		}

		var docNames []string
		if msg.Document != nil {
			docNames = append(docNames, msg.Document.FileName)
		}

		return model.IncomingUpdate{Message: &model.IncomingMessage{
			ChatID:            msg.Chat.ID,
			MessageID:         msg.MessageID,
			ThreadID:          threadPtr,
			Text:              msg.Text,
			ReplyToMessageID:  replyToID,
			ReplyToText:       replyToText,
			SenderID:          fmt.Sprintf("%d", msg.From.ID),
			ChatType:          msg.Chat.Type,
			IsForum:           isForum,
			MediaGroupID:      msg.MediaGroupID,
			HasVoice:          msg.Voice != nil,
			HasDocument:       msg.Document != nil,
			DocumentFileNames: docNames,
		}}, true

	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		chatID := int64(0)
		messageID := 0
		if cq.Message != nil && cq.Message.GetChat() != nil {
			chatID = cq.Message.GetChat().ID
			messageID = cq.Message.GetMessageID()
		}
		return model.IncomingUpdate{Callback: &model.CallbackQuery{
			ChatID:          chatID,
			MessageID:       messageID,
			CallbackQueryID: cq.ID,
			Data:            cq.Data,
			SenderID:        fmt.Sprintf("%d", cq.From.ID),
		}}, true

	default:
		return model.IncomingUpdate{}, false
	}
}

func isServiceMessage(msg *telego.Message) bool {
	return len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" ||
		msg.PinnedMessage != nil
}

// inlineKeyboard converts a model.ReplyMarkup to telego's inline keyboard
// shape, or nil if markup carries no buttons — which Telegram treats as
// "no keyboard" on send and "clear the keyboard" on edit.
func inlineKeyboard(markup *model.ReplyMarkup) *telego.InlineKeyboardMarkup {
	if markup == nil || len(markup.Buttons) == 0 {
		return nil
	}
	row := make([]telego.InlineKeyboardButton, len(markup.Buttons))
	for i, b := range markup.Buttons {
		row[i] = tu.InlineKeyboardButton(b.Text).WithCallbackData(b.CallbackData)
	}
	return tu.InlineKeyboard(tu.InlineKeyboardRow(row...))
}

// Send posts text as a new message, returning its MessageRef.
func (c *Channel) Send(ctx context.Context, chatID int64, threadID int, text string, markup *model.ReplyMarkup) (model.MessageRef, error) {
	params := tu.Message(tu.ID(chatID), text)
	if tid := resolveThreadIDForSend(threadID); tid != 0 {
		params.MessageThreadID = tid
	}
	if kb := inlineKeyboard(markup); kb != nil {
		params.ReplyMarkup = kb
	}
	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return model.MessageRef{}, fmt.Errorf("telegram: send: %w", err)
	}
	return model.MessageRef{ChannelID: chatID, MessageID: sent.MessageID}, nil
}

// Edit replaces ref's text and its reply markup (a nil markup clears any
// keyboard already attached).
func (c *Channel) Edit(ctx context.Context, ref model.MessageRef, text string, markup *model.ReplyMarkup) error {
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:      tu.ID(ref.ChannelID),
		MessageID:   ref.MessageID,
		Text:        text,
		ReplyMarkup: inlineKeyboard(markup),
	})
	if err != nil {
		return fmt.Errorf("telegram: edit %s: %w", ref, err)
	}
	return nil
}

// Delete removes ref.
func (c *Channel) Delete(ctx context.Context, ref model.MessageRef) error {
	err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(ref.ChannelID),
		MessageID: ref.MessageID,
	})
	if err != nil {
		return fmt.Errorf("telegram: delete %s: %w", ref, err)
	}
	return nil
}

// SyncMenu pushes commands as the bot's slash-command menu, deleting any
// prior set first the way the teacher's SyncMenuCommands does.
func (c *Channel) SyncMenu(ctx context.Context, commands []transport.MenuCommand) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("telegram: deleteMyCommands failed (may not exist yet)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	botCommands := make([]telego.BotCommand, len(commands))
	for i, cmd := range commands {
		botCommands[i] = telego.BotCommand{Command: cmd.Command, Description: cmd.Description}
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: botCommands})
}

// DrainBacklog consumes and discards any updates queued before the bot
// started, the way a zero-timeout getUpdates call flushes a stale queue on
// startup so a redeploy doesn't replay old messages.
func (c *Channel) DrainBacklog(ctx context.Context) (int, error) {
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{Timeout: 0, Limit: 100})
	if err != nil {
		return 0, fmt.Errorf("telegram: drain backlog: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	lastID := updates[len(updates)-1].UpdateID
	if _, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{Offset: lastID + 1, Timeout: 0}); err != nil {
		return 0, fmt.Errorf("telegram: ack backlog: %w", err)
	}
	return len(updates), nil
}

// CreateForumTopic creates a new forum topic named name in chatID, returning
// the thread id Telegram assigns it.
func (c *Channel) CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error) {
	topic, err := c.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(chatID),
		Name:   name,
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: create forum topic %q in chat %d: %w", name, chatID, err)
	}
	return topic.MessageThreadID, nil
}

// EditForumTopic renames threadID's forum topic in chatID to name.
// Renaming to the name it already has is a no-op as far as the caller is
// concerned (Telegram accepts the call idempotently).
func (c *Channel) EditForumTopic(ctx context.Context, chatID int64, threadID int, name string) error {
	_, err := c.bot.EditForumTopic(ctx, &telego.EditForumTopicParams{
		ChatID:          tu.ID(chatID),
		MessageThreadID: threadID,
		Name:            name,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit forum topic %d in chat %d: %w", threadID, chatID, err)
	}
	return nil
}

// ValidateTopicsSetup checks that chatID is reachable and, if forumOnly is
// set, that it is actually a forum-enabled supergroup, surfacing a
// misconfiguration before the bot starts serving it.
func (c *Channel) ValidateTopicsSetup(ctx context.Context, chatID int64, forumOnly bool) error {
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)})
	if err != nil {
		return fmt.Errorf("telegram: chat %d unreachable: %w", chatID, err)
	}
	if forumOnly && !chat.IsForum {
		return fmt.Errorf("telegram: chat %d is not a forum-enabled supergroup", chatID)
	}
	return nil
}
