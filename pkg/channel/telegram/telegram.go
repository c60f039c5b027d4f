// Package telegram provides the Telegram transport for Janitor: long polling
// for inbound commands, plus send and edit for replies and progress messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jxucoder/janitor/pkg/channel"
)

const seenUpdatesSize = 1024

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options configures who may talk to the bot.
type Options struct {
	// AdminID is the only Telegram user allowed to send commands. Zero allows anyone.
	AdminID int64
	// AllowGroups accepts commands from group chats as well as private ones.
	AllowGroups bool
}

// Bot is the Telegram channel.
type Bot struct {
	api      botAPI
	handler  channel.Handler
	opts     Options
	seen     *lru.Cache[int, struct{}]
	newRetry func() backoff.BackOff
}

// NewBot connects to Telegram with token.
func NewBot(token string, handler channel.Handler, opts Options) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	log.Printf("[telegram] authorized as @%s", api.Self.UserName)
	return newBot(api, handler, opts), nil
}

func newBot(api botAPI, handler channel.Handler, opts Options) *Bot {
	seen, _ := lru.New[int, struct{}](seenUpdatesSize)
	return &Bot{
		api:     api,
		handler: handler,
		opts:    opts,
		seen:    seen,
		newRetry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// Name returns the channel name.
func (b *Bot) Name() string { return "telegram" }

// Run starts the long-polling loop. Blocks until ctx is canceled.
// Messages are handled in arrival order so STOP never overtakes the command it stops.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)
	log.Println("[telegram] listening for messages...")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// RunCommand handles text as if the operator had sent it to chatID.
func (b *Bot) RunCommand(ctx context.Context, chatID, text string) error {
	return b.handler.HandleMessage(ctx, b, chatID, text)
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if ok, _ := b.seen.ContainsOrAdd(update.UpdateID, struct{}{}); ok {
		return
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !b.allowed(msg) {
		log.Printf("[telegram] ignoring message from chat %d", msg.Chat.ID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if err := b.handler.HandleMessage(ctx, b, chatID, text); err != nil {
		log.Printf("[telegram] chat %s: %v", chatID, err)
	}
}

func (b *Bot) allowed(msg *tgbotapi.Message) bool {
	if !msg.Chat.IsPrivate() && !b.opts.AllowGroups {
		return false
	}
	if b.opts.AdminID != 0 && (msg.From == nil || msg.From.ID != b.opts.AdminID) {
		return false
	}
	return true
}

// Send posts text to chatID. Markdown is tried first, falling back to plain
// text when Telegram rejects the entities.
func (b *Bot) Send(ctx context.Context, chatID, text string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid Telegram chat id %q", chatID)
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	var sent tgbotapi.Message
	err = b.retry(ctx, func() error {
		var sendErr error
		sent, sendErr = b.api.Send(msg)
		return sendErr
	})
	if err != nil && isParseError(err) {
		msg.ParseMode = ""
		err = b.retry(ctx, func() error {
			var sendErr error
			sent, sendErr = b.api.Send(msg)
			return sendErr
		})
	}
	if err != nil {
		return "", fmt.Errorf("sending Telegram message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Edit replaces the text of a message sent earlier by Send.
func (b *Bot) Edit(ctx context.Context, chatID, messageID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid Telegram chat id %q", chatID)
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid Telegram message id %q", messageID)
	}

	edit := tgbotapi.NewEditMessageText(id, mid, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	edit.DisableWebPagePreview = true

	err = b.retry(ctx, func() error {
		_, reqErr := b.api.Request(edit)
		return reqErr
	})
	if err != nil && isParseError(err) {
		edit.ParseMode = ""
		err = b.retry(ctx, func() error {
			_, reqErr := b.api.Request(edit)
			return reqErr
		})
	}
	if err != nil && !isNotModified(err) {
		return fmt.Errorf("editing Telegram message: %w", err)
	}
	return nil
}

// retry repeats fn while Telegram answers 429, honouring its retry_after hint.
func (b *Bot) retry(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var tgErr *tgbotapi.Error
		if !errors.As(err, &tgErr) || tgErr.Code != 429 {
			return backoff.Permanent(err)
		}
		if wait := time.Duration(tgErr.RetryAfter) * time.Second; wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-timer.C:
			}
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b.newRetry(), ctx))
}

func isParseError(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr) && tgErr.Code == 400 && strings.Contains(tgErr.Message, "can't parse entities")
}

func isNotModified(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr) && strings.Contains(tgErr.Message, "message is not modified")
}
