// Package slack provides a Slack bot channel for Janitor using Socket Mode.
// Each Slack conversation is one chat: app mentions in channels and plain
// messages in direct conversations are treated as commands.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jxucoder/janitor/pkg/channel"
)

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// chatAPI is the subset of *slack.Client the bot uses.
type chatAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// Bot is the Slack Socket Mode bot for Janitor.
type Bot struct {
	api          chatAPI
	socketClient *socketmode.Client
	handler      channel.Handler
	allowedUser  string
	seen         *lru.Cache[string, struct{}]
	ack          func(socketmode.Request)
	retryPolicy  func() backoff.BackOff
}

// NewBot creates a new Slack Socket Mode bot. When allowedUser is set, only
// that Slack user may issue commands.
func NewBot(botToken, appToken, allowedUser string, handler channel.Handler) *Bot {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	socketClient := socketmode.New(
		api,
		socketmode.OptionLog(log.New(log.Writer(), "slack-socketmode: ", log.LstdFlags)),
	)

	b := newBot(api, handler, allowedUser)
	b.socketClient = socketClient
	b.ack = func(req socketmode.Request) { socketClient.Ack(req) }
	return b
}

func newBot(api chatAPI, handler channel.Handler, allowedUser string) *Bot {
	seen, _ := lru.New[string, struct{}](1024)
	return &Bot{
		api:         api,
		handler:     handler,
		allowedUser: allowedUser,
		seen:        seen,
		ack:         func(socketmode.Request) {},
		retryPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = time.Minute
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// Name returns the channel name.
func (b *Bot) Name() string { return "slack" }

// Run connects to Slack via Socket Mode and processes events.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx, b.socketClient.Events)
	log.Println("[slack] connecting via Socket Mode...")
	return b.socketClient.RunContext(ctx)
}

// RunCommand handles text as if the operator had sent it to chatID.
func (b *Bot) RunCommand(ctx context.Context, chatID, text string) error {
	return b.handler.HandleMessage(ctx, b, chatID, text)
}

func (b *Bot) eventLoop(ctx context.Context, events <-chan socketmode.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		log.Println("[slack] connecting...")
	case socketmode.EventTypeConnected:
		log.Println("[slack] connected")
	case socketmode.EventTypeConnectionError:
		log.Println("[slack] connection error, will retry...")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.ack(*evt.Request)
		}
		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			b.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		if evt.Request != nil {
			b.ack(*evt.Request)
		}
	}
}

func (b *Bot) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		b.dispatch(ctx, ev.Channel, ev.User, ev.TimeStamp, ev.Text)
	case *slackevents.MessageEvent:
		// Channel messages arrive as app mentions; only direct conversations
		// are taken from plain message events.
		if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" {
			return
		}
		b.dispatch(ctx, ev.Channel, ev.User, ev.TimeStamp, ev.Text)
	}
}

func (b *Bot) dispatch(ctx context.Context, chatID, user, ts, text string) {
	if ok, _ := b.seen.ContainsOrAdd(chatID+"/"+ts, struct{}{}); ok {
		return
	}
	if b.allowedUser != "" && user != b.allowedUser {
		log.Printf("[slack] ignoring message from %s in %s", user, chatID)
		return
	}
	text = strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
	if text == "" {
		return
	}
	if err := b.handler.HandleMessage(ctx, b, chatID, text); err != nil {
		log.Printf("[slack] chat %s: %v", chatID, err)
	}
}

// Send posts text to the conversation chatID and returns the message timestamp.
func (b *Bot) Send(ctx context.Context, chatID, text string) (string, error) {
	var ts string
	err := b.retry(ctx, func() error {
		var postErr error
		_, ts, postErr = b.api.PostMessageContext(ctx, chatID,
			slack.MsgOptionText(text, false),
			slack.MsgOptionDisableLinkUnfurl(),
		)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("posting Slack message: %w", err)
	}
	return ts, nil
}

// Edit replaces the text of the message with timestamp messageID.
func (b *Bot) Edit(ctx context.Context, chatID, messageID, text string) error {
	err := b.retry(ctx, func() error {
		_, _, _, updErr := b.api.UpdateMessageContext(ctx, chatID, messageID,
			slack.MsgOptionText(text, false),
		)
		return updErr
	})
	if err != nil {
		return fmt.Errorf("updating Slack message: %w", err)
	}
	return nil
}

func (b *Bot) retry(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var rl *slack.RateLimitedError
		if !errors.As(err, &rl) {
			return backoff.Permanent(err)
		}
		if rl.RetryAfter > 0 {
			timer := time.NewTimer(rl.RetryAfter)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-timer.C:
			}
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b.retryPolicy(), ctx))
}
