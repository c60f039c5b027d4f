// Package engine routes chat commands to the session store, the task
// controller and the task bodies. It depends only on interfaces (gitprovider,
// store, eventbus, channel) so transports and tests can swap them freely.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/janitor/internal/metrics"
	"github.com/jxucoder/janitor/pkg/channel"
	"github.com/jxucoder/janitor/pkg/dispatcher"
	"github.com/jxucoder/janitor/pkg/eventbus"
	"github.com/jxucoder/janitor/pkg/gitprovider"
	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/patcher"
	"github.com/jxucoder/janitor/pkg/session"
	"github.com/jxucoder/janitor/pkg/store"
	"github.com/jxucoder/janitor/pkg/task"
)

// Config holds engine-specific configuration.
type Config struct {
	// ProgressInterval is the spinner refresh period of progress messages.
	ProgressInterval time.Duration
	// AutoPair pairs a chat on first contact instead of requiring PAIR.
	AutoPair bool
	// DefaultOwner is used by `USE REPO name` when no owner is given.
	DefaultOwner string
	// StepDelays are the two simulated analysis steps of DEBT and REPORT.
	StepDelays [2]time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepDelays == [2]time.Duration{} {
		c.StepDelays = [2]time.Duration{1500 * time.Millisecond, 1000 * time.Millisecond}
	}
	return c
}

// Proposer produces a patch proposal for one file.
type Proposer interface {
	ProposePatch(ctx context.Context, req patcher.Request) (*model.Proposal, error)
}

// Suggester maps unrecognized text to a suggested command.
type Suggester interface {
	Dispatch(ctx context.Context, ch dispatcher.ChannelType, text, repo string) (*dispatcher.Decision, error)
}

// Request is one inbound chat message.
type Request struct {
	ChatID string
	Text   string
	// Channel selects the suggester prompt for unrecognized text.
	Channel dispatcher.ChannelType
	// Messenger delivers replies and progress messages back to the chat.
	Messenger channel.Messenger
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithJournal records task lifecycle events in st.
func WithJournal(st store.EventStore) Option {
	return func(e *Engine) { e.store = st }
}

// WithBus publishes task lifecycle events on bus.
func WithBus(bus eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics counts commands and task outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSuggester enables command suggestions for unrecognized text.
func WithSuggester(s Suggester) Option {
	return func(e *Engine) { e.suggester = s }
}

// Engine handles chat commands and runs task bodies in the background.
type Engine struct {
	config    Config
	sessions  *session.Store
	tasks     *task.Controller
	git       gitprovider.Provider
	proposer  Proposer
	suggester Suggester
	store     store.EventStore
	bus       eventbus.Bus
	metrics   *metrics.Metrics

	newBranch func() string

	mu     sync.Mutex // guards ctx and cancel
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. Task bodies run under a background context until
// Start rebinds them to the caller's lifetime.
func New(cfg Config, sessions *session.Store, git gitprovider.Provider, proposer Proposer, opts ...Option) *Engine {
	e := &Engine{
		config:    cfg.withDefaults(),
		sessions:  sessions,
		tasks:     task.NewController(sessions),
		git:       git,
		proposer:  proposer,
		newBranch: func() string { return "janitor-" + uuid.NewString()[:8] },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start binds task bodies launched from now on to ctx and cancels the
// context of earlier ones. Call Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel()
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all running task bodies and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Wait blocks until every task body started so far has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Sessions returns the session store.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// Tasks returns the task controller.
func (e *Engine) Tasks() *task.Controller { return e.tasks }

// Handle processes one chat message. Replies go through req.Messenger; task
// commands return as soon as their body is scheduled.
func (e *Engine) Handle(ctx context.Context, req Request) error {
	cmd, parseErr := model.ParseCommand(req.Text)
	if cmd.Name != model.CmdUnknown {
		e.metrics.Command(string(cmd.Name))
	}

	if cmd.Name == model.CmdHelp {
		return e.reply(ctx, req, helpText)
	}

	sess := e.sessions.Get(req.ChatID)
	if !sess.Paired {
		switch {
		case cmd.Name == model.CmdPair:
			e.pair(req.ChatID)
			return e.reply(ctx, req, "✅ Paired. Next: `USE REPO owner/name`")
		case e.config.AutoPair:
			e.pair(req.ChatID)
			sess.Paired = true
		default:
			return e.reply(ctx, req, "🔐 Pairing required. Reply with: `PAIR`")
		}
	}

	if parseErr != nil {
		return e.reply(ctx, req, "Usage: "+usageText(parseErr))
	}

	switch cmd.Name {
	case model.CmdPair:
		return e.reply(ctx, req, "Already paired. Next: `USE REPO owner/name`")
	case model.CmdUnpair:
		return e.unpair(ctx, req)
	case model.CmdUseRepo:
		return e.useRepo(ctx, req, cmd)
	case model.CmdListRepos:
		return e.listRepos(ctx, req)
	}

	if sess.Repository == nil {
		return e.reply(ctx, req, "📌 Repo not set. Use: `USE REPO owner/name`")
	}
	repo := *sess.Repository

	switch cmd.Name {
	case model.CmdStop:
		return e.stop(ctx, req)
	case model.CmdCancel:
		return e.cancelTask(ctx, req)
	case model.CmdEdit:
		return e.edit(ctx, req, cmd.Text)
	case model.CmdResume:
		return e.resume(ctx, req, repo)
	case model.CmdPlan:
		return e.reply(ctx, req, e.planText(req.ChatID))
	case model.CmdStatus:
		return e.status(ctx, req, repo)
	case model.CmdFile:
		return e.file(ctx, req, repo, cmd.Path)
	case model.CmdFind:
		return e.find(ctx, req, repo, cmd.Path)
	case model.CmdPRs:
		return e.listChangeRequests(ctx, req, repo)
	case model.CmdClosePR:
		return e.closeChangeRequest(ctx, req, repo, cmd.Number)
	case model.CmdComment:
		return e.comment(ctx, req, repo, cmd.Number, cmd.Text)
	}

	if cmd.Name.IsTask() {
		return e.startTask(ctx, req, repo, cmd)
	}
	return e.unknown(ctx, req, repo)
}

// ForChannel adapts the engine to a transport of the given type.
func (e *Engine) ForChannel(ch dispatcher.ChannelType) channel.Handler {
	return channelHandler{engine: e, channel: ch}
}

type channelHandler struct {
	engine  *Engine
	channel dispatcher.ChannelType
}

func (h channelHandler) HandleMessage(ctx context.Context, m channel.Messenger, chatID, text string) error {
	return h.engine.Handle(ctx, Request{ChatID: chatID, Text: text, Channel: h.channel, Messenger: m})
}

func (e *Engine) pair(chatID string) {
	e.sessions.SetPaired(chatID, true)
	e.emitEvent(chatID, "", model.EventPaired, "")
}

func (e *Engine) unpair(ctx context.Context, req Request) error {
	e.sessions.Update(req.ChatID, func(sess *model.Session) {
		sess.Paired = false
		sess.Pending = nil
		sess.Task = nil
	})
	e.emitEvent(req.ChatID, "", model.EventUnpaired, "")
	return e.reply(ctx, req, "🔒 Unpaired. Reply `PAIR` to re-enable this chat.")
}

func (e *Engine) unknown(ctx context.Context, req Request, repo model.Repository) error {
	text := "Unknown command.\n\n" + helpText
	if e.suggester != nil && strings.TrimSpace(req.Text) != "" {
		dec, err := e.suggester.Dispatch(ctx, req.Channel, req.Text, repo.FullName())
		switch {
		case err != nil:
			log.Printf("[engine] chat %s: suggestion failed: %v", req.ChatID, err)
		case dec.Action == dispatcher.ActionCommand:
			text = fmt.Sprintf("💡 Did you mean `%s`?\n\n%s", dec.Command, helpText)
		case dec.Action == dispatcher.ActionReply && dec.Reply != "":
			text = dec.Reply + "\n\n" + helpText
		}
	}
	return e.reply(ctx, req, text)
}

func (e *Engine) reply(ctx context.Context, req Request, text string) error {
	if _, err := req.Messenger.Send(ctx, req.ChatID, text); err != nil {
		log.Printf("[engine] chat %s: reply failed: %v", req.ChatID, err)
		return fmt.Errorf("sending reply: %w", err)
	}
	return nil
}

func (e *Engine) emitEvent(chatID, taskID, eventType, data string) {
	event := &model.Event{
		ChatID:    chatID,
		TaskID:    taskID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.AddEvent(event); err != nil {
			log.Printf("[engine] chat %s: error recording %s event: %v", chatID, eventType, err)
		}
	}
	if e.bus != nil {
		e.bus.Publish(chatID, event)
	}
}

func usageText(err error) string {
	if ue, ok := err.(*model.UsageError); ok {
		return ue.Usage
	}
	return err.Error()
}
