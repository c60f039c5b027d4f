// Package janitor is the top-level entry point for the Janitor chat agent.
//
// Use the Builder to compose an application:
//
//	app, err := janitor.NewBuilder().
//	    WithGitProvider(github.New(token)).
//	    WithLLM(llm.NewRouter(client)).
//	    WithChannel(dispatcher.ChannelTelegram, janitor.TelegramChannel(botToken, telegram.Options{})).
//	    Build()
//	app.Start(ctx)
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/janitor/internal/engine"
	"github.com/jxucoder/janitor/internal/httpapi"
	"github.com/jxucoder/janitor/internal/metrics"
	"github.com/jxucoder/janitor/pkg/channel"
	"github.com/jxucoder/janitor/pkg/channel/slack"
	"github.com/jxucoder/janitor/pkg/channel/telegram"
	"github.com/jxucoder/janitor/pkg/dispatcher"
	"github.com/jxucoder/janitor/pkg/eventbus"
	"github.com/jxucoder/janitor/pkg/gitprovider"
	"github.com/jxucoder/janitor/pkg/llm"
	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/patcher"
	"github.com/jxucoder/janitor/pkg/scheduler"
	"github.com/jxucoder/janitor/pkg/session"
	"github.com/jxucoder/janitor/pkg/store"
	sqliteStore "github.com/jxucoder/janitor/pkg/store/sqlite"
)

// Config holds top-level configuration for a Janitor application.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (default ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (default "~/.janitor").
	DataDir string

	// DatabasePath is the full path to the SQLite event journal.
	DatabasePath string

	// JobsDir holds scheduled job files (default "<DataDir>/jobs").
	JobsDir string

	// WebhookSecret enables the GitHub webhook endpoint when set.
	WebhookSecret string

	// Engine configures command handling and progress reporting.
	Engine engine.Config
}

// ChannelFactory creates a transport that feeds inbound messages to h.
type ChannelFactory func(h channel.Handler) (channel.Channel, error)

type channelEntry struct {
	kind    dispatcher.ChannelType
	factory ChannelFactory
}

// Builder constructs a Janitor App.
type Builder struct {
	config   Config
	journal  store.EventStore
	bus      eventbus.Bus
	git      gitprovider.Provider
	router   *llm.Router
	channels []channelEntry
}

// NewBuilder creates a new Builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithJournal sets the event journal implementation.
func (b *Builder) WithJournal(s store.EventStore) *Builder {
	b.journal = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithGitProvider sets the code host implementation.
func (b *Builder) WithGitProvider(g gitprovider.Provider) *Builder {
	b.git = g
	return b
}

// WithLLM sets the model router. FIX proposals use its code client and
// command suggestions use its default client.
func (b *Builder) WithLLM(r *llm.Router) *Builder {
	b.router = r
	return b
}

// WithChannel adds a transport. kind selects the suggestion prompt.
func (b *Builder) WithChannel(kind dispatcher.ChannelType, f ChannelFactory) *Builder {
	b.channels = append(b.channels, channelEntry{kind: kind, factory: f})
	return b
}

// TelegramChannel returns a factory for the Telegram long-polling bot.
func TelegramChannel(token string, opts telegram.Options) ChannelFactory {
	return func(h channel.Handler) (channel.Channel, error) {
		bot, err := telegram.NewBot(token, h, opts)
		if err != nil {
			return nil, err
		}
		return bot, nil
	}
}

// SlackChannel returns a factory for the Slack Socket Mode bot.
func SlackChannel(botToken, appToken, adminID string) ChannelFactory {
	return func(h channel.Handler) (channel.Channel, error) {
		return slack.NewBot(botToken, appToken, adminID, h), nil
	}
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	if b.git == nil {
		return nil, errors.New("a git provider is required (set GITHUB_TOKEN)")
	}
	if b.router == nil {
		return nil, errors.New("an LLM client is required")
	}

	sessions := session.NewStore()
	m := metrics.New()
	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus(eventbus.WithDropHandler(func(_ string, ev *model.Event) {
			m.EventDropped(ev.Type)
		}))
	}

	eng := engine.New(b.config.Engine, sessions, b.git,
		patcher.New(b.router.ForTask("FIX"), ""),
		engine.WithJournal(b.journal),
		engine.WithBus(b.bus),
		engine.WithMetrics(m),
		engine.WithSuggester(dispatcher.New(b.router.For(llm.RoleDefault))),
	)

	app := &App{
		config:  b.config,
		engine:  eng,
		journal: b.journal,
		server:  httpapi.New(sessions, b.journal, b.bus, m, httpapi.WithWebhookSecret(b.config.WebhookSecret)),
	}

	runners := make(map[string]channel.CommandRunner)
	for _, entry := range b.channels {
		ch, err := entry.factory(eng.ForChannel(entry.kind))
		if err != nil {
			return nil, fmt.Errorf("creating %s channel: %w", entry.kind, err)
		}
		app.channels = append(app.channels, ch)
		if r, ok := ch.(channel.CommandRunner); ok {
			runners[ch.Name()] = r
		}
	}

	jobs, err := scheduler.LoadJobs(b.config.JobsDir)
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}
	app.scheduler = scheduler.New(runners)
	for _, j := range jobs {
		if err := app.scheduler.Add(j); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// App is a running Janitor application.
type App struct {
	config    Config
	engine    *engine.Engine
	journal   store.EventStore
	server    *httpapi.Server
	scheduler *scheduler.Scheduler
	channels  []channel.Channel
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Start runs the channels, the scheduler and the HTTP server. Blocks until
// ctx is done or the HTTP server fails.
func (a *App) Start(ctx context.Context) error {
	a.engine.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range a.channels {
		g.Go(func() error {
			if err := ch.Run(gctx); err != nil && gctx.Err() == nil {
				log.Printf("[janitor] %s channel error: %v", ch.Name(), err)
			}
			return nil
		})
	}
	a.scheduler.Start(gctx)
	g.Go(func() error {
		return a.server.Start(gctx, a.config.ServerAddr)
	})

	err := g.Wait()
	a.scheduler.Stop()
	a.engine.Stop()
	if cerr := a.journal.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing journal: %w", cerr)
	}
	return err
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing fields on the builder with sensible defaults.
func applyDefaults(b *Builder) error {
	if b.config.ServerAddr == "" {
		b.config.ServerAddr = ":7080"
	}
	if b.config.DataDir == "" {
		b.config.DataDir = defaultDataDir()
	}
	if b.config.DatabasePath == "" {
		b.config.DatabasePath = filepath.Join(b.config.DataDir, "janitor.db")
	}
	if b.config.JobsDir == "" {
		b.config.JobsDir = filepath.Join(b.config.DataDir, "jobs")
	}
	if b.config.Engine.ProgressInterval == 0 {
		b.config.Engine.ProgressInterval = 1200 * time.Millisecond
	}

	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if b.journal == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing journal: %w", err)
		}
		b.journal = st
	}

	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".janitor"
	}
	return filepath.Join(home, ".janitor")
}
