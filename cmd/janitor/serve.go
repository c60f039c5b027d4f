package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/janitor"
	"github.com/jxucoder/janitor/internal/config"
	"github.com/jxucoder/janitor/internal/engine"
	"github.com/jxucoder/janitor/pkg/channel/telegram"
	"github.com/jxucoder/janitor/pkg/dispatcher"
	"github.com/jxucoder/janitor/pkg/gitprovider/github"
	"github.com/jxucoder/janitor/pkg/llm"
	"github.com/jxucoder/janitor/pkg/llm/anthropic"
	"github.com/jxucoder/janitor/pkg/llm/openai"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Janitor server",
	Long: `Start the configured chat channels, the job scheduler and the HTTP API.
Configuration comes from ~/.janitor/config.env and the environment.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w\nRun `janitor config setup` first", err)
	}

	router, err := llmRouter(cfg)
	if err != nil {
		return err
	}

	b := janitor.NewBuilder().
		WithConfig(janitor.Config{
			ServerAddr:    cfg.ServerAddr,
			DataDir:       cfg.DataDir,
			DatabasePath:  cfg.DatabasePath,
			JobsDir:       cfg.JobsDir,
			WebhookSecret: cfg.GitHubWebhookSecret,
			Engine: engine.Config{
				ProgressInterval: cfg.ProgressInterval,
				AutoPair:         cfg.AutoPair,
				DefaultOwner:     cfg.DefaultOwner,
			},
		}).
		WithGitProvider(github.New(cfg.GitHubToken)).
		WithLLM(router)

	if cfg.TelegramEnabled() {
		b.WithChannel(dispatcher.ChannelTelegram, janitor.TelegramChannel(cfg.TelegramBotToken, telegram.Options{
			AdminID:     cfg.TelegramAdminID,
			AllowGroups: cfg.AllowGroups,
		}))
	}
	if cfg.SlackEnabled() {
		b.WithChannel(dispatcher.ChannelSlack, janitor.SlackChannel(cfg.SlackBotToken, cfg.SlackAppToken, cfg.SlackAdminID))
	}
	if !cfg.TelegramEnabled() && !cfg.SlackEnabled() {
		log.Println("[janitor] no chat channel configured; only the HTTP API will run")
	}

	app, err := b.Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Start(ctx)
}

// llmRouter builds the model router from the configured provider keys.
// Anthropic wins over OpenAI, which wins over OpenRouter.
func llmRouter(cfg *config.Config) (*llm.Router, error) {
	newClient := func(model string) llm.Client {
		var c llm.Client
		switch {
		case cfg.AnthropicAPIKey != "":
			c = anthropic.New(cfg.AnthropicAPIKey, model)
		case cfg.OpenAIAPIKey != "":
			c = openai.New(cfg.OpenAIAPIKey, model)
		case cfg.OpenRouterAPIKey != "":
			c = openai.NewOpenRouter(cfg.OpenRouterAPIKey, model)
		default:
			return nil
		}
		return llm.NewRateLimited(c, cfg.LLMRequestsPerSecond, 1)
	}

	def := newClient(cfg.LLMModel)
	if def == nil {
		return nil, errors.New("no LLM API key configured")
	}
	router := llm.NewRouter(def)
	if cfg.CodeModel != "" {
		router.With(llm.RoleCode, newClient(cfg.CodeModel))
	}
	return router, nil
}
