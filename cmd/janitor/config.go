package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/jxucoder/janitor/internal/config"
)

var (
	okMark    = color.New(color.FgHiGreen).Sprint("✓")
	warnMark  = color.New(color.FgHiYellow).Sprint("!")
	errorMark = color.New(color.FgHiRed).Sprint("✗")
	dim       = color.New(color.FgHiBlack).SprintFunc()
	bold      = color.New(color.Bold).SprintFunc()
)

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Janitor configuration",
	Long: `Manage Janitor configuration (tokens, API keys, etc.).

Configuration is stored in ~/.janitor/config.env and can be overridden
by environment variables.

  janitor config setup              Interactive setup wizard
  janitor config set KEY VALUE      Set a single config value
  janitor config show               Show current configuration
  janitor config path               Print config file path`,
}

var (
	setupNonInteractive bool
	setupGitHubToken    string
)

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Long: `Guided setup that walks you through configuring Janitor step by step.

Non-interactive mode for CI/scripting:
  janitor config setup --non-interactive --github-token=ghp_xxx`,
	RunE: runConfigSetup,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  janitor config set GITHUB_TOKEN ghp_xxxxxxxxxxxx`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.FilePath())
		return nil
	},
}

func init() {
	configSetupCmd.Flags().BoolVar(&setupNonInteractive, "non-interactive", false, "Run without prompts (requires --github-token)")
	configSetupCmd.Flags().StringVar(&setupGitHubToken, "github-token", "", "GitHub token (non-interactive mode)")

	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Setup wizard
// ---------------------------------------------------------------------------

// wizard holds shared state for the interactive setup.
type wizard struct {
	reader     *bufio.Reader
	out        io.Writer
	fileValues map[string]string
}

func (w *wizard) readLine(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	input, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && input != "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// askYesNo asks a yes/no question. defaultYes controls what Enter means.
func (w *wizard) askYesNo(prompt string, defaultYes bool) (bool, error) {
	hint := "[Y/n]"
	if !defaultYes {
		hint = "[y/N]"
	}
	input, err := w.readLine(fmt.Sprintf("  %s %s ", prompt, hint))
	if err != nil {
		return false, err
	}
	if input == "" {
		return defaultYes, nil
	}
	input = strings.ToLower(input)
	return input == "y" || input == "yes", nil
}

// askValue prompts for a single config value, validating its prefix.
func (w *wizard) askValue(name string) error {
	k, _ := config.FindKey(name)
	current := config.EffectiveValue(k.Name, w.fileValues)

	status := color.RedString("✗ not set")
	if current != "" {
		shown := current
		if k.Secret {
			shown = config.MaskSecret(current)
		}
		status = fmt.Sprintf("%s (%s)", color.GreenString("✓ set"), shown)
	}
	fmt.Fprintf(w.out, "  %s  %s\n  %s\n", bold(k.Name), status, dim(k.Desc))

	for {
		input, err := w.readLine("  Paste value (Enter to keep): ")
		if err != nil {
			return err
		}
		if input == "" {
			return nil
		}
		if k.Prefix != "" && !strings.HasPrefix(input, k.Prefix) {
			fmt.Fprintf(w.out, "  %s  Expected prefix %q. Try again or press Enter to skip.\n", warnMark, k.Prefix)
			continue
		}
		w.fileValues[k.Name] = input
		fmt.Fprintf(w.out, "  %s saved\n", okMark)
		return nil
	}
}

func runConfigSetup(cmd *cobra.Command, args []string) error {
	path := config.FilePath()
	fileValues, err := config.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	out := cmd.OutOrStdout()

	if setupNonInteractive {
		if setupGitHubToken == "" {
			return fmt.Errorf("--github-token is required in non-interactive mode")
		}
		fileValues["GITHUB_TOKEN"] = setupGitHubToken
		if err := config.WriteFile(path, fileValues); err != nil {
			return err
		}
		fmt.Fprintf(out, "Config written to %s\n", path)
		return nil
	}

	w := &wizard{reader: bufio.NewReader(cmd.InOrStdin()), out: out, fileValues: fileValues}

	fmt.Fprintf(out, "\n  %s\n  Press Enter at any prompt to keep the current value.\n\n", bold("Janitor Setup"))

	fmt.Fprintf(out, "  %s\n", bold("Step 1 of 4 — GitHub Token (required)"))
	fmt.Fprintln(out, "  Create one at https://github.com/settings/tokens with the repo scope.")
	for {
		if err := w.askValue("GITHUB_TOKEN"); err != nil {
			return err
		}
		if config.EffectiveValue("GITHUB_TOKEN", w.fileValues) != "" {
			break
		}
		fmt.Fprintf(out, "  %s  GitHub token is required. Paste your token or Ctrl+C to quit.\n", warnMark)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "  %s\n", bold("Step 2 of 4 — LLM API Key (at least one required)"))
	for _, name := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
		if err := w.askValue(name); err != nil {
			return err
		}
	}
	if !anySet(w.fileValues, "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY") {
		fmt.Fprintf(out, "  %s  No LLM key configured. FIX needs one.\n", warnMark)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "  %s\n", bold("Step 3 of 4 — Telegram Bot (optional)"))
	if ok, err := w.askYesNo("Set up Telegram?", false); err != nil {
		return err
	} else if ok {
		for _, name := range []string{"TELEGRAM_BOT_TOKEN", "TELEGRAM_ADMIN_ID"} {
			if err := w.askValue(name); err != nil {
				return err
			}
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "  %s\n", bold("Step 4 of 4 — Slack Bot (optional)"))
	if ok, err := w.askYesNo("Set up Slack?", false); err != nil {
		return err
	} else if ok {
		for _, name := range []string{"SLACK_BOT_TOKEN", "SLACK_APP_TOKEN", "SLACK_ADMIN_ID"} {
			if err := w.askValue(name); err != nil {
				return err
			}
		}
	}
	fmt.Fprintln(out)

	if err := config.WriteFile(path, w.fileValues); err != nil {
		return err
	}

	fmt.Fprintf(out, "  %s\n", bold("Configuration Summary"))
	summaryLine(out, "GitHub", anySet(w.fileValues, "GITHUB_TOKEN"))
	summaryLine(out, "LLM", anySet(w.fileValues, "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"))
	summaryLine(out, "Telegram", anySet(w.fileValues, "TELEGRAM_BOT_TOKEN"))
	summaryLine(out, "Slack", anySet(w.fileValues, "SLACK_BOT_TOKEN") && anySet(w.fileValues, "SLACK_APP_TOKEN"))
	fmt.Fprintf(out, "\n  Saved to %s\n  Next: janitor serve\n\n", path)
	return nil
}

func anySet(fileValues map[string]string, keys ...string) bool {
	for _, k := range keys {
		if config.EffectiveValue(k, fileValues) != "" {
			return true
		}
	}
	return false
}

func summaryLine(out io.Writer, label string, ok bool) {
	if ok {
		fmt.Fprintf(out, "  %s %-10s configured\n", okMark, label)
	} else {
		fmt.Fprintf(out, "  %s %-10s not configured\n", dim("-"), label)
	}
}

// ---------------------------------------------------------------------------
// config set / config show
// ---------------------------------------------------------------------------

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := strings.ToUpper(args[0]), args[1]
	path := config.FilePath()

	fileValues, err := config.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	k, known := config.FindKey(key)
	if !known {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s is not a known key; saving anyway\n", warnMark, key)
	}
	if k.Prefix != "" && value != "" && !strings.HasPrefix(value, k.Prefix) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s usually starts with %q\n", warnMark, key, k.Prefix)
	}

	fileValues[key] = value
	if err := config.WriteFile(path, fileValues); err != nil {
		return err
	}

	shown := value
	if k.Secret {
		shown = config.MaskSecret(value)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Set %s = %s\n", okMark, key, shown)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path := config.FilePath()
	fileValues, err := config.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config file: %s\n\n", path)
	renderConfigTable(out, fileValues)
	fmt.Fprintln(out, "\n  * = required")
	return nil
}

func renderConfigTable(out io.Writer, fileValues map[string]string) {
	table := newTable(out, []string{"Key", "Value", "Source"})
	for _, k := range config.Keys {
		value := config.EffectiveValue(k.Name, fileValues)
		source := ""
		switch {
		case os.Getenv(k.Name) != "":
			source = "env"
		case fileValues[k.Name] != "":
			source = "config file"
		}

		display := dim("(not set)")
		if value != "" {
			display = value
			if k.Secret {
				display = config.MaskSecret(value)
			}
		}

		name := k.Name
		if k.Required {
			name += " *"
			if value == "" {
				name = color.RedString(name)
			}
		}
		_ = table.Append([]string{name, display, source})
	}
	_ = table.Render()
}

// newTable creates a borderless left-aligned table.
func newTable(out io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "  ", Right: "  "}),
	)
	table.Header(headers)
	return table
}
