// Package dispatcher maps free-form chat text to a Janitor command using a
// lightweight LLM. It only suggests; the operator still sends the command.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jxucoder/janitor/pkg/model"
)

// LLM is a minimal interface for the dispatcher's routing decisions.
// Implementations call a lightweight model (e.g. Haiku, GPT-4o-mini).
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Actions a Decision can carry.
const (
	ActionCommand = "command"
	ActionReply   = "reply"
	ActionIgnore  = "ignore"
)

// Decision is the structured output from the dispatcher.
type Decision struct {
	Action  string `json:"action"`
	Command string `json:"command,omitempty"`
	Reply   string `json:"reply,omitempty"`
}

// ChannelType identifies the source channel for system prompt selection.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelTelegram ChannelType = "telegram"
	ChannelGeneric  ChannelType = "generic"
)

// Dispatcher routes incoming text using an LLM.
type Dispatcher struct {
	llm     LLM
	prompts map[ChannelType]string
}

// New creates a new Dispatcher with the given LLM client.
func New(llm LLM) *Dispatcher {
	return &Dispatcher{
		llm:     llm,
		prompts: defaultPrompts(),
	}
}

// SetPrompt overrides the system prompt for a specific channel type.
func (d *Dispatcher) SetPrompt(ch ChannelType, prompt string) {
	d.prompts[ch] = prompt
}

// Dispatch evaluates text and returns a routing decision. A suggested command
// that does not parse is downgraded to ignore.
func (d *Dispatcher) Dispatch(ctx context.Context, channel ChannelType, text, repo string) (*Decision, error) {
	prompt, ok := d.prompts[channel]
	if !ok {
		prompt = d.prompts[ChannelGeneric]
	}

	event := text
	if repo != "" {
		event = fmt.Sprintf("Scoped repository: %s\nMessage: %s", repo, text)
	}

	response, err := d.llm.Complete(ctx, prompt, event)
	if err != nil {
		return nil, fmt.Errorf("dispatcher LLM call failed: %w", err)
	}

	decision, err := parseDecision(response)
	if err != nil {
		return &Decision{Action: ActionIgnore}, nil
	}

	if decision.Action == ActionCommand {
		cmd, err := model.ParseCommand(decision.Command)
		if err != nil || cmd.Name == model.CmdUnknown {
			return &Decision{Action: ActionIgnore}, nil
		}
		decision.Command = cmd.Line()
	}
	return decision, nil
}

func parseDecision(response string) (*Decision, error) {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		if idx := strings.Index(response, "\n"); idx >= 0 {
			response = response[idx+1:]
		}
		if idx := strings.LastIndex(response, "```"); idx >= 0 {
			response = response[:idx]
		}
		response = strings.TrimSpace(response)
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	response = response[start : end+1]

	var d Decision
	if err := json.Unmarshal([]byte(response), &d); err != nil {
		return nil, fmt.Errorf("parsing decision JSON: %w", err)
	}

	switch d.Action {
	case ActionCommand, ActionReply, ActionIgnore:
	default:
		d.Action = ActionIgnore
	}

	return &d, nil
}

func defaultPrompts() map[ChannelType]string {
	base := `You are the command router of Software Janitor, a repository maintenance bot.

You receive free-form messages from %s that are not valid commands. Decide:
- "command": the operator meant one of the commands below (provide the exact command line)
- "reply": a short answer is better than a command (provide reply text)
- "ignore": nothing useful to suggest

Commands:
CI | SCAN | DEBT | REPORT | STATUS | PLAN | PRS | LISTREPOS
FILE <path> | FIND <file name> | FIX <path> | <goal>
APPROVE:PR <branch> | CLOSE:PR <number> | COMMENT <number> <text>
USE REPO <owner/name> | STOP | CANCEL | EDIT <approach> | RESUME

Return ONLY a JSON object:
{"action": "command"|"reply"|"ignore", "command": "CI", "reply": "text"}

Rules:
- Never invent file paths or branch names that are not in the message
- Prefer read-only commands when unsure
- For "reply", keep it under two sentences`

	return map[ChannelType]string{
		ChannelSlack:    fmt.Sprintf(base, "Slack"),
		ChannelTelegram: fmt.Sprintf(base, "Telegram"),
		ChannelGeneric:  fmt.Sprintf(base, "a chat"),
	}
}
