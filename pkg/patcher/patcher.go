// Package patcher asks a model for a minimal-risk rewrite of one file and
// parses the answer into a change proposal.
package patcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/jxucoder/janitor/pkg/llm"
	"github.com/jxucoder/janitor/pkg/model"
)

var (
	// ErrInvalidOutput is returned when the model answer is not a proposal.
	ErrInvalidOutput = errors.New("LLM did not return valid JSON")
	// ErrNoChanges is returned when the proposal lists no file changes.
	ErrNoChanges = errors.New("LLM returned no changes")
)

// rawClip bounds how much of a bad answer is echoed back to the operator.
const rawClip = 2000

// DefaultSystemPrompt instructs the model to answer with a JSON proposal.
const DefaultSystemPrompt = `You are "Software Janitor" (single-admin automation).
Rules:
- Propose minimal-risk changes.
- Do NOT change external behavior unless the goal explicitly requires it.
- Prefer small refactors, null guards, error handling, typing improvements.
- Output MUST be valid JSON with keys: summary, changes[].
- Each change: { "path": "...", "message": "...", "content": "FULL_NEW_FILE_CONTENT" }.
No markdown. No extra keys.`

// Request describes the file to improve.
type Request struct {
	Repository     string
	Path           string
	CurrentContent string
	Goal           string
}

// Proposer turns a Request into a model.Proposal.
type Proposer struct {
	llm          llm.Client
	systemPrompt string
}

// New creates a proposer. Pass an empty systemPrompt to use the default.
func New(client llm.Client, systemPrompt string) *Proposer {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Proposer{llm: client, systemPrompt: systemPrompt}
}

// ProposePatch asks the model for a proposal. Model errors, unparseable output
// and empty change lists are returned as errors whose text is fit for the operator.
func (p *Proposer) ProposePatch(ctx context.Context, req Request) (*model.Proposal, error) {
	user := fmt.Sprintf("Repo: %s\nTarget file: %s\nGoal: %s\n\nCURRENT FILE CONTENT:\n<<<\n%s\n>>>",
		req.Repository, req.Path, req.Goal, req.CurrentContent)

	raw, err := p.llm.Complete(ctx, p.systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("proposing patch: %w", err)
	}

	proposal, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	for i := range proposal.Changes {
		c := &proposal.Changes[i]
		if c.Path == "" {
			c.Path = req.Path
		}
		if c.Message == "" {
			c.Message = fmt.Sprintf("chore(janitor): update %s", c.Path)
		}
	}
	return proposal, nil
}

// Parse decodes a model answer. Markdown fences and surrounding prose are
// tolerated, and slightly malformed JSON is repaired before giving up.
func Parse(raw string) (*model.Proposal, error) {
	body := extractObject(raw)
	if body == "" {
		return nil, fmt.Errorf("%w. Raw:\n%s", ErrInvalidOutput, model.Clip(raw, rawClip, ""))
	}

	var proposal model.Proposal
	if err := json.Unmarshal([]byte(body), &proposal); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(body)
		if repairErr != nil {
			return nil, fmt.Errorf("%w. Raw:\n%s", ErrInvalidOutput, model.Clip(raw, rawClip, ""))
		}
		if err := json.Unmarshal([]byte(repaired), &proposal); err != nil {
			return nil, fmt.Errorf("%w. Raw:\n%s", ErrInvalidOutput, model.Clip(raw, rawClip, ""))
		}
		log.Printf("[patcher] repaired malformed model JSON")
	}

	changes := proposal.Changes[:0]
	for _, c := range proposal.Changes {
		if c.Path != "" || c.Content != "" {
			changes = append(changes, c)
		}
	}
	proposal.Changes = changes
	if len(proposal.Changes) == 0 {
		return nil, fmt.Errorf("%w. Raw:\n%s", ErrNoChanges, model.Clip(raw, rawClip, ""))
	}
	return &proposal, nil
}

// extractObject strips a markdown fence and returns the outermost {...} span.
func extractObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
