package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jxucoder/janitor/pkg/gitprovider"
	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/patcher"
	"github.com/jxucoder/janitor/pkg/pipeline"
	"github.com/jxucoder/janitor/pkg/progress"
)

// errPrecondition carries an operator-facing refusal to start a task.
type errPrecondition string

func (e errPrecondition) Error() string { return string(e) }

// startTask launches a fresh task command. A running task is a conflict; a
// stopped one is replaced.
func (e *Engine) startTask(ctx context.Context, req Request, repo model.Repository, cmd model.Command) error {
	if cmd.Name == model.CmdApprove {
		if err := e.tasks.AssertNotStopped(req.ChatID); err != nil {
			return e.reply(ctx, req, "⏸ Task is stopped. Send `RESUME` or `CANCEL` before approving PR.")
		}
	}

	// An edit queued on a stopped run of the same command still applies.
	approach := ""
	if prev, ok := e.tasks.Get(req.ChatID); ok && prev.Status == model.TaskStopped && prev.Name == string(cmd.Name) {
		approach = prev.Approach()
	}

	seq, err := e.sequence(req.ChatID, repo, cmd, approach)
	if err != nil {
		return e.reply(ctx, req, err.Error())
	}

	t, ok := e.tasks.TryStart(req.ChatID, string(cmd.Name), model.TaskInput{RawArgs: cmd.Args, Approach: approach})
	if !ok {
		return e.reply(ctx, req, fmt.Sprintf("⏳ `%s` is still running. Send `STOP` first, or wait for it to finish.", t.Name))
	}
	e.launch(req, t, seq)
	return nil
}

// launch runs seq for t in the background under the engine's context.
func (e *Engine) launch(req Request, t model.Task, seq pipeline.Sequence) {
	tok := e.tasks.Token(req.ChatID, t.ID)
	rep := progress.New(req.ChatID, req.Messenger,
		progress.WithInterval(e.config.ProgressInterval),
		progress.WithRefreshErrorHandler(func(err error) {
			log.Printf("[engine] chat %s: progress refresh failed: %v", req.ChatID, err)
		}),
	)
	seq.OnPhase = func(_ int, p pipeline.Phase) {
		data := p.Description
		if p.Percent != pipeline.NoPercent {
			data = fmt.Sprintf("%d%% %s", p.Percent, p.Description)
		}
		e.emitEvent(req.ChatID, t.ID, model.EventTaskPhase, data)
	}

	e.emitEvent(req.ChatID, t.ID, model.EventTaskStarted, model.Command{Name: model.CommandName(t.Name), Args: t.Input.RawArgs}.Line())
	e.metrics.TaskStarted(t.Name)
	start := time.Now()

	ctx := e.runContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := pipeline.Run(ctx, seq, tok, rep)
		e.metrics.TaskFinished(t.Name, res.Outcome.String(), start)

		switch res.Outcome {
		case pipeline.OutcomeDone:
			e.emitEvent(req.ChatID, t.ID, model.EventTaskDone, model.Truncate(res.Summary, 200))
		case pipeline.OutcomeFailed:
			log.Printf("[engine] chat %s: task %s failed: %v", req.ChatID, t.ID, res.Err)
			e.emitEvent(req.ChatID, t.ID, model.EventTaskFailed, res.Err.Error())
		case pipeline.OutcomeStopped:
			e.emitEvent(req.ChatID, t.ID, model.EventTaskStopped, "halted at checkpoint")
		}
	}()
}

// sequence builds the body of a task command.
func (e *Engine) sequence(chatID string, repo model.Repository, cmd model.Command, approach string) (pipeline.Sequence, error) {
	switch cmd.Name {
	case model.CmdCI:
		return e.ciSequence(repo), nil
	case model.CmdScan:
		return e.scanSequence(repo), nil
	case model.CmdDebt, model.CmdReport:
		return e.analysisSequence(repo, string(cmd.Name)), nil
	case model.CmdFix:
		return e.fixSequence(repo, cmd.Path, cmd.Goal, approach), nil
	case model.CmdApprove:
		pending := e.sessions.Get(chatID).Pending
		if pending == nil {
			return pipeline.Sequence{}, errPrecondition("No pending PR. Run `FIX path | goal` first.")
		}
		if pending.Branch != cmd.Branch {
			return pipeline.Sequence{}, errPrecondition(fmt.Sprintf("Pending branch is `%s`. Approve with that branch name.", pending.Branch))
		}
		return e.approveSequence(repo, pending), nil
	}
	return pipeline.Sequence{}, fmt.Errorf("`%s` is not a task", cmd.Name)
}

func (e *Engine) ciSequence(repo model.Repository) pipeline.Sequence {
	var runs []gitprovider.PipelineRun
	return pipeline.Sequence{
		Title: "CI Status: " + repo.FullName(),
		Phases: []pipeline.Phase{{
			Description: "Fetching recent workflow runs…",
			Percent:     50,
			Run: func(ctx context.Context) error {
				var err error
				runs, err = e.git.ListRecentPipelineRuns(ctx, repo.FullName(), 5)
				return err
			},
		}},
		Summary: func() string { return renderRuns(runs) },
	}
}

func renderRuns(runs []gitprovider.PipelineRun) string {
	if len(runs) == 0 {
		return "No recent workflow runs found."
	}
	lines := make([]string, 0, len(runs))
	for _, r := range runs {
		icon := "⏳"
		switch r.Conclusion {
		case "success":
			icon = "✅"
		case "failure":
			icon = "❌"
		}
		conclusion := r.Conclusion
		if conclusion == "" {
			conclusion = "—"
		}
		lines = append(lines, fmt.Sprintf("%s %s/%s — %s\n  [View Run](%s)", icon, r.Status, conclusion, r.Name, r.URL))
	}
	return "*Recent CI Runs*\n\n" + strings.Join(lines, "\n\n")
}

func (e *Engine) scanSequence(repo model.Repository) pipeline.Sequence {
	var (
		info  *gitprovider.RepoInfo
		prs   []gitprovider.ChangeRequest
		todos []gitprovider.CodeMatch
	)
	full := repo.FullName()
	return pipeline.Sequence{
		Title: "SCAN: " + full,
		Phases: []pipeline.Phase{
			{
				Description: "Initializing static analysis…",
				Percent:     20,
				Run: func(ctx context.Context) error {
					var err error
					info, err = e.git.GetRepository(ctx, full)
					return err
				},
			},
			{
				Description: "Auditing open pull requests…",
				Percent:     50,
				Run: func(ctx context.Context) error {
					var err error
					prs, err = e.git.ListOpenChangeRequests(ctx, full, 20)
					return err
				},
			},
			{
				Description: "Scanning for TODO and FIXME markers…",
				Percent:     80,
				Run: func(ctx context.Context) error {
					var err error
					todos, err = e.git.SearchCode(ctx, "TODO repo:"+full, 10)
					return err
				},
			},
		},
		Summary: func() string {
			var b strings.Builder
			fmt.Fprintf(&b, "Scan completed for repository: *%s*\n", full)
			fmt.Fprintf(&b, "- Stars: %d, Forks: %d, Open issues: %d\n", info.Stars, info.Forks, info.OpenIssues)
			fmt.Fprintf(&b, "- Open PRs: %d\n", len(prs))
			for _, pr := range first(prs, 5) {
				fmt.Fprintf(&b, "  #%d %s\n", pr.Number, pr.Title)
			}
			fmt.Fprintf(&b, "- Files with TODO markers: %d\n", len(todos))
			for _, m := range first(todos, 5) {
				fmt.Fprintf(&b, "  `%s`\n", m.Path)
			}
			if len(todos) == 0 {
				b.WriteString("\nNo critical issues found.")
			}
			return strings.TrimRight(b.String(), "\n")
		},
	}
}

func first[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// analysisSequence is the DEBT and REPORT body: two timed analysis steps.
func (e *Engine) analysisSequence(repo model.Repository, name string) pipeline.Sequence {
	return pipeline.Sequence{
		Title: name + ": " + repo.FullName(),
		Phases: []pipeline.Phase{
			{Description: "Step 1/2: Analyzing…", Percent: 30, Run: sleepPhase(e.config.StepDelays[0])},
			{Description: "Step 2/2: Finalizing results…", Percent: 70, Run: sleepPhase(e.config.StepDelays[1])},
		},
		Summary: func() string { return fmt.Sprintf("Janitor %s complete. Clean state.", name) },
	}
}

func sleepPhase(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// fixSequence reads one file, asks for a patch and stages it as the chat's
// pending change set when the run completes.
func (e *Engine) fixSequence(repo model.Repository, path, goal, approach string) pipeline.Sequence {
	var (
		current  *gitprovider.File
		proposal *model.Proposal
		pending  *model.PendingChangeSet
	)
	full := repo.FullName()
	modelGoal := goal
	if approach != "" {
		modelGoal = fmt.Sprintf("%s (Note: %s)", goal, approach)
	}

	return pipeline.Sequence{
		Title: "FIX: " + path,
		Phases: []pipeline.Phase{
			{
				Description: "Reading target file…",
				Percent:     15,
				Run: func(ctx context.Context) error {
					var err error
					current, err = e.git.ReadFile(ctx, full, path, "")
					if errors.Is(err, gitprovider.ErrNotFound) {
						return fmt.Errorf("file `%s` not found in %s", path, full)
					}
					return err
				},
			},
			{
				Description: "Generating safe patch…",
				Percent:     45,
				Run: func(ctx context.Context) error {
					var err error
					proposal, err = e.proposer.ProposePatch(ctx, patcher.Request{
						Repository:     full,
						Path:           path,
						CurrentContent: current.Content,
						Goal:           modelGoal,
					})
					return err
				},
			},
			{
				Description: "Preparing PR proposal…",
				Percent:     85,
				Run: func(context.Context) error {
					pending = buildPending(e.newBranch(), goal, approach, proposal)
					return nil
				},
			},
		},
		Summary: func() string {
			var b strings.Builder
			b.WriteString("*Patch proposal ready.*\n\n*Planned changes:*\n")
			for _, c := range pending.Changes {
				fmt.Fprintf(&b, "- `%s` — %s\n", c.Path, c.Message)
			}
			fmt.Fprintf(&b, "\nTo create a PR, reply:\n`APPROVE:PR %s`", pending.Branch)
			return b.String()
		},
		Complete: func(sess *model.Session) {
			sess.Pending = pending.Clone()
		},
	}
}

func buildPending(branch, goal, approach string, p *model.Proposal) *model.PendingChangeSet {
	title := p.Summary
	if title == "" {
		title = "Janitor: " + goal
	}

	var b strings.Builder
	b.WriteString("Automated PR generated by Software Janitor (single-admin).\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if approach != "" {
		fmt.Fprintf(&b, "Adjusted Approach: %s\n", approach)
	}
	b.WriteString("\nChanges:\n")
	for _, c := range p.Changes {
		fmt.Fprintf(&b, "- %s: %s\n", c.Path, c.Message)
	}

	return &model.PendingChangeSet{
		Branch:  branch,
		Title:   title,
		Body:    strings.TrimRight(b.String(), "\n"),
		Changes: append([]model.FileChange(nil), p.Changes...),
	}
}

// approveSequence applies a pending change set: one phase per file so a stop
// lands between file writes.
func (e *Engine) approveSequence(repo model.Repository, pending *model.PendingChangeSet) pipeline.Sequence {
	full := repo.FullName()
	var (
		base string
		pr   *gitprovider.ChangeRequest
	)

	phases := []pipeline.Phase{{
		Description: "Creating branch…",
		Percent:     20,
		Run: func(ctx context.Context) error {
			var err error
			base, err = e.git.CreateBranch(ctx, full, pending.Branch)
			if errors.Is(err, gitprovider.ErrAlreadyExists) {
				// A restarted approval reuses the branch of the earlier run.
				return nil
			}
			return err
		},
	}}
	for i, c := range pending.Changes {
		phases = append(phases, pipeline.Phase{
			Description: fmt.Sprintf("Updating `%s`…", c.Path),
			Percent:     pipeline.ApprovePercent(i+1, len(pending.Changes)),
			Run: func(ctx context.Context) error {
				return e.git.WriteFile(ctx, full, c.Path, c.Content, c.Message, pending.Branch)
			},
		})
	}
	phases = append(phases, pipeline.Phase{
		Description: "Opening Pull Request…",
		Percent:     90,
		Run: func(ctx context.Context) error {
			var err error
			pr, err = e.git.OpenChangeRequest(ctx, full, gitprovider.PROptions{
				Branch: pending.Branch,
				Base:   base,
				Title:  pending.Title,
				Body:   pending.Body,
			})
			return err
		},
	})

	return pipeline.Sequence{
		Title:   "APPROVE:PR " + pending.Branch,
		Phases:  phases,
		Summary: func() string { return "PR opened: " + pr.URL },
		Complete: func(sess *model.Session) {
			if sess.Pending != nil && sess.Pending.Branch == pending.Branch {
				sess.Pending = nil
			}
		},
	}
}
