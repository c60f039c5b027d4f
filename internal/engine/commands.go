package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jxucoder/janitor/pkg/gitprovider"
	"github.com/jxucoder/janitor/pkg/model"
)

const fileClip = 3500

const helpText = `*Janitor commands*
` + "`PAIR`" + ` — enable this chat
` + "`USE REPO owner/name`" + ` — scope the chat to one repository
` + "`LISTREPOS`" + ` — repositories you can use
` + "`STATUS`" + ` / ` + "`PLAN`" + ` — where things stand
` + "`CI`" + ` — recent workflow runs
` + "`SCAN`" + ` / ` + "`DEBT`" + ` / ` + "`REPORT`" + ` — repository checks
` + "`FILE path`" + ` / ` + "`FIND name`" + ` — look at code
` + "`FIX path | goal`" + ` — propose a patch
` + "`APPROVE:PR branch`" + ` — open the proposed PR
` + "`PRS`" + ` / ` + "`CLOSE:PR n`" + ` / ` + "`COMMENT n text`" + ` — pull requests
` + "`STOP`" + ` / ` + "`CANCEL`" + ` / ` + "`EDIT text`" + ` / ` + "`RESUME`" + ` — task controls
` + "`UNPAIR`" + ` — disable this chat`

const controlsText = "*Controls:*\n`STOP` — pause at the next step\n`CANCEL` — drop task + clear pending PR\n`EDIT <new approach>` — queue updated plan\n`RESUME` — restart task from the beginning"

func (e *Engine) stop(ctx context.Context, req Request) error {
	if !e.tasks.Stop(req.ChatID) {
		return e.reply(ctx, req, "No running task to stop.")
	}
	t, _ := e.tasks.Get(req.ChatID)
	e.emitEvent(req.ChatID, t.ID, model.EventTaskStopped, "stop requested")
	return e.reply(ctx, req, "*⏸ Stop requested.*\nChoose one:\n`CANCEL` — drop task + clear pending PR\n`EDIT <new approach>` — queue updated plan\n`RESUME` — restart task from the beginning")
}

func (e *Engine) cancelTask(ctx context.Context, req Request) error {
	t, _ := e.tasks.Get(req.ChatID)
	if !e.tasks.Cancel(req.ChatID) {
		return e.reply(ctx, req, "No active task to cancel.")
	}
	e.emitEvent(req.ChatID, t.ID, model.EventTaskCancelled, t.Name)
	return e.reply(ctx, req, "🧯 Cancelled. What’s the plan?")
}

func (e *Engine) edit(ctx context.Context, req Request, approach string) error {
	if !e.tasks.Edit(req.ChatID, approach) {
		return e.reply(ctx, req, "No active task to edit. Start a task first.")
	}
	t, _ := e.tasks.Get(req.ChatID)
	e.emitEvent(req.ChatID, t.ID, model.EventTaskEdited, approach)
	return e.reply(ctx, req, fmt.Sprintf("📝 Noted. Updated approach queued:\n_%s_\n\nSend `RESUME` to restart with this plan.", approach))
}

// resume restarts a stopped task from the beginning by re-dispatching its
// original command, carrying the edited approach into the new run. The new
// instance is installed before anything else happens, so the interrupted
// body can never finish in its place.
func (e *Engine) resume(ctx context.Context, req Request, repo model.Repository) error {
	t, ok := e.tasks.Restart(req.ChatID)
	if !ok {
		return e.reply(ctx, req, "No stopped task to resume.")
	}
	e.emitEvent(req.ChatID, t.ID, model.EventTaskResumed, t.Approach())

	line := model.Command{Name: model.CommandName(t.Name), Args: t.Input.RawArgs}.Line()
	cmd, err := model.ParseCommand(line)
	if err != nil || !cmd.Name.IsTask() {
		e.tasks.Cancel(req.ChatID)
		return e.reply(ctx, req, fmt.Sprintf("Cannot restart `%s`. Task dropped.", line))
	}
	seq, err := e.sequence(req.ChatID, repo, cmd, t.Approach())
	if err != nil {
		e.tasks.Cancel(req.ChatID)
		return e.reply(ctx, req, err.Error())
	}

	if err := e.reply(ctx, req, "▶️ Resuming (restart from beginning)…"); err != nil {
		log.Printf("[engine] chat %s: resume reply failed: %v", req.ChatID, err)
	}
	e.launch(req, t, seq)
	return nil
}

func (e *Engine) planText(chatID string) string {
	sess := e.sessions.Get(chatID)
	var b strings.Builder
	b.WriteString("🧭 *PLAN*\n")
	b.WriteString("*Paired:* yes\n")
	fmt.Fprintf(&b, "*Repo:* %s\n", sess.Repository.FullName())
	if t := sess.Task; t != nil {
		fmt.Fprintf(&b, "*Task:* %s — _%s_\n", t.Name, t.Status)
		if approach := t.Approach(); approach != "" {
			fmt.Fprintf(&b, "*Queued edit:* _%s_\n", approach)
		}
	} else {
		b.WriteString("*Task:* none\n")
	}
	if p := sess.Pending; p != nil {
		fmt.Fprintf(&b, "*Pending PR:* `%s`\n*Title:* %s\n", p.Branch, p.Title)
	} else {
		b.WriteString("*Pending PR:* none\n")
	}
	b.WriteString("\n" + controlsText)
	return b.String()
}

func (e *Engine) status(ctx context.Context, req Request, repo model.Repository) error {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Scoped Repo: *%s*\nMode: PR-only\nPairing: ON", repo.FullName())
	if info, err := e.git.GetRepository(ctx, repo.FullName()); err == nil {
		fmt.Fprintf(&b, "\nStars: %d · Forks: %d", info.Stars, info.Forks)
	} else {
		log.Printf("[engine] chat %s: status lookup failed: %v", req.ChatID, err)
	}
	if p := e.sessions.Get(req.ChatID).Pending; p != nil {
		fmt.Fprintf(&b, "\nPending PR: `%s`", p.Branch)
	}
	return e.reply(ctx, req, b.String())
}

func (e *Engine) useRepo(ctx context.Context, req Request, cmd model.Command) error {
	owner := cmd.Owner
	if owner == "" {
		owner = e.config.DefaultOwner
	}
	if owner == "" {
		return e.reply(ctx, req, "Usage: `USE REPO owner/name`")
	}
	full := owner + "/" + cmd.Repo

	info, err := e.git.GetRepository(ctx, full)
	if err != nil {
		log.Printf("[engine] chat %s: binding %s failed: %v", req.ChatID, full, err)
		return e.reply(ctx, req, fmt.Sprintf("Failed to bind to repository: *%s*. Please ensure the repository exists and try again.", full))
	}
	if info.FullName != "" {
		if o, n, ok := strings.Cut(info.FullName, "/"); ok {
			owner, cmd.Repo = o, n
		}
	}

	// The running task and any proposal were made against the old binding.
	dropped, hadTask := e.tasks.Rebind(req.ChatID, owner, cmd.Repo)
	text := fmt.Sprintf("✅ Repo locked to *%s/%s*\nNow run: `STATUS`, `CI`, or `PLAN`", owner, cmd.Repo)
	if hadTask {
		e.emitEvent(req.ChatID, dropped.ID, model.EventTaskCancelled, dropped.Name)
		text += fmt.Sprintf("\n🧯 `%s` dropped: it belonged to the previous repository.", dropped.Name)
	}
	e.emitEvent(req.ChatID, "", model.EventRepoBound, owner+"/"+cmd.Repo)
	return e.reply(ctx, req, text)
}

func (e *Engine) listRepos(ctx context.Context, req Request) error {
	repos, err := e.git.ListRepositories(ctx, 20)
	if err != nil {
		return e.reply(ctx, req, fmt.Sprintf("❌ Could not list repositories: %v", err))
	}
	if len(repos) == 0 {
		return e.reply(ctx, req, "No repositories found.")
	}
	var b strings.Builder
	b.WriteString("*Available repositories:*\n")
	for _, r := range repos {
		lock := ""
		if r.Private {
			lock = " 🔒"
		}
		fmt.Fprintf(&b, "- `%s`%s\n", r.FullName, lock)
	}
	b.WriteString("\nUse: `USE REPO owner/name`")
	return e.reply(ctx, req, b.String())
}

func (e *Engine) file(ctx context.Context, req Request, repo model.Repository, path string) error {
	f, err := e.git.ReadFile(ctx, repo.FullName(), path, "")
	if err != nil {
		if errors.Is(err, gitprovider.ErrNotFound) {
			return e.reply(ctx, req, fmt.Sprintf("❌ File not found: `%s` in %s", path, repo.FullName()))
		}
		return e.reply(ctx, req, fmt.Sprintf("❌ Could not read `%s`: %v", path, err))
	}
	content := model.Clip(f.Content, fileClip, "\n…(clipped)")
	return e.reply(ctx, req, fmt.Sprintf("*%s*\n```\n%s\n```", path, content))
}

func (e *Engine) find(ctx context.Context, req Request, repo model.Repository, name string) error {
	query := fmt.Sprintf("filename:%s repo:%s", name, repo.FullName())
	matches, err := e.git.SearchCode(ctx, query, 5)
	if err != nil {
		return e.reply(ctx, req, fmt.Sprintf("❌ Search failed: %v", err))
	}
	if len(matches) == 0 {
		return e.reply(ctx, req, fmt.Sprintf("❌ File not found: `%s` in %s", name, repo.FullName()))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ File found: *%s*\nLocation: [View on GitHub](%s)", name, matches[0].URL)
	if len(matches) > 1 {
		b.WriteString("\n\nAlso:")
		for _, m := range matches[1:] {
			fmt.Fprintf(&b, "\n- `%s`", m.Path)
		}
	}
	return e.reply(ctx, req, b.String())
}

func (e *Engine) listChangeRequests(ctx context.Context, req Request, repo model.Repository) error {
	prs, err := e.git.ListOpenChangeRequests(ctx, repo.FullName(), 10)
	if err != nil {
		return e.reply(ctx, req, fmt.Sprintf("❌ Could not list pull requests: %v", err))
	}
	if len(prs) == 0 {
		return e.reply(ctx, req, "No open pull requests.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Open pull requests (%d)*\n", len(prs))
	for _, pr := range prs {
		fmt.Fprintf(&b, "#%d %s — `%s` (%s)\n", pr.Number, pr.Title, pr.Branch, pr.Author)
	}
	return e.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}

func (e *Engine) closeChangeRequest(ctx context.Context, req Request, repo model.Repository, number int) error {
	if err := e.git.CloseChangeRequest(ctx, repo.FullName(), number); err != nil {
		return e.reply(ctx, req, fmt.Sprintf("❌ Could not close #%d: %v", number, err))
	}
	return e.reply(ctx, req, fmt.Sprintf("🗑 Closed PR #%d.", number))
}

func (e *Engine) comment(ctx context.Context, req Request, repo model.Repository, number int, body string) error {
	if err := e.git.CommentOnIssue(ctx, repo.FullName(), number, body); err != nil {
		return e.reply(ctx, req, fmt.Sprintf("❌ Could not comment on #%d: %v", number, err))
	}
	return e.reply(ctx, req, fmt.Sprintf("💬 Comment posted on #%d.", number))
}
