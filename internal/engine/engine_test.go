package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/janitor/internal/metrics"
	"github.com/jxucoder/janitor/pkg/dispatcher"
	"github.com/jxucoder/janitor/pkg/eventbus"
	"github.com/jxucoder/janitor/pkg/gitprovider"
	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/patcher"
	"github.com/jxucoder/janitor/pkg/pipeline"
	"github.com/jxucoder/janitor/pkg/progress"
	"github.com/jxucoder/janitor/pkg/session"
	sqliteStore "github.com/jxucoder/janitor/pkg/store/sqlite"
)

// --- stubs ---

// gate parks one provider call until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

type stubGitProvider struct {
	mu       sync.Mutex
	gates    map[string]*gate
	calls    map[string]int
	branches map[string]bool
	writes   []string
	prs      []gitprovider.PROptions
	runs     []gitprovider.PipelineRun
	files    map[string]string
	readErr  error
}

func newStubGitProvider() *stubGitProvider {
	return &stubGitProvider{
		gates:    map[string]*gate{},
		calls:    map[string]int{},
		branches: map[string]bool{},
		files:    map[string]string{"a.go": "package a\n"},
		runs: []gitprovider.PipelineRun{
			{Name: "ci", Status: "completed", Conclusion: "success", URL: "https://ci/1"},
			{Name: "lint", Status: "in_progress", URL: "https://ci/2"},
		},
	}
}

// hold parks the next call of op until the returned gate is released.
func (s *stubGitProvider) hold(op string) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := newGate()
	s.gates[op] = g
	return g
}

func (s *stubGitProvider) enter(op string) {
	s.mu.Lock()
	s.calls[op]++
	g := s.gates[op]
	delete(s.gates, op)
	s.mu.Unlock()
	if g != nil {
		g.entered <- struct{}{}
		<-g.release
	}
}

func (s *stubGitProvider) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *stubGitProvider) GetRepository(_ context.Context, repo string) (*gitprovider.RepoInfo, error) {
	s.enter("GetRepository")
	if strings.HasSuffix(repo, "/missing") {
		return nil, gitprovider.ErrNotFound
	}
	return &gitprovider.RepoInfo{FullName: repo, DefaultBranch: "main", Stars: 12, Forks: 3, OpenIssues: 4}, nil
}

func (s *stubGitProvider) ListRepositories(_ context.Context, _ int) ([]gitprovider.RepoInfo, error) {
	s.enter("ListRepositories")
	return []gitprovider.RepoInfo{{FullName: "acme/api"}, {FullName: "acme/web", Private: true}}, nil
}

func (s *stubGitProvider) ReadFile(_ context.Context, _, path, _ string) (*gitprovider.File, error) {
	s.enter("ReadFile")
	if s.readErr != nil {
		return nil, s.readErr
	}
	content, ok := s.files[path]
	if !ok {
		return nil, gitprovider.ErrNotFound
	}
	return &gitprovider.File{Path: path, Content: content, SHA: "sha"}, nil
}

func (s *stubGitProvider) CreateBranch(_ context.Context, _, branch string) (string, error) {
	s.enter("CreateBranch")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.branches[branch] {
		return "main", gitprovider.ErrAlreadyExists
	}
	s.branches[branch] = true
	return "main", nil
}

func (s *stubGitProvider) WriteFile(_ context.Context, _, path, _, _, branch string) error {
	s.enter("WriteFile:" + path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, branch+":"+path)
	return nil
}

func (s *stubGitProvider) OpenChangeRequest(_ context.Context, _ string, opts gitprovider.PROptions) (*gitprovider.ChangeRequest, error) {
	s.enter("OpenChangeRequest")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs = append(s.prs, opts)
	return &gitprovider.ChangeRequest{Number: 7, Title: opts.Title, Branch: opts.Branch, URL: "https://github.com/acme/api/pull/7"}, nil
}

func (s *stubGitProvider) ListOpenChangeRequests(_ context.Context, _ string, _ int) ([]gitprovider.ChangeRequest, error) {
	s.enter("ListOpenChangeRequests")
	return []gitprovider.ChangeRequest{{Number: 7, Title: "Janitor: tidy", Branch: "janitor-1", Author: "bot"}}, nil
}

func (s *stubGitProvider) CloseChangeRequest(_ context.Context, _ string, _ int) error {
	s.enter("CloseChangeRequest")
	return nil
}

func (s *stubGitProvider) CommentOnIssue(_ context.Context, _ string, _ int, _ string) error {
	s.enter("CommentOnIssue")
	return nil
}

func (s *stubGitProvider) ListRecentPipelineRuns(_ context.Context, _ string, _ int) ([]gitprovider.PipelineRun, error) {
	s.enter("ListRecentPipelineRuns")
	return s.runs, nil
}

func (s *stubGitProvider) SearchCode(_ context.Context, query string, _ int) ([]gitprovider.CodeMatch, error) {
	s.enter("SearchCode")
	if strings.HasPrefix(query, "filename:a.go ") {
		return []gitprovider.CodeMatch{{Repo: "acme/api", Path: "pkg/a.go", URL: "https://github.com/acme/api/blob/main/pkg/a.go"}}, nil
	}
	return nil, nil
}

type stubProposer struct {
	mu   sync.Mutex
	reqs []patcher.Request
	err  error
}

func (p *stubProposer) ProposePatch(_ context.Context, req patcher.Request) (*model.Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	return &model.Proposal{
		Summary: "Add nil guard",
		Changes: []model.FileChange{{Path: req.Path, Content: "package a // guarded\n", Message: "fix: guard"}},
	}, nil
}

func (p *stubProposer) last() patcher.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

type stubSuggester struct{ decision *dispatcher.Decision }

func (s *stubSuggester) Dispatch(context.Context, dispatcher.ChannelType, string, string) (*dispatcher.Decision, error) {
	return s.decision, nil
}

// spyMessenger records every text shown in the chat.
type spyMessenger struct {
	mu     sync.Mutex
	next   int
	texts  []string
	onSend func(text string) // runs after a Send is recorded, outside mu
}

func (s *spyMessenger) Send(_ context.Context, _, text string) (string, error) {
	s.mu.Lock()
	s.next++
	s.texts = append(s.texts, text)
	id, hook := fmt.Sprintf("m%d", s.next), s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return id, nil
}

func (s *spyMessenger) setOnSend(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

func (s *spyMessenger) Edit(_ context.Context, _, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *spyMessenger) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

// at returns the i-th recorded text, or "" when there is none yet.
func (s *spyMessenger) at(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.texts) {
		return ""
	}
	return s.texts[i]
}

func (s *spyMessenger) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

// occurrences counts the recorded texts containing sub.
func (s *spyMessenger) occurrences(sub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.texts {
		if strings.Contains(t, sub) {
			n++
		}
	}
	return n
}

func (s *spyMessenger) has(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

// --- helpers ---

type harness struct {
	engine   *Engine
	git      *stubGitProvider
	proposer *stubProposer
	msgr     *spyMessenger
	journal  *sqliteStore.Store
	bus      *eventbus.InMemoryBus
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	journal, err := sqliteStore.New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = time.Hour
	}
	if cfg.StepDelays == [2]time.Duration{} {
		cfg.StepDelays = [2]time.Duration{time.Millisecond, time.Millisecond}
	}

	h := &harness{
		git:      newStubGitProvider(),
		proposer: &stubProposer{},
		msgr:     &spyMessenger{},
		journal:  journal,
		bus:      eventbus.NewInMemoryBus(),
		metrics:  metrics.New(),
	}
	opts = append([]Option{WithJournal(journal), WithBus(h.bus), WithMetrics(h.metrics)}, opts...)
	h.engine = New(cfg, session.NewStore(), h.git, h.proposer, opts...)
	h.engine.newBranch = func() string { return "janitor-test1" }
	h.engine.Start(context.Background())
	t.Cleanup(h.engine.Stop)
	return h
}

// send handles text and returns the first message it produced: the reply,
// or the progress message of a task command.
func (h *harness) send(t *testing.T, text string) string {
	t.Helper()
	before := h.msgr.count()
	require.NoError(t, h.engine.Handle(context.Background(), Request{
		ChatID:    "42",
		Text:      text,
		Channel:   dispatcher.ChannelTelegram,
		Messenger: h.msgr,
	}))
	return h.msgr.at(before)
}

// ready pairs the chat and binds acme/api.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.send(t, "PAIR")
	h.send(t, "USE REPO acme/api")
}

func (h *harness) session() model.Session {
	return h.engine.Sessions().Get("42")
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := h.journal.GetEvents("42", 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func (h *harness) phaseEvents(t *testing.T) []string {
	t.Helper()
	events, err := h.journal.GetEvents("42", 0)
	require.NoError(t, err)
	var out []string
	for _, ev := range events {
		if ev.Type == model.EventTaskPhase {
			out = append(out, ev.Data)
		}
	}
	return out
}

func waitEntered(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}
}

func threeFilePending() *model.PendingChangeSet {
	return &model.PendingChangeSet{
		Branch: "janitor-x",
		Title:  "Tidy",
		Body:   "body",
		Changes: []model.FileChange{
			{Path: "a.go", Content: "a", Message: "a"},
			{Path: "b.go", Content: "b", Message: "b"},
			{Path: "c.go", Content: "c", Message: "c"},
		},
	}
}

// --- gates ---

func TestPairingAndRepoGates(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Equal(t, "🔐 Pairing required. Reply with: `PAIR`", h.send(t, "STATUS"))
	assert.Contains(t, h.send(t, "HELP"), "*Janitor commands*", "help needs no pairing")

	assert.Equal(t, "✅ Paired. Next: `USE REPO owner/name`", h.send(t, "/pair"))
	assert.Equal(t, "📌 Repo not set. Use: `USE REPO owner/name`", h.send(t, "CI"))
	assert.Equal(t, 0, h.git.count("ListRecentPipelineRuns"))

	assert.Equal(t, "✅ Repo locked to *acme/api*\nNow run: `STATUS`, `CI`, or `PLAN`", h.send(t, "use repo acme/api"))
	assert.Equal(t, &model.Repository{Owner: "acme", Name: "api"}, h.session().Repository)
	assert.Contains(t, h.eventTypes(t), model.EventRepoBound)
}

func TestAutoPair(t *testing.T) {
	h := newHarness(t, Config{AutoPair: true})

	assert.Equal(t, "📌 Repo not set. Use: `USE REPO owner/name`", h.send(t, "STATUS"))
	assert.True(t, h.session().Paired)
}

func TestUseRepo(t *testing.T) {
	h := newHarness(t, Config{DefaultOwner: "acme"})
	h.send(t, "PAIR")

	assert.Contains(t, h.send(t, "USE REPO missing"), "Failed to bind to repository: *acme/missing*")
	assert.Nil(t, h.session().Repository)

	assert.Contains(t, h.send(t, "USE REPO api"), "*acme/api*")
	assert.Contains(t, h.send(t, "USE REPO"), "Usage: `USE REPO owner/name`")
}

func TestUseRepo_NoDefaultOwner(t *testing.T) {
	h := newHarness(t, Config{})
	h.send(t, "PAIR")
	assert.Equal(t, "Usage: `USE REPO owner/name`", h.send(t, "USE REPO api"))
}

func TestUseRepo_DropsRunningFix(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	g := h.git.hold("ReadFile")
	h.send(t, "FIX a.go | add nil guard")
	waitEntered(t, g)

	assert.Contains(t, h.send(t, "USE REPO acme/web"), "🧯 `FIX` dropped")
	close(g.release)
	h.engine.Wait()

	sess := h.session()
	assert.Equal(t, &model.Repository{Owner: "acme", Name: "web"}, sess.Repository)
	assert.Nil(t, sess.Pending, "a proposal for acme/api must not be staged on acme/web")
	assert.Nil(t, sess.Task)
	assert.Empty(t, h.proposer.reqs)
	assert.Equal(t, progress.RenderStopped("FIX: a.go", pipeline.SupersededMessage), h.msgr.last())
	assert.Contains(t, h.eventTypes(t), model.EventTaskCancelled)
}

func TestUnpairClearsState(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.engine.Sessions().SetPending("42", threeFilePending())

	assert.Equal(t, "🔒 Unpaired. Reply `PAIR` to re-enable this chat.", h.send(t, "UNPAIR"))
	sess := h.session()
	assert.False(t, sess.Paired)
	assert.Nil(t, sess.Pending)
	assert.Equal(t, "🔐 Pairing required. Reply with: `PAIR`", h.send(t, "PLAN"))
}

// --- synchronous commands ---

func TestControls_WithoutTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	assert.Equal(t, "No running task to stop.", h.send(t, "STOP"))
	assert.Equal(t, "No active task to cancel.", h.send(t, "CANCEL"))
	assert.Equal(t, "No active task to edit. Start a task first.", h.send(t, "EDIT be careful"))
	assert.Equal(t, "No stopped task to resume.", h.send(t, "RESUME"))
	assert.Equal(t, "Usage: `EDIT <new approach>`", h.send(t, "EDIT"))
}

func TestPlanAndStatus(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	plan := h.send(t, "PLAN")
	assert.Contains(t, plan, "🧭 *PLAN*")
	assert.Contains(t, plan, "*Repo:* acme/api")
	assert.Contains(t, plan, "*Task:* none")
	assert.Contains(t, plan, "*Pending PR:* none")

	h.engine.Sessions().SetPending("42", threeFilePending())
	plan = h.send(t, "PLAN")
	assert.Contains(t, plan, "*Pending PR:* `janitor-x`\n*Title:* Tidy")

	status := h.send(t, "STATUS")
	assert.Contains(t, status, "✅ Scoped Repo: *acme/api*")
	assert.Contains(t, status, "Stars: 12 · Forks: 3")
	assert.Contains(t, status, "Pending PR: `janitor-x`")
}

func TestFileAndFind(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	assert.Equal(t, "*a.go*\n```\npackage a\n\n```", h.send(t, "FILE a.go"))
	assert.Equal(t, "❌ File not found: `nope.go` in acme/api", h.send(t, "FILE nope.go"))

	h.git.files["big.txt"] = strings.Repeat("x", 4000)
	big := h.send(t, "FILE big.txt")
	assert.Contains(t, big, "\n…(clipped)")
	assert.Less(t, len(big), 3600)

	assert.Equal(t, "✅ File found: *a.go*\nLocation: [View on GitHub](https://github.com/acme/api/blob/main/pkg/a.go)", h.send(t, "FIND a.go"))
	assert.Equal(t, "❌ File not found: `b.go` in acme/api", h.send(t, "FIND b.go"))
}

func TestChangeRequestCommands(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	assert.Contains(t, h.send(t, "PRS"), "#7 Janitor: tidy — `janitor-1` (bot)")
	assert.Equal(t, "🗑 Closed PR #7.", h.send(t, "CLOSE:PR 7"))
	assert.Equal(t, "💬 Comment posted on #7.", h.send(t, "COMMENT 7 looks good"))
	assert.Contains(t, h.send(t, "LISTREPOS"), "- `acme/web` 🔒")
}

func TestUnknownText(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	assert.True(t, strings.HasPrefix(h.send(t, "hello there"), "Unknown command.\n\n"))

	s := newHarness(t, Config{}, WithSuggester(&stubSuggester{decision: &dispatcher.Decision{Action: dispatcher.ActionCommand, Command: "CI"}}))
	s.ready(t)
	assert.True(t, strings.HasPrefix(s.send(t, "how are the builds?"), "💡 Did you mean `CI`?"))
}

// --- task bodies ---

func TestCI(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	h.send(t, "CI")
	h.engine.Wait()

	final := h.msgr.last()
	assert.Contains(t, final, "*✅ CI Status: acme/api complete*")
	assert.Contains(t, final, "*Recent CI Runs*\n\n✅ completed/success — ci\n  [View Run](https://ci/1)")
	assert.Contains(t, final, "⏳ in_progress/— — lint")
	assert.Nil(t, h.session().Task)

	types := h.eventTypes(t)
	assert.Contains(t, types, model.EventTaskStarted)
	assert.Contains(t, types, model.EventTaskDone)
	assert.Equal(t, []string{"50% Fetching recent workflow runs…"}, h.phaseEvents(t))

	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `janitor_task_outcomes_total{outcome="done",task="CI"} 1`)
}

func TestCI_NoRuns(t *testing.T) {
	h := newHarness(t, Config{})
	h.git.runs = nil
	h.ready(t)

	h.send(t, "CI")
	h.engine.Wait()
	assert.Contains(t, h.msgr.last(), "No recent workflow runs found.")
}

func TestDebtAndReport(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	h.send(t, "DEBT")
	h.engine.Wait()
	assert.Equal(t, progress.RenderDone("DEBT: acme/api", "Janitor DEBT complete. Clean state."), h.msgr.last())

	h.send(t, "REPORT")
	h.engine.Wait()
	assert.Equal(t, progress.RenderDone("REPORT: acme/api", "Janitor REPORT complete. Clean state."), h.msgr.last())
}

func TestStart_CancelsRunningBodies(t *testing.T) {
	h := newHarness(t, Config{StepDelays: [2]time.Duration{time.Hour, time.Hour}})
	h.ready(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start may race with a launch; either context ends the body.
	started := make(chan struct{})
	go func() {
		defer close(started)
		h.engine.Start(ctx)
	}()
	h.send(t, "DEBT")
	<-started

	cancel()
	h.engine.Wait()
	assert.Equal(t, progress.RenderFailed("DEBT: acme/api", "context canceled"), h.msgr.last())
	assert.Nil(t, h.session().Task)
}

func TestScan(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	h.send(t, "SCAN")
	h.engine.Wait()

	final := h.msgr.last()
	assert.Contains(t, final, "Scan completed for repository: *acme/api*")
	assert.Contains(t, final, "- Open PRs: 1")
	assert.Contains(t, final, "No critical issues found.")
	assert.Equal(t, []string{
		"20% Initializing static analysis…",
		"50% Auditing open pull requests…",
		"80% Scanning for TODO and FIXME markers…",
	}, h.phaseEvents(t))
}

func TestTaskConflictWhileRunning(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	g := h.git.hold("ListRecentPipelineRuns")
	h.send(t, "CI")
	waitEntered(t, g)

	assert.Equal(t, "⏳ `CI` is still running. Send `STOP` first, or wait for it to finish.", h.send(t, "SCAN"))
	close(g.release)
	h.engine.Wait()
	assert.Equal(t, 0, h.git.count("ListOpenChangeRequests"))
}

func TestStopThenResumeRestartsFromBeginning(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	g := h.git.hold("GetRepository")
	h.send(t, "SCAN")
	waitEntered(t, g)

	assert.Contains(t, h.send(t, "STOP"), "*⏸ Stop requested.*")
	close(g.release)
	h.engine.Wait()

	assert.True(t, h.msgr.has(progress.RenderStopped("SCAN: acme/api", "")))
	assert.Equal(t, 0, h.git.count("ListOpenChangeRequests"), "stop lands before the next phase")
	task := h.session().Task
	require.NotNil(t, task)
	assert.Equal(t, model.TaskStopped, task.Status)
	assert.Contains(t, h.send(t, "PLAN"), "*Task:* SCAN — _stopped_")

	assert.Equal(t, "▶️ Resuming (restart from beginning)…", h.send(t, "RESUME"))
	h.engine.Wait()

	assert.Contains(t, h.msgr.last(), "Scan completed for repository")
	assert.Equal(t, 3, h.git.count("GetRepository"), "bind, first run, restarted run")
	assert.Nil(t, h.session().Task)
	assert.Contains(t, h.eventTypes(t), model.EventTaskResumed)
}

func TestResume_InterruptedBodyCannotComplete(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	g := h.git.hold("ReadFile")
	h.send(t, "FIX a.go | add nil guard")
	waitEntered(t, g)
	h.send(t, "STOP")

	// Let the stopped body run to its end while RESUME is still replying.
	var during model.Session
	h.msgr.setOnSend(func(text string) {
		if !strings.HasPrefix(text, "▶️ Resuming") {
			return
		}
		close(g.release)
		h.engine.Wait()
		during = h.session()
	})
	assert.Equal(t, "▶️ Resuming (restart from beginning)…", h.send(t, "RESUME"))
	h.msgr.setOnSend(nil)
	h.engine.Wait()

	require.NotNil(t, during.Task, "the restarted task already owns the slot")
	assert.Equal(t, model.TaskRunning, during.Task.Status)
	assert.Nil(t, during.Pending, "the interrupted body staged nothing")
	assert.True(t, h.msgr.has(progress.RenderStopped("FIX: a.go", pipeline.SupersededMessage)))

	h.proposer.mu.Lock()
	calls := len(h.proposer.reqs)
	h.proposer.mu.Unlock()
	assert.Equal(t, 1, calls, "only the restarted run reaches the model")
	assert.Equal(t, 1, h.msgr.occurrences("*✅ FIX: a.go complete*"))
	assert.Equal(t, 2, h.git.count("ReadFile"), "interrupted run, restarted run")
	require.NotNil(t, h.session().Pending)
	assert.Nil(t, h.session().Task)
}

func TestCancelMidRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	g := h.git.hold("GetRepository")
	h.send(t, "SCAN")
	waitEntered(t, g)

	assert.Equal(t, "🧯 Cancelled. What’s the plan?", h.send(t, "CANCEL"))
	close(g.release)
	h.engine.Wait()

	assert.Equal(t, progress.RenderStopped("SCAN: acme/api", pipeline.SupersededMessage), h.msgr.last())
	assert.Nil(t, h.session().Task)
	assert.Equal(t, 0, h.git.count("ListOpenChangeRequests"))
}

func TestFix_StagesPending(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	h.send(t, "FIX a.go | add nil guard")
	h.engine.Wait()

	final := h.msgr.last()
	assert.Contains(t, final, "*Patch proposal ready.*")
	assert.Contains(t, final, "- `a.go` — fix: guard")
	assert.Contains(t, final, "`APPROVE:PR janitor-test1`")

	pending := h.session().Pending
	require.NotNil(t, pending)
	assert.Equal(t, "janitor-test1", pending.Branch)
	assert.Equal(t, "Add nil guard", pending.Title)
	assert.Equal(t, "Automated PR generated by Software Janitor (single-admin).\n\nGoal: add nil guard\n\nChanges:\n- a.go: fix: guard", pending.Body)
	assert.Equal(t, "add nil guard", h.proposer.last().Goal)
	assert.Equal(t, "package a\n", h.proposer.last().CurrentContent)
	assert.Nil(t, h.session().Task)
}

func TestFix_EditThenResumeCarriesApproach(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	g := h.git.hold("ReadFile")
	h.send(t, "FIX a.go | add nil guard")
	waitEntered(t, g)
	h.send(t, "STOP")
	assert.Contains(t, h.send(t, "EDIT use errors.Is"), "_use errors.Is_")
	close(g.release)
	h.engine.Wait()

	assert.Empty(t, h.proposer.reqs, "stopped before the model call")
	assert.Contains(t, h.send(t, "PLAN"), "*Queued edit:* _use errors.Is_")

	h.send(t, "RESUME")
	h.engine.Wait()

	assert.Equal(t, "add nil guard (Note: use errors.Is)", h.proposer.last().Goal)
	pending := h.session().Pending
	require.NotNil(t, pending)
	assert.Contains(t, pending.Body, "Goal: add nil guard\nAdjusted Approach: use errors.Is\n")
}

func TestFix_FailureClearsTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.proposer.err = errors.New("LLM returned no changes")

	h.send(t, "FIX a.go | add nil guard")
	h.engine.Wait()

	assert.Equal(t, progress.RenderFailed("FIX: a.go", "LLM returned no changes"), h.msgr.last())
	sess := h.session()
	assert.Nil(t, sess.Task)
	assert.Nil(t, sess.Pending)
	assert.Contains(t, h.eventTypes(t), model.EventTaskFailed)
}

func TestFix_MissingFile(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	h.send(t, "FIX gone.go | tidy")
	h.engine.Wait()
	assert.Contains(t, h.msgr.last(), "file `gone.go` not found in acme/api")
}

func TestApprove_Preconditions(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)

	assert.Equal(t, "No pending PR. Run `FIX path | goal` first.", h.send(t, "APPROVE:PR janitor-x"))

	h.engine.Sessions().SetPending("42", threeFilePending())
	assert.Equal(t, "Pending branch is `janitor-x`. Approve with that branch name.", h.send(t, "APPROVE:PR other"))

	g := h.git.hold("ListRecentPipelineRuns")
	h.send(t, "CI")
	waitEntered(t, g)
	h.send(t, "STOP")
	close(g.release)
	h.engine.Wait()

	assert.Equal(t, "⏸ Task is stopped. Send `RESUME` or `CANCEL` before approving PR.", h.send(t, "APPROVE:PR janitor-x"))
	assert.Equal(t, 0, h.git.count("CreateBranch"))
}

func TestApprove_OpensPR(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.engine.Sessions().SetPending("42", threeFilePending())

	h.send(t, "APPROVE:PR janitor-x")
	h.engine.Wait()

	assert.Equal(t, progress.RenderDone("APPROVE:PR janitor-x", "PR opened: https://github.com/acme/api/pull/7"), h.msgr.last())
	assert.Equal(t, []string{"janitor-x:a.go", "janitor-x:b.go", "janitor-x:c.go"}, h.git.writes)
	require.Len(t, h.git.prs, 1)
	assert.Equal(t, gitprovider.PROptions{Branch: "janitor-x", Base: "main", Title: "Tidy", Body: "body"}, h.git.prs[0])
	assert.Nil(t, h.session().Pending)

	assert.Equal(t, []string{
		"20% Creating branch…",
		"40% Updating `a.go`…",
		"60% Updating `b.go`…",
		"80% Updating `c.go`…",
		"90% Opening Pull Request…",
	}, h.phaseEvents(t))
}

func TestApprove_StopBetweenFilesThenResume(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.engine.Sessions().SetPending("42", threeFilePending())

	g := h.git.hold("WriteFile:a.go")
	h.send(t, "APPROVE:PR janitor-x")
	waitEntered(t, g)
	h.send(t, "STOP")
	close(g.release)
	h.engine.Wait()

	assert.Equal(t, []string{"janitor-x:a.go"}, h.git.writes, "the in-flight write finishes, the next one never starts")
	assert.Empty(t, h.git.prs)
	assert.NotNil(t, h.session().Pending, "pending survives a stop")

	h.send(t, "RESUME")
	h.engine.Wait()

	assert.Equal(t, 2, h.git.count("CreateBranch"))
	assert.Len(t, h.git.writes, 4)
	require.Len(t, h.git.prs, 1)
	assert.Contains(t, h.msgr.last(), "PR opened: https://github.com/acme/api/pull/7")
	assert.Nil(t, h.session().Pending)
	assert.Nil(t, h.session().Task)
}

func TestCancelClearsPending(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	h.engine.Sessions().SetPending("42", threeFilePending())

	g := h.git.hold("ListRecentPipelineRuns")
	h.send(t, "CI")
	waitEntered(t, g)
	h.send(t, "STOP")
	close(g.release)
	h.engine.Wait()

	h.send(t, "CANCEL")
	sess := h.session()
	assert.Nil(t, sess.Task)
	assert.Nil(t, sess.Pending)
}

func TestEventsReachBus(t *testing.T) {
	h := newHarness(t, Config{})
	h.ready(t)
	ch := h.bus.Subscribe("42")
	defer h.bus.Unsubscribe("42", ch)

	h.send(t, "CI")
	h.engine.Wait()

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{model.EventTaskStarted, model.EventTaskPhase, model.EventTaskDone}, types)
}
