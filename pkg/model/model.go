// Package model defines the core data types shared across Janitor.
package model

import (
	"fmt"
	"time"
)

// Repository identifies the single repository a chat is scoped to.
type Repository struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// TaskStatus is the state of the active task in a chat.
// Completion and cancellation delete the task instead of having a status.
type TaskStatus string

const (
	TaskRunning TaskStatus = "running"
	TaskStopped TaskStatus = "stopped"
)

// TaskInput is the original command payload kept so a stopped task can be restarted.
type TaskInput struct {
	// RawArgs is the argument text re-dispatched on RESUME (e.g. "a.go | add nil guard").
	RawArgs string `json:"raw_args"`
	// Approach is an operator edit that was already applied to this run.
	Approach string `json:"approach,omitempty"`
}

// Task is the single in-flight command execution of a chat.
type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         TaskStatus `json:"status"`
	StopRequested  bool       `json:"stop_requested"`
	EditedApproach string     `json:"edited_approach,omitempty"`
	Input          TaskInput  `json:"input"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Approach returns the operator guidance that applies to the next run of the task:
// a pending edit wins over the approach the current run was started with.
func (t *Task) Approach() string {
	if t == nil {
		return ""
	}
	if t.EditedApproach != "" {
		return t.EditedApproach
	}
	return t.Input.Approach
}

// FileChange is a full replacement of one file plus its commit message.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Message string `json:"message"`
}

// PendingChangeSet is a staged, unapproved multi-file proposal.
type PendingChangeSet struct {
	Branch  string       `json:"branch"`
	Title   string       `json:"title"`
	Body    string       `json:"body"`
	Changes []FileChange `json:"changes"`
}

// Session is the per-chat state owned by the session store.
type Session struct {
	ChatID     string            `json:"chat_id"`
	Paired     bool              `json:"paired"`
	Repository *Repository       `json:"repository,omitempty"`
	Pending    *PendingChangeSet `json:"pending,omitempty"`
	Task       *Task             `json:"task,omitempty"`
}

// Clone returns a deep copy so callers never share the store's records.
func (s Session) Clone() Session {
	out := s
	if s.Repository != nil {
		r := *s.Repository
		out.Repository = &r
	}
	if s.Pending != nil {
		out.Pending = s.Pending.Clone()
	}
	if s.Task != nil {
		t := *s.Task
		out.Task = &t
	}
	return out
}

// Clone returns a deep copy of the change set.
func (p *PendingChangeSet) Clone() *PendingChangeSet {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Changes = append([]FileChange(nil), p.Changes...)
	return &cp
}

// Proposal is what the patch proposer returns for a FIX request.
type Proposal struct {
	Summary string       `json:"summary"`
	Changes []FileChange `json:"changes"`
}

// Event types recorded for every chat.
const (
	EventTaskStarted   = "task.started"
	EventTaskStopped   = "task.stopped"
	EventTaskEdited    = "task.edited"
	EventTaskResumed   = "task.resumed"
	EventTaskCancelled = "task.cancelled"
	EventTaskPhase     = "task.phase"
	EventTaskDone      = "task.done"
	EventTaskFailed    = "task.failed"
	EventRepoBound     = "repo.bound"
	EventPaired        = "chat.paired"
	EventUnpaired      = "chat.unpaired"
	EventRepoActivity  = "repo.activity"
)

// Event is a single entry in a chat's journal.
type Event struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s %s", e.CreatedAt.Format("15:04:05"), e.Type, e.Data)
}
