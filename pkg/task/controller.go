// Package task implements the per-chat task lifecycle: start, stop, cancel,
// edit and resume, plus the cooperative checkpoint used by running task bodies.
//
// A chat has at most one task. Completion and cancellation remove the task
// record; there is no "completed" state.
package task

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/session"
)

var (
	// ErrTaskStopped is returned by checkpoints once a stop or edit was requested.
	ErrTaskStopped = errors.New("task stopped")
	// ErrTaskSuperseded is returned by a Token whose task was cancelled or replaced.
	ErrTaskSuperseded = errors.New("task cancelled or replaced")
)

// Controller owns the task slot of every chat. All state lives in the session store.
type Controller struct {
	store *session.Store
	now   func() time.Time
}

// NewController creates a controller backed by store.
func NewController(store *session.Store) *Controller {
	return &Controller{store: store, now: time.Now}
}

// Start installs a new running task, replacing any existing one.
func (c *Controller) Start(chatID, name string, input model.TaskInput) model.Task {
	t := newTask(name, input, c.now().UTC())
	c.store.Update(chatID, func(sess *model.Session) {
		installed := t
		sess.Task = &installed
	})
	return t
}

// TryStart is Start unless the chat already has a running task, in which case
// that task is returned with false and nothing changes. A stopped task is replaced.
func (c *Controller) TryStart(chatID, name string, input model.TaskInput) (model.Task, bool) {
	now := c.now().UTC()
	var (
		t  model.Task
		ok bool
	)
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task != nil && sess.Task.Status == model.TaskRunning {
			t = *sess.Task
			return
		}
		t = newTask(name, input, now)
		installed := t
		sess.Task = &installed
		ok = true
	})
	return t, ok
}

// Get returns the chat's current task.
func (c *Controller) Get(chatID string) (model.Task, bool) {
	sess := c.store.Get(chatID)
	if sess.Task == nil {
		return model.Task{}, false
	}
	return *sess.Task, true
}

// Stop requests a running task to stop at its next checkpoint.
// It returns false when there is no running task.
func (c *Controller) Stop(chatID string) bool {
	var ok bool
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task == nil || sess.Task.Status != model.TaskRunning {
			return
		}
		sess.Task.Status = model.TaskStopped
		sess.Task.StopRequested = true
		ok = true
	})
	return ok
}

// Cancel drops the task and any pending change set. It returns false, and
// leaves the pending set alone, when there is no task.
func (c *Controller) Cancel(chatID string) bool {
	var ok bool
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task == nil {
			return
		}
		sess.Task = nil
		sess.Pending = nil
		ok = true
	})
	return ok
}

// Edit records new operator guidance and forces the task into the stopped state.
func (c *Controller) Edit(chatID, approach string) bool {
	var ok bool
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task == nil {
			return
		}
		sess.Task.EditedApproach = approach
		sess.Task.Status = model.TaskStopped
		sess.Task.StopRequested = true
		ok = true
	})
	return ok
}

// Resume marks a stopped task as running again and returns it.
//
// Resume is a restart, not a continuation: nothing of the interrupted run is
// kept. The caller must re-run the command from t.Input, applying
// t.EditedApproach when set. Input and EditedApproach are left untouched.
// The interrupted body still owns the task id until the caller replaces it;
// use Restart to do both in one step.
func (c *Controller) Resume(chatID string) (model.Task, bool) {
	var (
		t  model.Task
		ok bool
	)
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task == nil || sess.Task.Status != model.TaskStopped {
			return
		}
		sess.Task.Status = model.TaskRunning
		sess.Task.StopRequested = false
		t, ok = *sess.Task, true
	})
	return t, ok
}

// Restart replaces a stopped task with a new running instance of the same
// command and returns it. The new input carries the approach the next run
// must apply, so a later stop and resume keeps it. The interrupted body's
// token is superseded in the same critical section. It returns false unless
// the task is stopped.
func (c *Controller) Restart(chatID string) (model.Task, bool) {
	now := c.now().UTC()
	var (
		t  model.Task
		ok bool
	)
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task == nil || sess.Task.Status != model.TaskStopped {
			return
		}
		prev := sess.Task
		t = newTask(prev.Name, model.TaskInput{RawArgs: prev.Input.RawArgs, Approach: prev.Approach()}, now)
		installed := t
		sess.Task = &installed
		ok = true
	})
	return t, ok
}

// Rebind scopes the chat to owner/name, dropping the pending change set and
// the current task, which both belong to the previous binding. It returns the
// dropped task, if any.
func (c *Controller) Rebind(chatID, owner, name string) (model.Task, bool) {
	var (
		t  model.Task
		ok bool
	)
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task != nil {
			t, ok = *sess.Task, true
		}
		sess.Repository = &model.Repository{Owner: owner, Name: name}
		sess.Pending = nil
		sess.Task = nil
	})
	return t, ok
}

// AssertNotStopped returns ErrTaskStopped iff the chat's current task has a
// pending stop request. It never fails when the chat has no task.
func (c *Controller) AssertNotStopped(chatID string) error {
	var err error
	c.store.Update(chatID, func(sess *model.Session) {
		if sess.Task != nil && sess.Task.StopRequested {
			err = ErrTaskStopped
		}
	})
	return err
}

// Token binds checkpoints to one task instance.
func (c *Controller) Token(chatID, taskID string) *Token {
	return &Token{ctl: c, chatID: chatID, taskID: taskID}
}

// Token is the cancellation handle a task body carries through its phases.
// It is the only place task ids are compared; controller operations act on
// whatever task the chat currently holds.
type Token struct {
	ctl    *Controller
	chatID string
	taskID string
}

// ChatID returns the chat the task belongs to.
func (t *Token) ChatID() string { return t.chatID }

// TaskID returns the task instance id.
func (t *Token) TaskID() string { return t.taskID }

// Checkpoint returns ErrTaskStopped when the task was asked to stop and
// ErrTaskSuperseded when the chat's slot no longer holds this task.
func (t *Token) Checkpoint() error {
	var err error
	t.ctl.store.Update(t.chatID, func(sess *model.Session) {
		switch {
		case sess.Task == nil || sess.Task.ID != t.taskID:
			err = ErrTaskSuperseded
		case sess.Task.StopRequested:
			err = ErrTaskStopped
		}
	})
	return err
}

// Finish removes the task from its chat and applies fn in the same critical
// section. It does nothing and returns false if the task was superseded.
func (t *Token) Finish(fn func(sess *model.Session)) bool {
	var owned bool
	t.ctl.store.Update(t.chatID, func(sess *model.Session) {
		if sess.Task == nil || sess.Task.ID != t.taskID {
			return
		}
		sess.Task = nil
		if fn != nil {
			fn(sess)
		}
		owned = true
	})
	return owned
}

func newTask(name string, input model.TaskInput, now time.Time) model.Task {
	return model.Task{
		ID:        name + "-" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Name:      name,
		Status:    model.TaskRunning,
		Input:     input,
		CreatedAt: now,
	}
}
