// Package progress renders the live status message of a running task.
//
// A Reporter owns one chat message. Start sends it, a single ticker re-edits it
// with the next indicator frame every interval, and exactly one of Done, Fail
// or Stopped replaces it with the final rendering. Phase updates only change
// in-memory state, so the edit rate never exceeds one per interval.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jxucoder/janitor/pkg/channel"
)

// DefaultInterval is the refresh period of the live message.
const DefaultInterval = 1200 * time.Millisecond

// ErrFinished is returned when a terminal method is called twice.
var ErrFinished = errors.New("progress reporter already finished")

// Option configures a Reporter.
type Option func(*Reporter)

// WithInterval sets the refresh period. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRefreshErrorHandler observes refresh failures, which are otherwise ignored.
func WithRefreshErrorHandler(fn func(error)) Option {
	return func(r *Reporter) { r.onRefreshErr = fn }
}

// Reporter manages the live status message of one task run.
type Reporter struct {
	chatID       string
	msgr         channel.Messenger
	interval     time.Duration
	onRefreshErr func(error)

	mu        sync.Mutex
	state     State
	messageID string
	loopDone  chan struct{}

	quit     chan struct{}
	stopOnce sync.Once
}

// New creates a reporter for chatID that talks through m.
func New(chatID string, m channel.Messenger, opts ...Option) *Reporter {
	r := &Reporter{
		chatID:   chatID,
		msgr:     m,
		interval: DefaultInterval,
		quit:     make(chan struct{}),
		state:    State{Phase: "Starting…"},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start sends the initial rendering and starts the refresh ticker.
// When the send fails no ticker is started and the error is returned.
func (r *Reporter) Start(ctx context.Context, title string) error {
	r.mu.Lock()
	r.state.Title = title
	text := r.state.Render()
	r.mu.Unlock()

	id, err := r.msgr.Send(ctx, r.chatID, text)
	if err != nil {
		return fmt.Errorf("sending progress message: %w", err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.messageID = id
	r.loopDone = done
	r.mu.Unlock()

	go r.loop(ctx, done)
	return nil
}

// Phase sets the phase text; the percentage is left as is.
func (r *Reporter) Phase(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Phase = text
}

// PhasePercent sets the phase text and a percentage clamped to [0, 100].
func (r *Reporter) PhasePercent(text string, pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Phase = text
	r.state.Percent = clamp(pct)
	r.state.HasPercent = true
}

// State returns a copy of the current rendering state.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done replaces the live message with the success frame.
func (r *Reporter) Done(ctx context.Context, summary string) error {
	return r.finish(ctx, func(title string) string { return RenderDone(title, summary) })
}

// Fail replaces the live message with the failure frame.
func (r *Reporter) Fail(ctx context.Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(ctx, func(title string) string { return RenderFailed(title, msg) })
}

// Stopped replaces the live message with the stopped frame. An empty msg
// uses DefaultStoppedMessage.
func (r *Reporter) Stopped(ctx context.Context, msg string) error {
	return r.finish(ctx, func(title string) string { return RenderStopped(title, msg) })
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.state.Frame++
			text := r.state.Render()
			id := r.messageID
			r.mu.Unlock()

			if err := r.msgr.Edit(ctx, r.chatID, id, text); err != nil && r.onRefreshErr != nil {
				r.onRefreshErr(err)
			}
		}
	}
}

// stop halts the ticker and waits for an in-flight refresh to return, so the
// final edit always lands last. Safe to call more than once.
func (r *Reporter) stop() {
	r.stopOnce.Do(func() { close(r.quit) })

	r.mu.Lock()
	done := r.loopDone
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Reporter) finish(ctx context.Context, render func(title string) string) error {
	r.mu.Lock()
	if r.state.Finished {
		r.mu.Unlock()
		return ErrFinished
	}
	r.state.Finished = true
	r.mu.Unlock()

	r.stop()

	r.mu.Lock()
	id := r.messageID
	text := render(r.state.Title)
	r.mu.Unlock()

	if id != "" {
		err := r.msgr.Edit(ctx, r.chatID, id, text)
		if err == nil {
			return nil
		}
		if _, sendErr := r.msgr.Send(ctx, r.chatID, text); sendErr != nil {
			return fmt.Errorf("editing progress message: %w", err)
		}
		return nil
	}

	if _, err := r.msgr.Send(ctx, r.chatID, text); err != nil {
		return fmt.Errorf("sending final progress message: %w", err)
	}
	return nil
}
