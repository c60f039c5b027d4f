// Package eventbus fans chat events out to live watchers such as the
// HTTP event stream.
package eventbus

import (
	"sync"

	"github.com/jxucoder/janitor/pkg/model"
)

// DefaultBuffer is the per-watcher queue length.
const DefaultBuffer = 64

// Bus provides pub/sub for chat events.
type Bus interface {
	Subscribe(chatID string) chan *model.Event
	Unsubscribe(chatID string, ch chan *model.Event)
	Publish(chatID string, event *model.Event)
}

// Option configures an InMemoryBus.
type Option func(*InMemoryBus)

// WithBuffer sets the queue length of each watcher. Values below 1 keep the default.
func WithBuffer(n int) Option {
	return func(b *InMemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHandler is called, outside the bus lock, for every event a
// watcher missed because its queue was full.
func WithDropHandler(fn func(chatID string, event *model.Event)) Option {
	return func(b *InMemoryBus) { b.onDrop = fn }
}

// InMemoryBus delivers events to the watchers of one chat. Publish never
// blocks: a watcher that falls behind loses events instead of stalling a task.
type InMemoryBus struct {
	buffer int
	onDrop func(chatID string, event *model.Event)

	mu       sync.RWMutex
	watchers map[string]map[chan *model.Event]struct{}
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(opts ...Option) *InMemoryBus {
	b := &InMemoryBus{
		buffer:   DefaultBuffer,
		watchers: make(map[string]map[chan *model.Event]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a watcher for chatID.
func (b *InMemoryBus) Subscribe(chatID string) chan *model.Event {
	ch := make(chan *model.Event, b.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.watchers[chatID]
	if !ok {
		set = make(map[chan *model.Event]struct{})
		b.watchers[chatID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored, so a
// second call is safe.
func (b *InMemoryBus) Unsubscribe(chatID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.watchers[chatID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.watchers, chatID)
	}
	close(ch)
}

// Publish queues event for every watcher of chatID.
func (b *InMemoryBus) Publish(chatID string, event *model.Event) {
	var missed int

	b.mu.RLock()
	for ch := range b.watchers[chatID] {
		select {
		case ch <- event:
		default:
			missed++
		}
	}
	b.mu.RUnlock()

	if b.onDrop != nil {
		for ; missed > 0; missed-- {
			b.onDrop(chatID, event)
		}
	}
}

// Subscribers returns the number of watchers of a chat.
func (b *InMemoryBus) Subscribers(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers[chatID])
}
