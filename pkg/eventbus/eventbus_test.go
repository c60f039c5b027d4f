package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/janitor/pkg/model"
)

func receive(t *testing.T, ch chan *model.Event) *model.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive event")
		return nil
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("42")

	bus.Publish("42", &model.Event{ChatID: "42", Type: model.EventTaskStarted, Data: "CI"})
	assert.Equal(t, "CI", receive(t, ch).Data)

	bus.Unsubscribe("42", ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.Subscribers("42"))
}

func TestPublishIsScopedToChat(t *testing.T) {
	bus := NewInMemoryBus()
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	defer bus.Unsubscribe("a", a)
	defer bus.Unsubscribe("b", b)

	bus.Publish("a", &model.Event{Type: model.EventTaskDone})
	receive(t, a)
	assert.Empty(t, b)
}

func TestDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("s")
	defer bus.Unsubscribe("s", ch)

	for i := 0; i < 64; i++ {
		bus.Publish("s", &model.Event{Type: model.EventTaskPhase})
	}

	done := make(chan struct{})
	go func() {
		bus.Publish("s", &model.Event{Type: model.EventTaskPhase, Data: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full channel")
	}
	assert.Len(t, ch, 64)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ch1 := bus.Subscribe("m")
	ch2 := bus.Subscribe("m")
	require.Equal(t, 2, bus.Subscribers("m"))

	bus.Publish("m", &model.Event{Data: "hello"})
	assert.Equal(t, "hello", receive(t, ch1).Data)
	assert.Equal(t, "hello", receive(t, ch2).Data)

	bus.Unsubscribe("m", ch1)
	assert.Equal(t, 1, bus.Subscribers("m"))
	bus.Unsubscribe("m", ch2)
}

func TestDropHandlerSeesMissedEvents(t *testing.T) {
	var missed []string
	bus := NewInMemoryBus(WithBuffer(1), WithDropHandler(func(chatID string, ev *model.Event) {
		missed = append(missed, chatID+":"+ev.Data)
	}))
	ch := bus.Subscribe("d")
	defer bus.Unsubscribe("d", ch)

	bus.Publish("d", &model.Event{Data: "first"})
	bus.Publish("d", &model.Event{Data: "second"})

	assert.Equal(t, "first", receive(t, ch).Data)
	assert.Equal(t, []string{"d:second"}, missed)
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("u")

	bus.Unsubscribe("u", ch)
	assert.NotPanics(t, func() { bus.Unsubscribe("u", ch) })
	assert.NotPanics(t, func() { bus.Unsubscribe("other", make(chan *model.Event)) })
	assert.Zero(t, bus.Subscribers("u"))
}
