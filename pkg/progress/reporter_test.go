package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spyEdit struct {
	messageID string
	text      string
}

type spyMessenger struct {
	mu      sync.Mutex
	sends   []string
	edits   []spyEdit
	sendErr error
	editErr error
}

func (s *spyMessenger) Send(_ context.Context, _ string, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sends = append(s.sends, text)
	return fmt.Sprintf("msg-%d", len(s.sends)), nil
}

func (s *spyMessenger) Edit(_ context.Context, _ string, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editErr != nil {
		return s.editErr
	}
	s.edits = append(s.edits, spyEdit{messageID, text})
	return nil
}

func (s *spyMessenger) sendTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

func (s *spyMessenger) editList() []spyEdit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyEdit(nil), s.edits...)
}

func (s *spyMessenger) setEditErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editErr = err
}

func TestStart_SendsInitialRendering(t *testing.T) {
	spy := &spyMessenger{}
	r := New("1", spy, WithInterval(time.Hour))

	require.NoError(t, r.Start(context.Background(), "CI Status: acme/api"))
	assert.Equal(t, []string{"*◐ CI Status: acme/api*\nStarting…"}, spy.sendTexts())
	require.NoError(t, r.Done(context.Background(), "ok"))
}

func TestScenarioC_OnlySummarySurvives(t *testing.T) {
	spy := &spyMessenger{}
	r := New("1", spy, WithInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "SCAN: x/y"))
	r.PhasePercent("step 1", 30)
	r.PhasePercent("step 2", 70)
	require.NoError(t, r.Done(ctx, "clean"))

	assert.Len(t, spy.sendTexts(), 1)
	edits := spy.editList()
	require.Len(t, edits, 1)
	assert.Equal(t, "msg-1", edits[0].messageID)
	assert.Contains(t, edits[0].text, "clean")
	assert.NotContains(t, edits[0].text, "step 1")
	assert.NotContains(t, edits[0].text, "step 2")
	assert.Equal(t, "*✅ SCAN: x/y complete*\nclean", edits[0].text)
}

func TestTicker_RefreshesWithRotatingFrames(t *testing.T) {
	spy := &spyMessenger{}
	r := New("1", spy, WithInterval(5*time.Millisecond))
	ctx := context.Background()

	r.PhasePercent("Reading target file…", 15)
	require.NoError(t, r.Start(ctx, "FIX: a.go"))

	require.Eventually(t, func() bool { return len(spy.editList()) >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Done(ctx, "ready"))

	edits := spy.editList()
	assert.Equal(t, "*◓ FIX: a.go* `15%`\nReading target file…", edits[0].text)
	assert.True(t, strings.HasPrefix(edits[1].text, "*◑ FIX: a.go*"))
	assert.Equal(t, RenderDone("FIX: a.go", "ready"), edits[len(edits)-1].text)

	// No refresh after the terminal edit.
	count := len(edits)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, spy.editList(), count)
}

func TestRefreshErrorsAreSwallowed(t *testing.T) {
	spy := &spyMessenger{}
	var mu sync.Mutex
	var seen []error
	r := New("1", spy,
		WithInterval(2*time.Millisecond),
		WithRefreshErrorHandler(func(err error) {
			mu.Lock()
			seen = append(seen, err)
			mu.Unlock()
		}))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "CI"))
	spy.setEditErr(errors.New("message is not modified"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, time.Second, time.Millisecond)

	// The final edit fails too, so the outcome is sent as a new message.
	require.NoError(t, r.Fail(ctx, errors.New("boom")))
	sends := spy.sendTexts()
	require.Len(t, sends, 2)
	assert.Equal(t, "*❌ CI failed*\nboom", sends[1])
}

func TestStopped_WithoutStartSendsFreshMessage(t *testing.T) {
	spy := &spyMessenger{}
	r := New("1", spy, WithInterval(time.Hour))

	require.NoError(t, r.Stopped(context.Background(), ""))
	assert.Empty(t, spy.editList())
	assert.Equal(t, []string{"*⏸  stopped*\n" + DefaultStoppedMessage}, spy.sendTexts())
}

func TestStopped_AfterFailedStart(t *testing.T) {
	spy := &spyMessenger{sendErr: errors.New("chat unreachable")}
	r := New("1", spy, WithInterval(time.Millisecond))
	ctx := context.Background()

	err := r.Start(ctx, "APPROVE:PR janitor-1")
	require.Error(t, err)

	spy.mu.Lock()
	spy.sendErr = nil
	spy.mu.Unlock()

	require.NoError(t, r.Stopped(ctx, "halted"))
	assert.Equal(t, []string{"*⏸ APPROVE:PR janitor-1 stopped*\nhalted"}, spy.sendTexts())
	assert.Empty(t, spy.editList())
}

func TestTerminal_OnlyOnce(t *testing.T) {
	spy := &spyMessenger{}
	r := New("1", spy, WithInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "CI"))
	require.NoError(t, r.Done(ctx, "ok"))
	assert.ErrorIs(t, r.Fail(ctx, errors.New("late")), ErrFinished)
	assert.ErrorIs(t, r.Stopped(ctx, ""), ErrFinished)
	assert.Len(t, spy.editList(), 1)
	assert.True(t, r.State().Finished)
}

func TestPhase_ClampsPercent(t *testing.T) {
	r := New("1", &spyMessenger{})

	r.PhasePercent("a", -5)
	assert.Equal(t, 0, r.State().Percent)

	r.PhasePercent("b", 150)
	assert.Equal(t, 100, r.State().Percent)

	r.Phase("c")
	st := r.State()
	assert.Equal(t, "c", st.Phase)
	assert.Equal(t, 100, st.Percent)
	assert.True(t, st.HasPercent)
}

func TestRender(t *testing.T) {
	assert.Equal(t, "*◐ T*\nStarting…", State{Title: "T", Phase: "Starting…"}.Render())
	assert.Equal(t, "*◒ T* `40%`\np", State{Title: "T", Phase: "p", Percent: 40, HasPercent: true, Frame: 7}.Render())
	assert.Equal(t, "*⏸ T stopped*\nbye", RenderStopped("T", "bye"))
}
