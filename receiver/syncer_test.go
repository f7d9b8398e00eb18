package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/event"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/slowsync"
	"github.com/stretchr/testify/require"
)

// Delivers the events after the requested id, then stays open like a live connection until ctx is done.
type fakeStream struct {
	events []event.Event
	since  chan string
	ended  chan struct{}
}

func newFakeStream(events []event.Event) *fakeStream {
	return &fakeStream{events: events, since: make(chan string, 16), ended: make(chan struct{}, 16)}
}

func (f *fakeStream) Since(ctx context.Context, id string) (<-chan event.Event, <-chan error, error) {
	f.since <- id
	start := 0
	for i, ev := range f.events {
		if ev.EventID() == id {
			start = i + 1
		}
	}
	out := make(chan event.Event)
	go func() {
		defer close(out)
		for _, ev := range f.events[start:] {
			select {
			case out <- ev:
			case <-ctx.Done():
				f.ended <- struct{}{}
				return
			}
		}
		<-ctx.Done()
		f.ended <- struct{}{}
	}()
	return out, make(chan error), nil
}

type fakeTracker struct {
	lock sync.Mutex
	last string
}

func (f *fakeTracker) LastProcessedID() (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.last, nil
}

func (f *fakeTracker) MarkLastProcessed(id string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.last = id
	return nil
}

type fakeGate struct {
	resolutions chan slowsync.Resolution
}

func (f *fakeGate) Resolutions(ctx context.Context) <-chan slowsync.Resolution {
	return f.resolutions
}

type recordingHandler struct {
	lock    sync.Mutex
	handled map[ids.ConversationID][]string
	all     []string
	fail    map[string]bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{handled: make(map[ids.ConversationID][]string), fail: make(map[string]bool)}
}

func (h *recordingHandler) OnEvent(ctx context.Context, ev event.Event) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.handled[ev.ConversationID()] = append(h.handled[ev.ConversationID()], ev.EventID())
	h.all = append(h.all, ev.EventID())
	if h.fail[ev.EventID()] {
		return errors.New("boom")
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.all)
}

func syncEvents(convs, perConv int) []event.Event {
	var out []event.Event
	n := 0
	for i := 0; i < perConv; i++ {
		for c := 0; c < convs; c++ {
			n++
			out = append(out, &event.MemberChanged{Base: event.Base{
				ID:           fmt.Sprintf("e%03d", n),
				Conversation: ids.ConversationID{Value: fmt.Sprintf("conv-%d", c), Domain: "example.com"},
			}})
		}
	}
	return out
}

func newTestSyncer(t *testing.T, atLeastOnce bool, stream *fakeStream, tracker *fakeTracker, h *recordingHandler) (*Syncer, *fakeGate) {
	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithEventWorkers(4),
		config.WithAtLeastOnce(atLeastOnce),
		config.WithReconnectMs(10, 50),
	)
	gate := &fakeGate{resolutions: make(chan slowsync.Resolution, 4)}
	s := NewSyncer(c, gate, stream, tracker, h)
	s.Start()
	t.Cleanup(s.Shutdown)
	return s, gate
}

func (f *fakeTracker) get() string {
	last, _ := f.LastProcessedID()
	return last
}

func TestSyncerKeepsConversationOrder(t *testing.T) {
	require := require.New(t)
	events := syncEvents(3, 20)
	stream := newFakeStream(events)
	tracker := &fakeTracker{}
	h := newRecordingHandler()
	_, gate := newTestSyncer(t, false, stream, tracker, h)

	gate.resolutions <- slowsync.Ready
	require.Eventually(func() bool { return tracker.get() == "e060" }, 5*time.Second, 5*time.Millisecond)
	require.Equal(60, h.count())

	h.lock.Lock()
	defer h.lock.Unlock()
	for c := 0; c < 3; c++ {
		got := h.handled[ids.ConversationID{Value: fmt.Sprintf("conv-%d", c), Domain: "example.com"}]
		require.Len(got, 20)
		for i := 1; i < len(got); i++ {
			require.Less(got[i-1], got[i])
		}
	}
}

func TestSyncerResumesAfterTracker(t *testing.T) {
	require := require.New(t)
	stream := newFakeStream(syncEvents(1, 5))
	tracker := &fakeTracker{last: "e002"}
	h := newRecordingHandler()
	_, gate := newTestSyncer(t, false, stream, tracker, h)

	gate.resolutions <- slowsync.Ready
	require.Equal("e002", <-stream.since)
	require.Eventually(func() bool { return tracker.get() == "e005" }, 5*time.Second, 5*time.Millisecond)
	require.Equal(3, h.count())
}

func TestSyncerAtLeastOnceHoldsCursor(t *testing.T) {
	require := require.New(t)
	stream := newFakeStream(syncEvents(1, 4))
	tracker := &fakeTracker{}
	h := newRecordingHandler()
	h.fail["e002"] = true
	_, gate := newTestSyncer(t, true, stream, tracker, h)

	gate.resolutions <- slowsync.Ready
	require.Eventually(func() bool { return h.count() == 4 }, 5*time.Second, 5*time.Millisecond)
	// Give the collector time to record the results of the handled events.
	time.Sleep(50 * time.Millisecond)
	require.Equal("e001", tracker.get())
}

func TestSyncerSkipsFailuresByDefault(t *testing.T) {
	require := require.New(t)
	stream := newFakeStream(syncEvents(1, 4))
	tracker := &fakeTracker{}
	h := newRecordingHandler()
	h.fail["e002"] = true
	_, gate := newTestSyncer(t, false, stream, tracker, h)

	gate.resolutions <- slowsync.Ready
	require.Eventually(func() bool { return tracker.get() == "e004" }, 5*time.Second, 5*time.Millisecond)
}

func TestSyncerFollowsGate(t *testing.T) {
	require := require.New(t)
	stream := newFakeStream(syncEvents(1, 2))
	tracker := &fakeTracker{}
	h := newRecordingHandler()
	_, gate := newTestSyncer(t, false, stream, tracker, h)

	gate.resolutions <- slowsync.MissingRequirement("Client is not registered")
	select {
	case id := <-stream.since:
		require.FailNow("synced while not ready", "since %q", id)
	case <-time.After(50 * time.Millisecond):
	}

	gate.resolutions <- slowsync.Ready
	require.Equal("", <-stream.since)
	require.Eventually(func() bool { return tracker.get() == "e002" }, 5*time.Second, 5*time.Millisecond)

	gate.resolutions <- slowsync.MissingRequirement("Logout: removed client")
	select {
	case <-stream.ended:
	case <-time.After(5 * time.Second):
		require.FailNow("stream still open after losing readiness")
	}

	gate.resolutions <- slowsync.Ready
	require.Equal("e002", <-stream.since)
}
