package ephemeral

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/asset"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/internal/test"
	"github.com/meow-io/go-inbox/message"
	"github.com/meow-io/go-inbox/notify"
	"github.com/meow-io/go-inbox/storage"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var (
	conv  = ids.ConversationID{Value: "conv", Domain: "example.com"}
	self  = ids.UserID{Value: "self", Domain: "example.com"}
	other = ids.UserID{Value: "other", Domain: "example.com"}
)

type countingStore struct {
	*storage.Store
	lock  sync.Mutex
	marks int
}

func (s *countingStore) MarkSelfDeletionDates(conv ids.ConversationID, id string, start, end time.Time) (message.ExpirationData, bool, error) {
	exp, stamped, err := s.Store.MarkSelfDeletionDates(conv, id, start, end)
	s.lock.Lock()
	s.marks++
	s.lock.Unlock()
	return exp, stamped, err
}

func (s *countingStore) markCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.marks
}

type fakeDeleter struct {
	deleted chan string
	fail    bool
}

func newFakeDeleter() *fakeDeleter {
	return &fakeDeleter{deleted: make(chan string, 10)}
}

func (f *fakeDeleter) Delete(ctx context.Context, conv ids.ConversationID, id string) error {
	f.deleted <- id
	if f.fail {
		return errors.New("delete failed")
	}
	return nil
}

type harness struct {
	c          *config.Config
	store      *countingStore
	asSender   *fakeDeleter
	asReceiver *fakeDeleter
	clock      *test.Clock
	scheduler  *Scheduler
}

func newHarness(t *testing.T) *harness {
	c := config.NewConfig(config.WithRootDir(t.TempDir()))
	s, err := storage.New(c, test.NewTestDatabase(c))
	require.Nil(t, err)
	h := &harness{
		c:          c,
		store:      &countingStore{Store: s},
		asSender:   newFakeDeleter(),
		asReceiver: newFakeDeleter(),
		clock:      test.NewClock(),
	}
	h.scheduler = NewScheduler(c, h.clock, self, h.store, h.asSender, h.asReceiver)
	t.Cleanup(h.scheduler.Shutdown)
	return h
}

func (h *harness) insert(t *testing.T, id string, sender ids.UserID, expireAfter time.Duration) *message.Regular {
	m := message.NewRegular(id, conv, sender, "client", h.clock.Now(), message.StatusSent, &message.Text{Value: id})
	m.Expiration = &message.ExpirationData{ExpireAfter: expireAfter}
	_, err := h.store.InsertMessage(m)
	require.Nil(t, err)
	return m
}

func waitDeleted(t *testing.T, d *fakeDeleter) string {
	select {
	case id := <-d.deleted:
		return id
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for deletion")
		return ""
	}
}

func requireNoDeletion(t *testing.T, d *fakeDeleter, wait time.Duration) {
	select {
	case id := <-d.deleted:
		require.FailNow(t, "unexpected deletion", id)
	case <-time.After(wait):
	}
}

func TestConcurrentEnqueueDeletesOnce(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	m := h.insert(t, "m1", other, 50*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i != 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.scheduler.EnqueueSelfDeletion(m, *m.Expiration)
		}()
	}
	wg.Wait()

	require.Equal("m1", waitDeleted(t, h.asReceiver))
	requireNoDeletion(t, h.asReceiver, 150*time.Millisecond)
	requireNoDeletion(t, h.asSender, 0)
	require.Equal(1, h.store.markCount())
	require.Eventually(func() bool { return h.scheduler.Tracker().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEndDateFixedAtFirstArm(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	m := h.insert(t, "m1", other, time.Hour)

	h.scheduler.EnqueueSelfDeletion(m, *m.Expiration)
	require.Eventually(func() bool { return h.store.markCount() == 1 }, time.Second, 10*time.Millisecond)
	got, err := h.store.Message(conv, "m1")
	require.Nil(err)
	first := *got.(*message.Regular).Expiration
	require.True(first.Status.Started)
	require.Equal(first.Status.StartedAt.Add(time.Hour), first.Status.EndAt)

	h.scheduler.EnqueueSelfDeletion(m, *m.Expiration)
	h.scheduler.Shutdown()
	require.Equal(1, h.store.markCount())

	h.clock.Advance(time.Minute)
	again := NewScheduler(h.c, h.clock, self, h.store, h.asSender, h.asReceiver)
	defer again.Shutdown()
	require.Nil(again.EnqueuePendingSelfDeletionMessages())
	require.Eventually(func() bool { return again.Tracker().Tracked(conv, "m1") }, time.Second, 10*time.Millisecond)
	got, err = h.store.Message(conv, "m1")
	require.Nil(err)
	require.Equal(first, *got.(*message.Regular).Expiration)
	require.Equal(1, h.store.markCount())
}

func TestOwnMessagesDeleteAsSender(t *testing.T) {
	h := newHarness(t)
	h.insert(t, "mine", self, 10*time.Millisecond)
	require.Nil(t, h.scheduler.StartSelfDeletion(conv, "mine"))
	require.Equal(t, "mine", waitDeleted(t, h.asSender))
	requireNoDeletion(t, h.asReceiver, 50*time.Millisecond)
}

func TestStartSelfDeletionSkips(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	pending := message.NewRegular("pending", conv, self, "client", h.clock.Now(), message.StatusPending, &message.Text{Value: "p"})
	pending.Expiration = &message.ExpirationData{ExpireAfter: time.Millisecond}
	_, err := h.store.InsertMessage(pending)
	require.Nil(err)
	_, err = h.store.InsertMessage(message.NewRegular("plain", conv, other, "client", h.clock.Now(), message.StatusSent, &message.Text{Value: "x"}))
	require.Nil(err)

	require.Nil(h.scheduler.StartSelfDeletion(conv, "pending"))
	require.Nil(h.scheduler.StartSelfDeletion(conv, "plain"))
	require.Equal(0, h.scheduler.Tracker().Len())
	require.ErrorIs(h.scheduler.StartSelfDeletion(conv, "missing"), sql.ErrNoRows)
	requireNoDeletion(t, h.asSender, 50*time.Millisecond)
}

func TestCatchUpDeletesElapsedWithoutWaiting(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.insert(t, "old", other, time.Minute)
	h.insert(t, "fresh", other, time.Minute)
	start := h.clock.Now().Add(-time.Hour)
	_, _, err := h.store.MarkSelfDeletionDates(conv, "old", start, start.Add(time.Minute))
	require.Nil(err)

	require.Nil(h.scheduler.DeleteSelfDeletionMessagesFromEndDate())
	require.Equal("old", waitDeleted(t, h.asReceiver))
	requireNoDeletion(t, h.asReceiver, 0)
	require.Equal(0, h.scheduler.Tracker().Len())
}

func TestCatchUpLeavesInFlightDeletions(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.insert(t, "old", other, time.Minute)
	start := h.clock.Now().Add(-time.Hour)
	_, _, err := h.store.MarkSelfDeletionDates(conv, "old", start, start.Add(time.Minute))
	require.Nil(err)

	require.True(h.scheduler.Tracker().Claim(conv, "old"))
	require.Nil(h.scheduler.DeleteSelfDeletionMessagesFromEndDate())
	requireNoDeletion(t, h.asReceiver, 50*time.Millisecond)
	require.True(h.scheduler.Tracker().Tracked(conv, "old"))
}

func TestFailedDeletionReleasesKey(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.asReceiver.fail = true
	m := h.insert(t, "m1", other, time.Millisecond)

	h.scheduler.EnqueueSelfDeletion(m, *m.Expiration)
	require.Equal("m1", waitDeleted(t, h.asReceiver))
	require.Eventually(func() bool { return !h.scheduler.Tracker().Tracked(conv, "m1") }, time.Second, 10*time.Millisecond)
	requireNoDeletion(t, h.asReceiver, 50*time.Millisecond)
}

func TestShutdownAbandonsWaits(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	m := h.insert(t, "m1", other, time.Hour)
	h.scheduler.EnqueueSelfDeletion(m, *m.Expiration)
	h.scheduler.Shutdown()
	require.Equal(0, h.scheduler.Tracker().Len())

	h.scheduler.EnqueueSelfDeletion(m, *m.Expiration)
	require.Equal(0, h.scheduler.Tracker().Len())
	requireNoDeletion(t, h.asReceiver, 20*time.Millisecond)

	got, err := h.store.Message(conv, "m1")
	require.Nil(err)
	require.True(got.(*message.Regular).Expiration.Status.Started)
}

type fakeDeletionSender struct {
	sent        []string
	deletionIDs []string
	err         error
}

func (f *fakeDeletionSender) SendDeletion(ctx context.Context, conv ids.ConversationID, deletionID, target string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, target)
	f.deletionIDs = append(f.deletionIDs, deletionID)
	return nil
}

func TestAsSenderLeavesTombstone(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.insert(t, "m1", self, time.Minute)
	sender := &fakeDeletionSender{}

	require.Nil(NewAsSender(h.store, sender).Delete(context.Background(), conv, "m1"))
	require.Equal([]string{"m1"}, sender.sent)
	require.Len(sender.deletionIDs, 1)
	require.NotEqual("m1", sender.deletionIDs[0])
	require.NotEmpty(sender.deletionIDs[0])
	got, err := h.store.Message(conv, "m1")
	require.Nil(err)
	require.Equal(message.VisibilityDeleted, got.Meta().Visibility)
}

func TestAsSenderFailedSendStaysEligible(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.insert(t, "m1", self, time.Minute)
	start := h.clock.Now().Add(-time.Hour)
	_, _, err := h.store.MarkSelfDeletionDates(conv, "m1", start, start.Add(time.Minute))
	require.Nil(err)
	sender := &fakeDeletionSender{err: errors.New("offline")}

	require.NotNil(NewAsSender(h.store, sender).Delete(context.Background(), conv, "m1"))
	got, err := h.store.Message(conv, "m1")
	require.Nil(err)
	require.Equal(message.VisibilityVisible, got.Meta().Visibility)

	ended, err := h.store.SelfDeletionMessagesEndedBy(h.clock.Now())
	require.Nil(err)
	require.Len(ended, 1)
	require.Equal("m1", ended[0].ID)
	pending, err := h.store.PendingSelfDeletionMessages()
	require.Nil(err)
	require.Len(pending, 1)

	sender.err = nil
	require.Nil(NewAsSender(h.store, sender).Delete(context.Background(), conv, "m1"))
	require.Equal([]string{"m1"}, sender.sent)
	ended, err = h.store.SelfDeletionMessagesEndedBy(h.clock.Now())
	require.Nil(err)
	require.Len(ended, 0)
}

func TestAsReceiverRemovesRowAndAsset(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	assets := asset.NewStore(h.c)
	notifications := notify.NewManager(h.c)

	a := &message.Asset{Name: "cat.png", MimeType: "image/png", RemoteData: message.RemoteData{AssetID: "asset-1"}}
	m := message.NewRegular("m1", conv, other, "client", h.clock.Now(), message.StatusSent, a)
	_, err := h.store.InsertMessage(m)
	require.Nil(err)
	_, err = assets.Save(conv, "asset-1", "image/png", []byte("png"))
	require.Nil(err)

	d := NewAsReceiver(h.store, assets, notifications)
	require.Nil(d.Delete(context.Background(), conv, "m1"))
	_, err = h.store.Message(conv, "m1")
	require.ErrorIs(err, sql.ErrNoRows)
	_, err = assets.Path(conv, "asset-1")
	require.ErrorIs(err, os.ErrNotExist)
	require.Equal(&notify.MessageExpired{Conversation: conv, MessageID: "m1"}, <-notifications.Updates())

	require.Nil(d.Delete(context.Background(), conv, "m1"))
}
