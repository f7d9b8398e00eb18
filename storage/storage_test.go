package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/internal/test"
	"github.com/meow-io/go-inbox/message"
	"github.com/meow-io/go-inbox/slowsync"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var (
	conv  = ids.ConversationID{Value: "conv", Domain: "example.com"}
	alice = ids.UserID{Value: "alice", Domain: "example.com"}
	bob   = ids.UserID{Value: "bob", Domain: "example.com"}
)

func newStore(t *testing.T) *Store {
	c := config.NewConfig()
	s, err := New(c, test.NewTestDatabase(c))
	require.Nil(t, err)
	return s
}

func text(id, value string) *message.Regular {
	return message.NewRegular(id, conv, alice, "client", time.UnixMilli(1_000), message.StatusSent, &message.Text{Value: value})
}

func TestInsertMessageIsIdempotent(t *testing.T) {
	require := require.New(t)
	s := newStore(t)

	inserted, err := s.InsertMessage(text("m1", "hello"))
	require.Nil(err)
	require.True(inserted)
	inserted, err = s.InsertMessage(text("m1", "replayed"))
	require.Nil(err)
	require.False(inserted)

	ms, err := s.Messages(conv)
	require.Nil(err)
	require.Len(ms, 1)
	require.Equal(&message.Text{Value: "hello"}, ms[0].(*message.Regular).Content)
}

func TestMessageRoundTrip(t *testing.T) {
	require := require.New(t)
	s := newStore(t)

	m := text("m1", "hello")
	m.Expiration = &message.ExpirationData{ExpireAfter: time.Minute}
	_, err := s.InsertMessage(m)
	require.Nil(err)
	sys := &message.System{
		Base:    message.Base{ID: "s1", Conversation: conv, SenderUserID: bob, Date: time.UnixMilli(2_000), Status: message.StatusSent},
		Content: &message.MemberChange{Change: message.MemberChangeAdded, Members: []ids.UserID{alice}},
	}
	_, err = s.InsertMessage(sys)
	require.Nil(err)

	got, err := s.Message(conv, "m1")
	require.Nil(err)
	require.Equal(m, got)
	got, err = s.Message(conv, "s1")
	require.Nil(err)
	require.Equal(sys, got)

	_, err = s.Message(conv, "missing")
	require.ErrorIs(err, sql.ErrNoRows)
}

func TestSelfDeletionDatesAreStampedOnce(t *testing.T) {
	require := require.New(t)
	s := newStore(t)
	m := text("m1", "hello")
	m.Expiration = &message.ExpirationData{ExpireAfter: time.Minute}
	_, err := s.InsertMessage(m)
	require.Nil(err)

	start := time.UnixMilli(10_000)
	exp, stamped, err := s.MarkSelfDeletionDates(conv, "m1", start, start.Add(time.Minute))
	require.Nil(err)
	require.True(stamped)
	require.Equal(start.Add(time.Minute), exp.Status.EndAt)

	exp, stamped, err = s.MarkSelfDeletionDates(conv, "m1", start.Add(time.Hour), start.Add(2*time.Hour))
	require.Nil(err)
	require.False(stamped)
	require.Equal(start, exp.Status.StartedAt)
	require.Equal(start.Add(time.Minute), exp.Status.EndAt)
}

func TestSelfDeletionQueries(t *testing.T) {
	require := require.New(t)
	s := newStore(t)

	armed := text("armed", "a")
	armed.Expiration = &message.ExpirationData{ExpireAfter: time.Minute}
	pending := text("pending", "b")
	pending.Status = message.StatusPending
	pending.Expiration = &message.ExpirationData{ExpireAfter: time.Minute}
	plain := text("plain", "c")
	for _, m := range []*message.Regular{armed, pending, plain} {
		_, err := s.InsertMessage(m)
		require.Nil(err)
	}

	ms, err := s.PendingSelfDeletionMessages()
	require.Nil(err)
	require.Len(ms, 1)
	require.Equal("armed", ms[0].ID)

	start := time.UnixMilli(10_000)
	_, _, err = s.MarkSelfDeletionDates(conv, "armed", start, start.Add(time.Minute))
	require.Nil(err)

	ms, err = s.SelfDeletionMessagesEndedBy(start)
	require.Nil(err)
	require.Len(ms, 0)
	ms, err = s.SelfDeletionMessagesEndedBy(start.Add(time.Minute))
	require.Nil(err)
	require.Len(ms, 1)

	require.Nil(s.MarkDeleted(conv, "armed"))
	got, err := s.Message(conv, "armed")
	require.Nil(err)
	require.Equal(message.VisibilityDeleted, got.Meta().Visibility)
	require.Equal(&message.Empty{}, got.(*message.Regular).Content)
	ms, err = s.PendingSelfDeletionMessages()
	require.Nil(err)
	require.Len(ms, 0)
}

func TestUpdateAssetContent(t *testing.T) {
	require := require.New(t)
	s := newStore(t)
	preview := message.NewRegular("a1", conv, alice, "client", time.UnixMilli(1_000), message.StatusSent, &message.Asset{Name: "cat.png"})
	_, err := s.InsertMessage(preview)
	require.Nil(err)

	full := &message.Asset{Name: "cat.png", RemoteData: message.RemoteData{OtrKey: []byte{1}, Sha256: []byte{2}, AssetID: "remote"}}
	require.Nil(s.UpdateAssetContent(conv, "a1", full))
	got, err := s.Message(conv, "a1")
	require.Nil(err)
	require.Equal(full, got.(*message.Regular).Content)

	require.ErrorIs(s.UpdateAssetContent(conv, "missing", full), sql.ErrNoRows)
}

func TestConversationsAndMembers(t *testing.T) {
	require := require.New(t)
	s := newStore(t)

	c := &conversation.Conversation{ID: conv, Name: "team", Protocol: conversation.ProtocolMLS, GroupID: "g1", LastModified: time.UnixMilli(5_000)}
	require.Nil(s.UpsertConversation(c))
	got, err := s.ConversationByGroupID("g1")
	require.Nil(err)
	require.Equal(c, got)

	require.Nil(s.UpdateLastModified(conv, time.UnixMilli(6_000)))
	got, err = s.Conversation(conv)
	require.Nil(err)
	require.Equal(time.UnixMilli(6_000), got.LastModified)

	require.Nil(s.InsertMembers(conv, []conversation.Member{{ID: bob, Role: conversation.RoleMember}, {ID: alice, Role: conversation.RoleAdmin}}))
	require.Nil(s.UpdateMember(conv, conversation.Member{ID: bob, Role: conversation.RoleAdmin}))
	members, err := s.Members(conv)
	require.Nil(err)
	require.Equal([]conversation.Member{{ID: alice, Role: conversation.RoleAdmin}, {ID: bob, Role: conversation.RoleAdmin}}, members)

	require.Nil(s.DeleteMembers(conv, []ids.UserID{bob}))
	members, err = s.Members(conv)
	require.Nil(err)
	require.Len(members, 1)

	_, err = s.InsertMessage(text("m1", "hello"))
	require.Nil(err)
	require.Nil(s.DeleteConversation(conv))
	_, err = s.Conversation(conv)
	require.ErrorIs(err, sql.ErrNoRows)
	ms, err := s.Messages(conv)
	require.Nil(err)
	require.Len(ms, 0)
}

func TestClearConversation(t *testing.T) {
	require := require.New(t)
	s := newStore(t)
	require.Nil(s.UpsertConversation(&conversation.Conversation{ID: conv}))
	old := text("old", "a")
	recent := text("recent", "b")
	recent.Date = time.UnixMilli(9_000)
	for _, m := range []*message.Regular{old, recent} {
		_, err := s.InsertMessage(m)
		require.Nil(err)
	}
	require.Nil(s.ClearConversation(conv, time.UnixMilli(5_000)))
	ms, err := s.Messages(conv)
	require.Nil(err)
	require.Len(ms, 1)
	require.Equal("recent", ms[0].Meta().ID)
}

func TestUsers(t *testing.T) {
	require := require.New(t)
	s := newStore(t)
	_, err := s.User(bob)
	require.ErrorIs(err, sql.ErrNoRows)

	require.Nil(s.UpdateAvailability(bob, conversation.AvailabilityBusy))
	u, err := s.User(bob)
	require.Nil(err)
	require.Equal(conversation.AvailabilityBusy, u.Availability)

	require.Nil(s.UpsertUser(&conversation.User{ID: bob, Name: "Bob", Availability: conversation.AvailabilityAway}))
	u, err = s.User(bob)
	require.Nil(err)
	require.Equal("Bob", u.Name)
}

func TestFileSharing(t *testing.T) {
	require := require.New(t)
	s := newStore(t)
	status, err := s.FileSharingStatus()
	require.Nil(err)
	require.Nil(status)
	enabled, err := s.FileSharingEnabled()
	require.Nil(err)
	require.False(enabled)

	require.Nil(s.SetFileSharing(true))
	enabled, err = s.FileSharingEnabled()
	require.Nil(err)
	require.True(enabled)
}

func TestSessionObservation(t *testing.T) {
	require := require.New(t)
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := s.ObserveCurrentClientID(ctx)
	require.Nil(<-clients)

	id := ids.ClientID("c1")
	require.Nil(s.SetCurrentClientID(&id))
	select {
	case got := <-clients:
		require.Equal(id, *got)
	case <-time.After(5 * time.Second):
		require.FailNow("no client id emitted")
	}

	reason := slowsync.LogoutRemovedClient
	require.Nil(s.SetLogoutReason(&reason))
	got, err := s.LogoutReason()
	require.Nil(err)
	require.Equal(reason, *got)

	require.Nil(s.SetCurrentClientID(&id))
	got, err = s.LogoutReason()
	require.Nil(err)
	require.Nil(got)
}

func TestEventCursorAndTimers(t *testing.T) {
	require := require.New(t)
	s := newStore(t)
	id, err := s.LastProcessedID()
	require.Nil(err)
	require.Equal("", id)
	require.Nil(s.MarkLastProcessed("e5"))
	id, err = s.LastProcessedID()
	require.Nil(err)
	require.Equal("e5", id)

	require.Nil(s.SetProposalTimer("g1", time.UnixMilli(1_000)))
	require.Nil(s.SetProposalTimer("g1", time.UnixMilli(500)))
	timers, err := s.ProposalTimers()
	require.Nil(err)
	require.Equal(map[ids.GroupID]time.Time{"g1": time.UnixMilli(500)}, timers)
	require.Nil(s.ClearProposalTimer("g1"))
	timers, err = s.ProposalTimers()
	require.Nil(err)
	require.Len(timers, 0)
}
