package inbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/event"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
	"github.com/meow-io/go-inbox/mls"
	"github.com/meow-io/go-inbox/notify"
	"github.com/stretchr/testify/require"
)

var (
	conv  = ids.ConversationID{Value: "conv", Domain: "example.com"}
	self  = ids.UserID{Value: "self", Domain: "example.com"}
	alice = ids.UserID{Value: "alice", Domain: "example.com"}
)

type sliceStream struct {
	events []event.Event
	since  chan string
}

func (s *sliceStream) Since(ctx context.Context, id string) (<-chan event.Event, <-chan error, error) {
	s.since <- id
	start := 0
	for i, ev := range s.events {
		if ev.EventID() == id {
			start = i + 1
		}
	}
	out := make(chan event.Event)
	go func() {
		defer close(out)
		for _, ev := range s.events[start:] {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil, nil
}

type noMLS struct{}

func (noMLS) ProcessGroupMessage(ctx context.Context, group ids.GroupID, message []byte) (*mls.DecryptedBundle, error) {
	return nil, errors.New("no groups")
}

func (noMLS) EstablishGroupFromWelcome(ctx context.Context, welcome []byte) (ids.GroupID, error) {
	return "", errors.New("no groups")
}

func (noMLS) CommitPendingProposals(ctx context.Context, group ids.GroupID) error {
	return nil
}

type directory struct{}

func (directory) FetchConversation(ctx context.Context, id ids.ConversationID) (*conversation.Conversation, error) {
	return &conversation.Conversation{ID: id, Name: "team"}, nil
}

func (directory) FetchUsers(ctx context.Context, users []ids.UserID) ([]*conversation.User, error) {
	return nil, nil
}

type noCalls struct{}

func (noCalls) OnCallingMessage(ctx context.Context, m *message.Regular, c *message.Calling) error {
	return nil
}

type noDeletions struct{}

func (noDeletions) SendDeletion(ctx context.Context, conv ids.ConversationID, deletionID, target string) error {
	return nil
}

func newInbox(t *testing.T, root string, events ...event.Event) (*Inbox, *sliceStream) {
	c := config.NewConfig(config.WithRootDir(root), config.WithReconnectMs(10, 50))
	stream := &sliceStream{events: events, since: make(chan string, 16)}
	i, err := New(c, Services{
		Self:      self,
		Stream:    stream,
		MLS:       noMLS{},
		Directory: directory{},
		Calls:     noCalls{},
		Deletions: noDeletions{},
	})
	require.Nil(t, err)
	return i, stream
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	i, _ := newInbox(t, root)
	require.True(i.New())
	key, err := i.NewKey("password")
	require.Nil(err)
	require.NotNil(i.Open(key))
	require.Nil(i.Initialize(key))
	require.True(i.Running())
	require.Nil(i.SetFileSharing(true))
	require.Nil(i.Shutdown())
	require.True(i.Initialized())
	require.NotNil(i.OnEvent(context.Background(), &event.MemberChanged{}))

	again, _ := newInbox(t, root)
	require.True(again.Initialized())
	key, err = again.NewKey("password")
	require.Nil(err)
	require.Nil(again.Open(key))
	enabled, err := again.Store().FileSharingEnabled()
	require.Nil(err)
	require.True(enabled)
	require.Nil(again.Shutdown())
}

func TestSyncStartsOnRegistration(t *testing.T) {
	require := require.New(t)
	i, stream := newInbox(t, t.TempDir(),
		&event.MemberJoin{
			Base:    event.Base{ID: "e1", Conversation: conv, Timestamp: time.UnixMilli(1_000)},
			AddedBy: alice,
			Members: []conversation.Member{{ID: self, Role: conversation.RoleMember}},
		},
		&event.DeletedConversation{
			Base:         event.Base{ID: "e2", Conversation: conv, Timestamp: time.UnixMilli(2_000)},
			SenderUserID: alice,
		},
	)
	key, err := i.NewKey("password")
	require.Nil(err)
	require.Nil(i.Initialize(key))
	defer func() {
		require.Nil(i.Shutdown())
	}()

	select {
	case <-stream.since:
		require.FailNow("synced before a client was registered")
	case <-time.After(50 * time.Millisecond):
	}

	require.Nil(i.RegisterClient("c1"))
	require.Equal("", <-stream.since)
	select {
	case n := <-i.Updates():
		deleted := n.(*notify.ConversationDeleted)
		require.Equal(alice, deleted.By)
		require.Equal("team", deleted.Conversation.Name)
	case <-time.After(5 * time.Second):
		require.FailNow("no notification")
	}
	require.Eventually(func() bool {
		last, err := i.Store().LastProcessedID()
		return err == nil && last == "e2"
	}, 5*time.Second, 5*time.Millisecond)

	_, err = i.Store().Message(conv, "e1")
	require.ErrorIs(err, sql.ErrNoRows)
}
