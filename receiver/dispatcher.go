package receiver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/envelope"
	"github.com/meow-io/go-inbox/event"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
	"github.com/meow-io/go-inbox/mls"
	"github.com/meow-io/go-inbox/proteus"
	"go.uber.org/zap"
)

var ErrNoGroup = errors.New("receiver: conversation has no mls group")

// Longest commit delay honored, one day.
const maxCommitDelaySeconds = 24 * 60 * 60

type ProteusDecrypter interface {
	Decrypt(ctx context.Context, id proteus.SessionID, encrypted []byte) ([]byte, error)
}

type GroupMessageProcessor interface {
	ProcessGroupMessage(ctx context.Context, group ids.GroupID, message []byte) (*mls.DecryptedBundle, error)
}

type CommitScheduler interface {
	ScheduleCommit(group ids.GroupID, at time.Time) error
}

type ConversationLookup interface {
	Conversation(id ids.ConversationID) (*conversation.Conversation, error)
}

// The outcome of decrypting one message event. Content is a FailedDecryption placeholder when the
// ciphertext could not be turned into content.
type Decrypted struct {
	MessageID      string
	Conversation   ids.ConversationID
	SenderUserID   ids.UserID
	SenderClientID ids.ClientID
	Date           time.Time
	Content        message.Payload
	ExpireAfter    *time.Duration
}

func (d *Decrypted) Failed() bool {
	_, ok := d.Content.(*message.FailedDecryption)
	return ok
}

// Turns message events into content. Failures never escape: they become a placeholder which is stored
// in place of the message so one bad ciphertext does not hold up the events after it.
type DecryptionDispatcher struct {
	log           *zap.SugaredLogger
	proteus       ProteusDecrypter
	groups        GroupMessageProcessor
	conversations ConversationLookup
	proposals     CommitScheduler
}

func NewDecryptionDispatcher(c *config.Config, p ProteusDecrypter, groups GroupMessageProcessor, conversations ConversationLookup, proposals CommitScheduler) *DecryptionDispatcher {
	return &DecryptionDispatcher{
		log:           c.Logger("receiver/decrypt"),
		proteus:       p,
		groups:        groups,
		conversations: conversations,
		proposals:     proposals,
	}
}

func (d *DecryptionDispatcher) failed(ev event.Event, sender ids.UserID, client ids.ClientID, date time.Time, encoded []byte, err error) *Decrypted {
	d.log.Warnf("error decrypting event %s in %s from %s/%s: %v", ev.EventID(), ev.ConversationID(), sender, client, err)
	return &Decrypted{
		MessageID:      ev.EventID(),
		Conversation:   ev.ConversationID(),
		SenderUserID:   sender,
		SenderClientID: client,
		Date:           date,
		Content:        &message.FailedDecryption{EncodedData: encoded, Reason: err.Error()},
	}
}

func (d *DecryptionDispatcher) readable(ev event.Event, sender ids.UserID, client ids.ClientID, date time.Time, r *envelope.Readable) *Decrypted {
	return &Decrypted{
		MessageID:      r.MessageID,
		Conversation:   ev.ConversationID(),
		SenderUserID:   sender,
		SenderClientID: client,
		Date:           date,
		Content:        r.Content,
		ExpireAfter:    r.ExpireAfter,
	}
}

func (d *DecryptionDispatcher) DecryptProteus(ctx context.Context, ev *event.NewMessage) *Decrypted {
	encrypted, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return d.failed(ev, ev.SenderUserID, ev.SenderClientID, ev.Timestamp, []byte(ev.Content), fmt.Errorf("receiver: error decoding content: %w", err))
	}
	plain, err := d.proteus.Decrypt(ctx, proteus.SessionID{User: ev.SenderUserID, Client: ev.SenderClientID}, encrypted)
	if err != nil {
		return d.failed(ev, ev.SenderUserID, ev.SenderClientID, ev.Timestamp, encrypted, err)
	}
	r, err := envelope.Unwrap(plain, ev.ExternalContent)
	if err != nil {
		return d.failed(ev, ev.SenderUserID, ev.SenderClientID, ev.Timestamp, encrypted, err)
	}
	return d.readable(ev, ev.SenderUserID, ev.SenderClientID, ev.Timestamp, r)
}

// Returns nil when the group message carried no application message, as for commits and proposals, or when
// the engine returned no bundle at all.
// MLS senders are users, so the client id is always empty.
func (d *DecryptionDispatcher) DecryptMLS(ctx context.Context, ev *event.NewMLSMessage) *Decrypted {
	encrypted, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return d.failed(ev, ev.SenderUserID, "", ev.Timestamp, []byte(ev.Content), fmt.Errorf("receiver: error decoding content: %w", err))
	}
	conv, err := d.conversations.Conversation(ev.Conversation)
	if err != nil {
		return d.failed(ev, ev.SenderUserID, "", ev.Timestamp, encrypted, fmt.Errorf("receiver: error resolving group of %s: %w", ev.Conversation, err))
	}
	if conv.GroupID == "" {
		return d.failed(ev, ev.SenderUserID, "", ev.Timestamp, encrypted, ErrNoGroup)
	}
	bundle, err := d.groups.ProcessGroupMessage(ctx, conv.GroupID, encrypted)
	if err != nil {
		return d.failed(ev, ev.SenderUserID, "", ev.Timestamp, encrypted, err)
	}
	if bundle == nil {
		return nil
	}
	if bundle.CommitDelay != nil {
		group := bundle.GroupID
		if group == "" {
			group = conv.GroupID
		}
		delay := *bundle.CommitDelay
		if delay > maxCommitDelaySeconds {
			d.log.Warnf("commit delay of %ds for %s exceeds %ds, clamping", delay, group, maxCommitDelaySeconds)
			delay = maxCommitDelaySeconds
		}
		at := ev.Timestamp.Add(time.Duration(delay) * time.Second)
		if err := d.proposals.ScheduleCommit(group, at); err != nil {
			d.log.Warnf("error scheduling commit for %s at %s: %v", group, at, err)
		}
	}
	if bundle.Message == nil {
		return nil
	}
	r, err := envelope.UnwrapDirect(bundle.Message)
	if err != nil {
		return d.failed(ev, ev.SenderUserID, "", ev.Timestamp, encrypted, err)
	}
	return d.readable(ev, ev.SenderUserID, "", ev.Timestamp, r)
}
