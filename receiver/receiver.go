// This package turns backend events into local conversation state. Message events are decrypted,
// classified and then stored or handed to the handler for their content; membership events update
// conversations and produce system messages. Events of one conversation must be passed in arrival order.
package receiver

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/event"
	"github.com/meow-io/go-inbox/handlers"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
	"github.com/meow-io/go-inbox/notify"
	"go.uber.org/zap"
)

// A request acting on a message claims a sender other than the one who sent that message. Such requests
// are logged and dropped.
var ErrUnverifiedSender = handlers.ErrUnverifiedSender

type MessageStore interface {
	InsertMessage(m message.Message) (bool, error)
	Message(conv ids.ConversationID, id string) (message.Message, error)
	UpdateAssetContent(conv ids.ConversationID, id string, a *message.Asset) error
	MarkDeleted(conv ids.ConversationID, id string) error
}

type ConversationStore interface {
	ConversationLookup
	UpsertConversation(c *conversation.Conversation) error
	UpdateLastModified(id ids.ConversationID, t time.Time) error
	DeleteConversation(id ids.ConversationID) error
}

type MemberStore interface {
	InsertMembers(conv ids.ConversationID, members []conversation.Member) error
	DeleteMembers(conv ids.ConversationID, users []ids.UserID) error
	UpdateMember(conv ids.ConversationID, m conversation.Member) error
}

type UserStore interface {
	User(id ids.UserID) (*conversation.User, error)
	UpsertUser(u *conversation.User) error
	UpdateAvailability(id ids.UserID, a conversation.Availability) error
}

type UserConfig interface {
	FileSharingEnabled() (bool, error)
}

// Fetches records from the backend for conversations and users which are not known locally.
type Directory interface {
	FetchConversation(ctx context.Context, id ids.ConversationID) (*conversation.Conversation, error)
	FetchUsers(ctx context.Context, users []ids.UserID) ([]*conversation.User, error)
}

type WelcomeProcessor interface {
	EstablishGroupFromWelcome(ctx context.Context, welcome []byte) (ids.GroupID, error)
}

// Keeps the published MLS key packages topped up. Joining a group consumes one.
type KeyPackageRefiller interface {
	NeedsRefill(ctx context.Context) (bool, error)
	Refill(ctx context.Context) error
}

type CallManager interface {
	OnCallingMessage(ctx context.Context, m *message.Regular, c *message.Calling) error
}

type TextEditHandler interface {
	Handle(ctx context.Context, m *message.Regular, c *message.TextEdited) error
}

type LastReadHandler interface {
	Handle(ctx context.Context, m *message.Regular, c *message.LastRead) error
}

type ClearConversationHandler interface {
	Handle(ctx context.Context, m *message.Regular, c *message.Cleared) error
}

type DeleteForMeHandler interface {
	Handle(ctx context.Context, m *message.Regular, c *message.DeleteForMe) error
}

type EphemeralScheduler interface {
	EnqueueSelfDeletion(m *message.Regular, exp message.ExpirationData)
}

type LocalAssets interface {
	DeleteLocally(conv ids.ConversationID, assetID string) error
}

type Notifier interface {
	Notify(n notify.Notification)
}

// Collaborators of a Receiver. KeyPackages may be nil.
type Deps struct {
	Dispatcher    *DecryptionDispatcher
	Messages      MessageStore
	Conversations ConversationStore
	Members       MemberStore
	Users         UserStore
	UserConfig    UserConfig
	Directory     Directory
	Welcomes      WelcomeProcessor
	KeyPackages   KeyPackageRefiller
	Calls         CallManager
	Edits         TextEditHandler
	LastRead      LastReadHandler
	Cleared       ClearConversationHandler
	DeleteForMe   DeleteForMeHandler
	Ephemeral     EphemeralScheduler
	Assets        LocalAssets
	Notifier      Notifier
}

type Receiver struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	Deps
}

func New(c *config.Config, cl clock.Clock, deps Deps) *Receiver {
	return &Receiver{log: c.Logger("receiver"), clock: cl, Deps: deps}
}

// Applies one event. Problems with the content of an event are absorbed, a returned error means local state
// could not be written and the event should not be acknowledged.
func (r *Receiver) OnEvent(ctx context.Context, ev event.Event) error {
	err := r.dispatch(ctx, ev)
	if err != nil {
		r.log.Errorf("error handling event %s in %s: %v", ev.EventID(), ev.ConversationID(), err)
	}
	return err
}

func (r *Receiver) dispatch(ctx context.Context, ev event.Event) error {
	switch ev := ev.(type) {
	case *event.NewMessage:
		return r.onDecrypted(ctx, r.Dispatcher.DecryptProteus(ctx, ev))
	case *event.NewMLSMessage:
		d := r.Dispatcher.DecryptMLS(ctx, ev)
		if d == nil {
			return nil
		}
		return r.onDecrypted(ctx, d)
	case *event.NewConversation:
		r.onNewConversation(ev)
		return nil
	case *event.DeletedConversation:
		return r.onDeletedConversation(ev)
	case *event.MemberJoin:
		return r.onMemberJoin(ctx, ev)
	case *event.MemberLeave:
		return r.onMemberLeave(ctx, ev)
	case *event.MemberChanged:
		return r.onMemberChanged(ctx, ev)
	case *event.MLSWelcome:
		r.onWelcome(ctx, ev)
		return nil
	default:
		return fmt.Errorf("receiver: unexpected event %T", ev)
	}
}

func (r *Receiver) onDecrypted(ctx context.Context, d *Decrypted) error {
	switch c := Classify(d).(type) {
	case *Stored:
		return r.onRegular(ctx, c.Message)
	case *Signal:
		return r.onSignal(c)
	default:
		panic(fmt.Sprintf("receiver: unhandled classification %T", c))
	}
}

func (r *Receiver) onSignal(s *Signal) error {
	switch c := s.Content.(type) {
	case *message.Availability:
		return r.Users.UpdateAvailability(s.Sender, c.Status)
	case *message.Ignored:
		return nil
	default:
		return fmt.Errorf("receiver: unhandled signaling %s", c.Kind())
	}
}

func (r *Receiver) onRegular(ctx context.Context, m *message.Regular) error {
	switch c := m.Content.(type) {
	case *message.Text, *message.Knock, *message.FailedDecryption, *message.Unknown, *message.RestrictedAsset:
		return r.persist(m)
	case *message.Asset:
		return r.onAsset(m, c)
	case *message.DeleteMessage:
		return r.onDeleteMessage(m, c)
	case *message.TextEdited:
		return r.verified(m, r.Edits.Handle(ctx, m, c))
	case *message.LastRead:
		return r.verified(m, r.LastRead.Handle(ctx, m, c))
	case *message.Cleared:
		return r.verified(m, r.Cleared.Handle(ctx, m, c))
	case *message.DeleteForMe:
		return r.verified(m, r.DeleteForMe.Handle(ctx, m, c))
	case *message.Calling:
		return r.Calls.OnCallingMessage(ctx, m, c)
	case *message.Empty:
		r.log.Debugf("ignoring empty message %s in %s", m.ID, m.Conversation)
		return nil
	default:
		return fmt.Errorf("receiver: unhandled content %s", c.Kind())
	}
}

func (r *Receiver) verified(m *message.Regular, err error) error {
	if errors.Is(err, ErrUnverifiedSender) {
		r.log.Warnf("dropping %s %s in %s from unverified sender %s", m.Content.Kind(), m.ID, m.Conversation, m.SenderUserID)
		return nil
	}
	return err
}

// Stores m once. A replayed message leaves the stored one untouched.
func (r *Receiver) persist(m *message.Regular) error {
	inserted, err := r.Messages.InsertMessage(m)
	if err != nil {
		return err
	}
	if inserted && m.Expiration != nil {
		r.Ephemeral.EnqueueSelfDeletion(m, *m.Expiration)
	}
	return nil
}

// Asset metadata and keys come in separate messages with the same id. The second one fills in what the
// first left out, as long as both come from the same sender.
func (r *Receiver) onAsset(m *message.Regular, a *message.Asset) error {
	enabled, err := r.UserConfig.FileSharingEnabled()
	if err != nil {
		return err
	}
	if !enabled {
		m.Content = &message.RestrictedAsset{Name: a.Name, MimeType: a.MimeType, SizeInBytes: a.SizeInBytes}
		m.Visibility = message.VisibilityOf(m.Content)
		return r.persist(m)
	}
	existing, err := r.Messages.Message(m.Conversation, m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return r.persist(m)
	}
	if err != nil {
		return err
	}
	if existing.Meta().SenderUserID != m.SenderUserID {
		return r.verified(m, ErrUnverifiedSender)
	}
	prev, ok := existing.(*message.Regular)
	if !ok {
		r.log.Warnf("asset %s in %s collides with a system message", m.ID, m.Conversation)
		return nil
	}
	old, ok := prev.Content.(*message.Asset)
	if !ok {
		r.log.Infof("asset %s in %s collides with %s content, keeping it", m.ID, m.Conversation, prev.Content.Kind())
		return nil
	}
	return r.Messages.UpdateAssetContent(m.Conversation, m.ID, mergeAsset(old, a))
}

func mergeAsset(old, update *message.Asset) *message.Asset {
	merged := *old
	if update.RemoteData.HasKeys() {
		merged.RemoteData = update.RemoteData
	}
	if merged.Name == "" {
		merged.Name = update.Name
	}
	if merged.MimeType == "" {
		merged.MimeType = update.MimeType
	}
	if merged.SizeInBytes == 0 {
		merged.SizeInBytes = update.SizeInBytes
	}
	return &merged
}

func (r *Receiver) onDeleteMessage(m *message.Regular, c *message.DeleteMessage) error {
	target, err := r.Messages.Message(m.Conversation, c.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		r.log.Infof("deletion %s targets unknown message %s in %s", m.ID, c.MessageID, m.Conversation)
		return nil
	}
	if err != nil {
		return err
	}
	if target.Meta().SenderUserID != m.SenderUserID {
		return r.verified(m, ErrUnverifiedSender)
	}
	if t, ok := target.(*message.Regular); ok {
		if a, ok := t.Content.(*message.Asset); ok && a.RemoteData.AssetID != "" {
			if err := r.Assets.DeleteLocally(m.Conversation, a.RemoteData.AssetID); err != nil {
				r.log.Warnf("error deleting asset of %s: %v", c.MessageID, err)
			}
		}
	}
	return r.Messages.MarkDeleted(m.Conversation, c.MessageID)
}

// Failures are logged only. The conversation is picked up again by the next slow sync.
func (r *Receiver) onNewConversation(ev *event.NewConversation) {
	conv := ev.Details
	conv.ID = ev.Conversation
	if err := r.Conversations.UpsertConversation(&conv); err != nil {
		r.log.Warnf("error inserting conversation %s from event %s: %v", ev.Conversation, ev.ID, err)
		return
	}
	if len(ev.Members) != 0 {
		if err := r.Members.InsertMembers(ev.Conversation, ev.Members); err != nil {
			r.log.Warnf("error inserting members of %s from event %s: %v", ev.Conversation, ev.ID, err)
		}
	}
	if err := r.Conversations.UpdateLastModified(ev.Conversation, r.clock.Now()); err != nil {
		r.log.Warnf("error updating last modified of %s from event %s: %v", ev.Conversation, ev.ID, err)
	}
}

func (r *Receiver) onDeletedConversation(ev *event.DeletedConversation) error {
	conv, err := r.Conversations.Conversation(ev.Conversation)
	if errors.Is(err, sql.ErrNoRows) {
		r.log.Debugf("conversation %s already deleted", ev.Conversation)
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.Conversations.DeleteConversation(ev.Conversation); err != nil {
		return err
	}
	r.Notifier.Notify(&notify.ConversationDeleted{By: ev.SenderUserID, Conversation: *conv})
	return nil
}

// Best effort: a failure is logged and processing continues.
func (r *Receiver) fetchConversationIfUnknown(ctx context.Context, id ids.ConversationID) {
	_, err := r.Conversations.Conversation(id)
	if err == nil {
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.log.Warnf("error looking up conversation %s: %v", id, err)
		return
	}
	conv, err := r.Directory.FetchConversation(ctx, id)
	if err != nil {
		r.log.Warnf("error fetching conversation %s: %v", id, err)
		return
	}
	conv.ID = id
	if err := r.Conversations.UpsertConversation(conv); err != nil {
		r.log.Warnf("error inserting fetched conversation %s: %v", id, err)
	}
}

// Best effort, like fetchConversationIfUnknown.
func (r *Receiver) fetchUsersIfUnknown(ctx context.Context, users []ids.UserID) {
	var missing []ids.UserID
	for _, u := range users {
		_, err := r.Users.User(u)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, u)
		} else if err != nil {
			r.log.Warnf("error looking up user %s: %v", u, err)
		}
	}
	if len(missing) == 0 {
		return
	}
	fetched, err := r.Directory.FetchUsers(ctx, missing)
	if err != nil {
		r.log.Warnf("error fetching %d users: %v", len(missing), err)
		return
	}
	for _, u := range fetched {
		if err := r.Users.UpsertUser(u); err != nil {
			r.log.Warnf("error inserting fetched user %s: %v", u.ID, err)
		}
	}
}

func (r *Receiver) memberChange(ev event.Base, sender ids.UserID, kind message.MemberChangeKind, users []ids.UserID) error {
	m := &message.System{
		Base: message.Base{
			ID:           ev.ID,
			Conversation: ev.Conversation,
			SenderUserID: sender,
			Date:         ev.Timestamp,
			Status:       message.StatusSent,
			Visibility:   message.VisibilityVisible,
		},
		Content: &message.MemberChange{Change: kind, Members: users},
	}
	_, err := r.Messages.InsertMessage(m)
	return err
}

func (r *Receiver) onMemberJoin(ctx context.Context, ev *event.MemberJoin) error {
	r.fetchConversationIfUnknown(ctx, ev.Conversation)
	if err := r.Members.InsertMembers(ev.Conversation, ev.Members); err != nil {
		return err
	}
	users := make([]ids.UserID, 0, len(ev.Members))
	for _, m := range ev.Members {
		users = append(users, m.ID)
	}
	return r.memberChange(ev.Base, ev.AddedBy, message.MemberChangeAdded, users)
}

func (r *Receiver) onMemberLeave(ctx context.Context, ev *event.MemberLeave) error {
	if err := r.Members.DeleteMembers(ev.Conversation, ev.Removed); err != nil {
		return err
	}
	r.fetchUsersIfUnknown(ctx, ev.Removed)
	return r.memberChange(ev.Base, ev.RemovedBy, message.MemberChangeRemoved, ev.Removed)
}

func (r *Receiver) onMemberChanged(ctx context.Context, ev *event.MemberChanged) error {
	r.fetchConversationIfUnknown(ctx, ev.Conversation)
	return r.Members.UpdateMember(ev.Conversation, ev.Member)
}

// Failures are logged only.
func (r *Receiver) onWelcome(ctx context.Context, ev *event.MLSWelcome) {
	welcome, err := base64.StdEncoding.DecodeString(ev.Message)
	if err != nil {
		r.log.Warnf("error decoding welcome %s: %v", ev.ID, err)
		return
	}
	group, err := r.Welcomes.EstablishGroupFromWelcome(ctx, welcome)
	if err != nil {
		r.log.Warnf("error establishing group from welcome %s in %s: %v", ev.ID, ev.Conversation, err)
		return
	}
	r.log.Infof("joined group %s of %s", group, ev.Conversation)
	if conv, err := r.Conversations.Conversation(ev.Conversation); err == nil && conv.GroupID == "" {
		conv.GroupID, conv.Protocol = group, conversation.ProtocolMLS
		if err := r.Conversations.UpsertConversation(conv); err != nil {
			r.log.Warnf("error recording group %s of %s: %v", group, ev.Conversation, err)
		}
	}
	if r.KeyPackages == nil {
		return
	}
	// Refill only when the engine reports key packages missing.
	needed, err := r.KeyPackages.NeedsRefill(ctx)
	if err != nil {
		r.log.Warnf("error checking key packages: %v", err)
		return
	}
	if needed {
		if err := r.KeyPackages.Refill(ctx); err != nil {
			r.log.Warnf("error refilling key packages: %v", err)
		}
	}
}
