package ephemeral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
	"github.com/meow-io/go-inbox/notify"
)

// Broadcasts the deletion of message target, sent by this user, to the other members of the conversation.
// The deletion goes out as a message of its own with id deletionID.
type DeletionSender interface {
	SendDeletion(ctx context.Context, conv ids.ConversationID, deletionID, target string) error
}

type LocalAssets interface {
	DeleteLocally(conv ids.ConversationID, assetID string) error
}

type Notifier interface {
	Notify(n notify.Notification)
}

type senderStore interface {
	MarkDeleted(conv ids.ConversationID, id string) error
}

type receiverStore interface {
	Message(conv ids.ConversationID, id string) (message.Message, error)
	DeleteMessage(conv ids.ConversationID, id string) error
}

// Deletes a message sent by this user: the deletion is sent to the other members so their copies go too,
// then the local row becomes a tombstone. The row keeps its deletion dates until the send succeeds, so a
// failed send is picked up again by the next catch-up pass.
type AsSender struct {
	store  senderStore
	sender DeletionSender
}

func NewAsSender(store senderStore, sender DeletionSender) *AsSender {
	return &AsSender{store: store, sender: sender}
}

func (d *AsSender) Delete(ctx context.Context, conv ids.ConversationID, id string) error {
	if err := d.sender.SendDeletion(ctx, conv, ids.NewMessageID(), id); err != nil {
		return fmt.Errorf("ephemeral: error sending deletion of %s: %w", id, err)
	}
	if err := d.store.MarkDeleted(conv, id); err != nil {
		return fmt.Errorf("ephemeral: error marking %s deleted: %w", id, err)
	}
	return nil
}

// Deletes a message received from someone else. Nothing is sent, the row is removed along with any local
// asset file.
type AsReceiver struct {
	store    receiverStore
	assets   LocalAssets
	notifier Notifier
}

func NewAsReceiver(store receiverStore, assets LocalAssets, notifier Notifier) *AsReceiver {
	return &AsReceiver{store: store, assets: assets, notifier: notifier}
}

func (d *AsReceiver) Delete(ctx context.Context, conv ids.ConversationID, id string) error {
	m, err := d.store.Message(conv, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ephemeral: error loading %s: %w", id, err)
	}
	if r, ok := m.(*message.Regular); ok {
		if a, ok := r.Content.(*message.Asset); ok && a.RemoteData.AssetID != "" {
			if err := d.assets.DeleteLocally(conv, a.RemoteData.AssetID); err != nil {
				return err
			}
		}
	}
	if err := d.store.DeleteMessage(conv, id); err != nil {
		return fmt.Errorf("ephemeral: error deleting %s: %w", id, err)
	}
	d.notifier.Notify(&notify.MessageExpired{Conversation: conv, MessageID: id})
	return nil
}
