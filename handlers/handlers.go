// This package applies content which acts on earlier state instead of being stored as a message of its
// own: text edits, read receipts from this user's other devices, conversation clears and delete-for-me
// requests. Each handler is safe to run again on a replayed event.
package handlers

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
	"go.uber.org/zap"
)

// The claimed sender of a request does not match the sender of the message it acts on, or the request
// must come from this user and did not.
var ErrUnverifiedSender = errors.New("handlers: unverified sender")

type MessageStore interface {
	Message(conv ids.ConversationID, id string) (message.Message, error)
	UpdateTextContent(conv ids.ConversationID, id string, text *message.Text, editedAt time.Time) error
	DeleteMessage(conv ids.ConversationID, id string) error
	ClearConversation(conv ids.ConversationID, t time.Time) error
}

type ConversationStore interface {
	LastRead(id ids.ConversationID) (time.Time, error)
	UpdateLastRead(id ids.ConversationID, t time.Time) error
}

type LocalAssets interface {
	DeleteLocally(conv ids.ConversationID, assetID string) error
}

type TextEditHandler struct {
	log      *zap.SugaredLogger
	messages MessageStore
}

func NewTextEditHandler(c *config.Config, messages MessageStore) *TextEditHandler {
	return &TextEditHandler{log: c.Logger("handlers/edit"), messages: messages}
}

// Replaces the text of the edited message. Edits older than the last applied one are dropped.
func (h *TextEditHandler) Handle(ctx context.Context, m *message.Regular, c *message.TextEdited) error {
	orig, err := h.messages.Message(m.Conversation, c.EditMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		h.log.Infof("edit %s targets unknown message %s in %s", m.ID, c.EditMessageID, m.Conversation)
		return nil
	}
	if err != nil {
		return err
	}
	if orig.Meta().SenderUserID != m.SenderUserID {
		h.log.Warnf("edit %s of %s in %s sent by %s, original sent by %s", m.ID, c.EditMessageID, m.Conversation, m.SenderUserID, orig.Meta().SenderUserID)
		return ErrUnverifiedSender
	}
	r, ok := orig.(*message.Regular)
	if !ok {
		h.log.Infof("edit %s targets system message %s, ignoring", m.ID, c.EditMessageID)
		return nil
	}
	if _, ok := r.Content.(*message.Text); !ok {
		h.log.Infof("edit %s targets %s content, ignoring", m.ID, r.Content.Kind())
		return nil
	}
	if r.EditStatus.Edited && !r.EditStatus.EditedAt.Before(m.Date) {
		return nil
	}
	return h.messages.UpdateTextContent(m.Conversation, c.EditMessageID, &message.Text{Value: c.NewContent}, m.Date)
}

type LastReadHandler struct {
	log           *zap.SugaredLogger
	self          ids.UserID
	conversations ConversationStore
}

func NewLastReadHandler(c *config.Config, self ids.UserID, conversations ConversationStore) *LastReadHandler {
	return &LastReadHandler{log: c.Logger("handlers/last_read"), self: self, conversations: conversations}
}

// Moves the read mark of a conversation forward. Only this user's devices send these.
func (h *LastReadHandler) Handle(ctx context.Context, m *message.Regular, c *message.LastRead) error {
	if m.SenderUserID != h.self {
		h.log.Warnf("last read %s sent by %s", m.ID, m.SenderUserID)
		return ErrUnverifiedSender
	}
	current, err := h.conversations.LastRead(c.Conversation)
	if errors.Is(err, sql.ErrNoRows) {
		h.log.Infof("last read for unknown conversation %s", c.Conversation)
		return nil
	}
	if err != nil {
		return err
	}
	if !c.Time().After(current) {
		return nil
	}
	return h.conversations.UpdateLastRead(c.Conversation, c.Time())
}

type ClearConversationHandler struct {
	log      *zap.SugaredLogger
	self     ids.UserID
	messages MessageStore
}

func NewClearConversationHandler(c *config.Config, self ids.UserID, messages MessageStore) *ClearConversationHandler {
	return &ClearConversationHandler{log: c.Logger("handlers/cleared"), self: self, messages: messages}
}

func (h *ClearConversationHandler) Handle(ctx context.Context, m *message.Regular, c *message.Cleared) error {
	if m.SenderUserID != h.self {
		h.log.Warnf("clear %s sent by %s", m.ID, m.SenderUserID)
		return ErrUnverifiedSender
	}
	return h.messages.ClearConversation(c.Conversation, c.Time())
}

type DeleteForMeHandler struct {
	log      *zap.SugaredLogger
	self     ids.UserID
	messages MessageStore
	assets   LocalAssets
}

func NewDeleteForMeHandler(c *config.Config, self ids.UserID, messages MessageStore, assets LocalAssets) *DeleteForMeHandler {
	return &DeleteForMeHandler{log: c.Logger("handlers/delete_for_me"), self: self, messages: messages, assets: assets}
}

// Removes a message from this user's devices only.
func (h *DeleteForMeHandler) Handle(ctx context.Context, m *message.Regular, c *message.DeleteForMe) error {
	if m.SenderUserID != h.self {
		h.log.Warnf("delete for me %s sent by %s", m.ID, m.SenderUserID)
		return ErrUnverifiedSender
	}
	target, err := h.messages.Message(c.Conversation, c.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if r, ok := target.(*message.Regular); ok {
		if a, ok := r.Content.(*message.Asset); ok && a.RemoteData.AssetID != "" {
			if err := h.assets.DeleteLocally(c.Conversation, a.RemoteData.AssetID); err != nil {
				h.log.Warnf("error deleting asset of %s: %v", c.MessageID, err)
			}
		}
	}
	return h.messages.DeleteMessage(c.Conversation, c.MessageID)
}
