package storage

import (
	"fmt"
	"time"

	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/ids"
)

type conversationRow struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	Type           uint8  `db:"type"`
	Protocol       uint8  `db:"protocol"`
	GroupID        string `db:"group_id"`
	LastModifiedMs int64  `db:"last_modified_ms"`
	LastReadMs     int64  `db:"last_read_ms"`
	ClearedMs      int64  `db:"cleared_ms"`
}

func (r *conversationRow) conversation() *conversation.Conversation {
	return &conversation.Conversation{
		ID:           ids.ParseQualifiedID(r.ID),
		Name:         r.Name,
		Type:         conversation.Type(r.Type),
		Protocol:     conversation.Protocol(r.Protocol),
		GroupID:      ids.GroupID(r.GroupID),
		LastModified: time.UnixMilli(r.LastModifiedMs),
	}
}

func (s *Store) conversation(id ids.ConversationID) (*conversationRow, error) {
	r := &conversationRow{}
	if err := s.db.Tx.Get(r, "SELECT * FROM _conversations WHERE id = ?", id.String()); err != nil {
		return nil, fmt.Errorf("storage: error getting conversation %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) Conversation(id ids.ConversationID) (*conversation.Conversation, error) {
	var c *conversation.Conversation
	err := s.db.RunReadOnly("get conversation", func() error {
		r, err := s.conversation(id)
		if err != nil {
			return err
		}
		c = r.conversation()
		return nil
	})
	return c, err
}

func (s *Store) ConversationByGroupID(groupID ids.GroupID) (*conversation.Conversation, error) {
	var c *conversation.Conversation
	err := s.db.RunReadOnly("get conversation by group", func() error {
		r := &conversationRow{}
		if err := s.db.Tx.Get(r, "SELECT * FROM _conversations WHERE group_id = ?", string(groupID)); err != nil {
			return fmt.Errorf("storage: error getting conversation for group %s: %w", groupID, err)
		}
		c = r.conversation()
		return nil
	})
	return c, err
}

// Inserts or replaces the conversation details, keeping read and cleared marks.
func (s *Store) UpsertConversation(c *conversation.Conversation) error {
	return s.db.Run("upsert conversation", func() error {
		r := &conversationRow{
			ID:             c.ID.String(),
			Name:           c.Name,
			Type:           uint8(c.Type),
			Protocol:       uint8(c.Protocol),
			GroupID:        string(c.GroupID),
			LastModifiedMs: c.LastModified.UnixMilli(),
		}
		if _, err := s.db.Tx.NamedExec(`INSERT INTO _conversations (id, name, type, protocol, group_id, last_modified_ms)
			VALUES (:id, :name, :type, :protocol, :group_id, :last_modified_ms)
			ON CONFLICT(id) DO UPDATE SET name = :name, type = :type, protocol = :protocol, group_id = :group_id, last_modified_ms = :last_modified_ms`, r); err != nil {
			return fmt.Errorf("storage: error upserting conversation %s: %w", c.ID, err)
		}
		s.changed(tableConversations)
		return nil
	})
}

func (s *Store) updateConversationTime(label, column string, id ids.ConversationID, t time.Time) error {
	return s.db.Run(label, func() error {
		res, err := s.db.Tx.Exec(fmt.Sprintf("UPDATE _conversations SET %s = ? WHERE id = ?", column), t.UnixMilli(), id.String())
		if err != nil {
			return fmt.Errorf("storage: error during %s for %s: %w", label, id, err)
		}
		if err := expectRow(res); err != nil {
			return fmt.Errorf("storage: error during %s for %s: %w", label, id, err)
		}
		s.changed(tableConversations)
		return nil
	})
}

func (s *Store) UpdateLastModified(id ids.ConversationID, t time.Time) error {
	return s.updateConversationTime("update last modified", "last_modified_ms", id, t)
}

func (s *Store) UpdateLastRead(id ids.ConversationID, t time.Time) error {
	return s.updateConversationTime("update last read", "last_read_ms", id, t)
}

func (s *Store) LastRead(id ids.ConversationID) (time.Time, error) {
	var t time.Time
	err := s.db.RunReadOnly("get last read", func() error {
		r, err := s.conversation(id)
		if err != nil {
			return err
		}
		t = time.UnixMilli(r.LastReadMs)
		return nil
	})
	return t, err
}

// Removes the conversation with its members and messages.
func (s *Store) DeleteConversation(id ids.ConversationID) error {
	return s.db.Run("delete conversation", func() error {
		for _, q := range []string{
			"DELETE FROM _messages WHERE conversation_id = ?",
			"DELETE FROM _members WHERE conversation_id = ?",
			"DELETE FROM _conversations WHERE id = ?",
		} {
			if _, err := s.db.Tx.Exec(q, id.String()); err != nil {
				return fmt.Errorf("storage: error deleting conversation %s: %w", id, err)
			}
		}
		s.changed(tableConversations)
		s.changed(tableMembers)
		s.changed(tableMessages)
		return nil
	})
}
