package storage

import (
	"fmt"

	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/ids"
)

type memberRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
}

func (s *Store) InsertMembers(conv ids.ConversationID, members []conversation.Member) error {
	return s.db.Run("insert members", func() error {
		for _, m := range members {
			r := &memberRow{ConversationID: conv.String(), UserID: m.ID.String(), Role: string(m.Role)}
			if _, err := s.db.Tx.NamedExec(`INSERT INTO _members (conversation_id, user_id, role) VALUES (:conversation_id, :user_id, :role)
				ON CONFLICT(conversation_id, user_id) DO UPDATE SET role = :role`, r); err != nil {
				return fmt.Errorf("storage: error inserting member %s into %s: %w", m.ID, conv, err)
			}
		}
		s.changed(tableMembers)
		return nil
	})
}

func (s *Store) DeleteMembers(conv ids.ConversationID, users []ids.UserID) error {
	return s.db.Run("delete members", func() error {
		for _, u := range users {
			if _, err := s.db.Tx.Exec("DELETE FROM _members WHERE conversation_id = ? AND user_id = ?", conv.String(), u.String()); err != nil {
				return fmt.Errorf("storage: error deleting member %s from %s: %w", u, conv, err)
			}
		}
		s.changed(tableMembers)
		return nil
	})
}

func (s *Store) UpdateMember(conv ids.ConversationID, m conversation.Member) error {
	return s.db.Run("update member", func() error {
		res, err := s.db.Tx.Exec("UPDATE _members SET role = ? WHERE conversation_id = ? AND user_id = ?", string(m.Role), conv.String(), m.ID.String())
		if err != nil {
			return fmt.Errorf("storage: error updating member %s in %s: %w", m.ID, conv, err)
		}
		if err := expectRow(res); err != nil {
			return fmt.Errorf("storage: error updating member %s in %s: %w", m.ID, conv, err)
		}
		s.changed(tableMembers)
		return nil
	})
}

// Members of a conversation ordered by user id.
func (s *Store) Members(conv ids.ConversationID) ([]conversation.Member, error) {
	var members []conversation.Member
	err := s.db.RunReadOnly("get members", func() error {
		var rows []*memberRow
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _members WHERE conversation_id = ? ORDER BY user_id", conv.String()); err != nil {
			return fmt.Errorf("storage: error getting members of %s: %w", conv, err)
		}
		members = make([]conversation.Member, 0, len(rows))
		for _, r := range rows {
			members = append(members, conversation.Member{ID: ids.ParseQualifiedID(r.UserID), Role: conversation.Role(r.Role)})
		}
		return nil
	})
	return members, err
}
