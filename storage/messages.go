package storage

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
)

const (
	categoryRegular = 0
	categorySystem  = 1
)

type messageRow struct {
	ConversationID  string `db:"conversation_id"`
	ID              string `db:"id"`
	Category        uint8  `db:"category"`
	SenderUserID    string `db:"sender_user_id"`
	SenderClientID  string `db:"sender_client_id"`
	DateMs          int64  `db:"date_ms"`
	Status          uint8  `db:"status"`
	Visibility      uint8  `db:"visibility"`
	Kind            string `db:"kind"`
	Content         []byte `db:"content"`
	Edited          bool   `db:"edited"`
	EditedAtMs      int64  `db:"edited_at_ms"`
	ExpireAfterMs   *int64 `db:"expire_after_ms"`
	DeletionStartMs *int64 `db:"deletion_start_ms"`
	DeletionEndMs   *int64 `db:"deletion_end_ms"`
}

func toRow(m message.Message) (*messageRow, error) {
	b := m.Meta()
	r := &messageRow{
		ConversationID: b.Conversation.String(),
		ID:             b.ID,
		SenderUserID:   b.SenderUserID.String(),
		DateMs:         b.Date.UnixMilli(),
		Status:         uint8(b.Status),
		Visibility:     uint8(b.Visibility),
	}
	var p message.Payload
	switch m := m.(type) {
	case *message.Regular:
		r.Category = categoryRegular
		r.SenderClientID = string(m.SenderClientID)
		r.Edited = m.EditStatus.Edited
		if m.EditStatus.Edited {
			r.EditedAtMs = m.EditStatus.EditedAt.UnixMilli()
		}
		if e := m.Expiration; e != nil {
			after := e.ExpireAfter.Milliseconds()
			r.ExpireAfterMs = &after
			if e.Status.Started {
				start, end := e.Status.StartedAt.UnixMilli(), e.Status.EndAt.UnixMilli()
				r.DeletionStartMs, r.DeletionEndMs = &start, &end
			}
		}
		p = m.Content
	case *message.System:
		r.Category = categorySystem
		p = m.Content
	default:
		return nil, fmt.Errorf("storage: unexpected message %T", m)
	}
	body, err := message.Encode(p)
	if err != nil {
		return nil, err
	}
	r.Kind, r.Content = p.Kind(), body
	return r, nil
}

func (r *messageRow) message() (message.Message, error) {
	base := message.Base{
		ID:           r.ID,
		Conversation: ids.ParseQualifiedID(r.ConversationID),
		SenderUserID: ids.ParseQualifiedID(r.SenderUserID),
		Date:         time.UnixMilli(r.DateMs),
		Status:       message.Status(r.Status),
		Visibility:   message.Visibility(r.Visibility),
	}
	if r.Category == categorySystem {
		c, err := message.DecodeSystemContent(r.Kind, r.Content)
		if err != nil {
			return nil, err
		}
		return &message.System{Base: base, Content: c}, nil
	}
	c, err := message.DecodeContent(r.Kind, r.Content)
	if err != nil {
		return nil, err
	}
	m := &message.Regular{Base: base, SenderClientID: ids.ClientID(r.SenderClientID), Content: c}
	if r.Edited {
		m.EditStatus = message.EditStatus{Edited: true, EditedAt: time.UnixMilli(r.EditedAtMs)}
	}
	if r.ExpireAfterMs != nil {
		m.Expiration = &message.ExpirationData{ExpireAfter: time.Duration(*r.ExpireAfterMs) * time.Millisecond}
		if r.DeletionStartMs != nil && r.DeletionEndMs != nil {
			m.Expiration.Status = message.SelfDeletionStatus{
				Started:   true,
				StartedAt: time.UnixMilli(*r.DeletionStartMs),
				EndAt:     time.UnixMilli(*r.DeletionEndMs),
			}
		}
	}
	return m, nil
}

func (s *Store) selectMessages(query string, args ...interface{}) ([]message.Message, error) {
	var rows []*messageRow
	if err := s.db.Tx.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("storage: error selecting messages: %w", err)
	}
	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, fmt.Errorf("storage: error reading message %s: %w", r.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Inserts a message. A message whose (conversation, id) is already stored is left untouched, so replayed
// events never produce a second row. Returns whether a row was written.
func (s *Store) InsertMessage(m message.Message) (bool, error) {
	r, err := toRow(m)
	if err != nil {
		return false, err
	}
	inserted := false
	err = s.db.Run("insert message", func() error {
		res, err := s.db.Tx.NamedExec(`INSERT INTO _messages (conversation_id, id, category, sender_user_id, sender_client_id, date_ms, status, visibility, kind, content, edited, edited_at_ms, expire_after_ms, deletion_start_ms, deletion_end_ms)
			VALUES (:conversation_id, :id, :category, :sender_user_id, :sender_client_id, :date_ms, :status, :visibility, :kind, :content, :edited, :edited_at_ms, :expire_after_ms, :deletion_start_ms, :deletion_end_ms)
			ON CONFLICT(conversation_id, id) DO NOTHING`, r)
		if err != nil {
			return fmt.Errorf("storage: error inserting message %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		if inserted {
			s.changed(tableMessages)
		}
		return nil
	})
	return inserted, err
}

func (s *Store) Message(conv ids.ConversationID, id string) (message.Message, error) {
	var m message.Message
	err := s.db.RunReadOnly("get message", func() error {
		r := &messageRow{}
		if err := s.db.Tx.Get(r, "SELECT * FROM _messages WHERE conversation_id = ? AND id = ?", conv.String(), id); err != nil {
			return fmt.Errorf("storage: error getting message %s in %s: %w", id, conv, err)
		}
		var err error
		m, err = r.message()
		return err
	})
	return m, err
}

// Messages of a conversation in date order.
func (s *Store) Messages(conv ids.ConversationID) ([]message.Message, error) {
	var ms []message.Message
	err := s.db.RunReadOnly("get messages", func() error {
		var err error
		ms, err = s.selectMessages("SELECT * FROM _messages WHERE conversation_id = ? ORDER BY date_ms, id", conv.String())
		return err
	})
	return ms, err
}

// Visible messages of a conversation, re-emitted whenever messages change.
func (s *Store) ObserveMessages(ctx context.Context, conv ids.ConversationID) <-chan []message.Message {
	return observe(ctx, s.feed, s.log, tableMessages, func() ([]message.Message, error) {
		var ms []message.Message
		err := s.db.RunReadOnly("observe messages", func() error {
			var err error
			ms, err = s.selectMessages("SELECT * FROM _messages WHERE conversation_id = ? AND visibility = ? ORDER BY date_ms, id", conv.String(), uint8(message.VisibilityVisible))
			return err
		})
		return ms, err
	}, func(a, b []message.Message) bool {
		return reflect.DeepEqual(a, b)
	})
}

func (s *Store) updateContent(label string, conv ids.ConversationID, id string, p message.Payload, extra string, args ...interface{}) error {
	body, err := message.Encode(p)
	if err != nil {
		return err
	}
	return s.db.Run(label, func() error {
		res, err := s.db.Tx.Exec("UPDATE _messages SET kind = ?, content = ?"+extra+" WHERE conversation_id = ? AND id = ?",
			append(append([]interface{}{p.Kind(), body}, args...), conv.String(), id)...)
		if err != nil {
			return fmt.Errorf("storage: error during %s for %s: %w", label, id, err)
		}
		if err := expectRow(res); err != nil {
			return fmt.Errorf("storage: error during %s for %s: %w", label, id, err)
		}
		s.changed(tableMessages)
		return nil
	})
}

// Replaces the content of an asset message, used when the keys arrive after the preview.
func (s *Store) UpdateAssetContent(conv ids.ConversationID, id string, a *message.Asset) error {
	return s.updateContent("update asset content", conv, id, a, ", visibility = ?", uint8(message.VisibilityOf(a)))
}

func (s *Store) UpdateTextContent(conv ids.ConversationID, id string, text *message.Text, editedAt time.Time) error {
	return s.updateContent("update text content", conv, id, text, ", edited = 1, edited_at_ms = ?", editedAt.UnixMilli())
}

// Keeps the row as a tombstone with its content dropped.
func (s *Store) MarkDeleted(conv ids.ConversationID, id string) error {
	return s.updateContent("mark message deleted", conv, id, &message.Empty{}, ", visibility = ?, expire_after_ms = NULL, deletion_start_ms = NULL, deletion_end_ms = NULL", uint8(message.VisibilityDeleted))
}

func (s *Store) DeleteMessage(conv ids.ConversationID, id string) error {
	return s.db.Run("delete message", func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _messages WHERE conversation_id = ? AND id = ?", conv.String(), id); err != nil {
			return fmt.Errorf("storage: error deleting message %s: %w", id, err)
		}
		s.changed(tableMessages)
		return nil
	})
}

func (s *Store) UpdateStatus(conv ids.ConversationID, id string, status message.Status) error {
	return s.db.Run("update message status", func() error {
		res, err := s.db.Tx.Exec("UPDATE _messages SET status = ? WHERE conversation_id = ? AND id = ?", uint8(status), conv.String(), id)
		if err != nil {
			return fmt.Errorf("storage: error updating status of %s: %w", id, err)
		}
		if err := expectRow(res); err != nil {
			return fmt.Errorf("storage: error updating status of %s: %w", id, err)
		}
		s.changed(tableMessages)
		return nil
	})
}

// Deletes messages of a conversation dated at or before t and records t as its cleared mark.
func (s *Store) ClearConversation(conv ids.ConversationID, t time.Time) error {
	return s.db.Run("clear conversation", func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _messages WHERE conversation_id = ? AND date_ms <= ?", conv.String(), t.UnixMilli()); err != nil {
			return fmt.Errorf("storage: error clearing %s: %w", conv, err)
		}
		if _, err := s.db.Tx.Exec("UPDATE _conversations SET cleared_ms = ? WHERE id = ?", t.UnixMilli(), conv.String()); err != nil {
			return fmt.Errorf("storage: error clearing %s: %w", conv, err)
		}
		s.changed(tableMessages)
		s.changed(tableConversations)
		return nil
	})
}

// Opens the deletion window of an ephemeral message when it has not been opened yet. Returns the
// persisted expiration, which is the existing one if another caller opened the window first.
func (s *Store) MarkSelfDeletionDates(conv ids.ConversationID, id string, start, end time.Time) (message.ExpirationData, bool, error) {
	var (
		exp     message.ExpirationData
		stamped bool
	)
	err := s.db.Run("mark self deletion dates", func() error {
		res, err := s.db.Tx.Exec(`UPDATE _messages SET deletion_start_ms = ?, deletion_end_ms = ?
			WHERE conversation_id = ? AND id = ? AND expire_after_ms IS NOT NULL AND deletion_start_ms IS NULL`,
			start.UnixMilli(), end.UnixMilli(), conv.String(), id)
		if err != nil {
			return fmt.Errorf("storage: error marking deletion dates of %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		stamped = n == 1
		r := &messageRow{}
		if err := s.db.Tx.Get(r, "SELECT * FROM _messages WHERE conversation_id = ? AND id = ?", conv.String(), id); err != nil {
			return fmt.Errorf("storage: error getting message %s in %s: %w", id, conv, err)
		}
		m, err := r.message()
		if err != nil {
			return err
		}
		reg, ok := m.(*message.Regular)
		if !ok || reg.Expiration == nil {
			return fmt.Errorf("storage: message %s has no expiration", id)
		}
		exp = *reg.Expiration
		if stamped {
			s.changed(tableMessages)
		}
		return nil
	})
	return exp, stamped, err
}

// Ephemeral messages still waiting for deletion, excluding ones not yet delivered by this client.
func (s *Store) PendingSelfDeletionMessages() ([]*message.Regular, error) {
	return s.regularMessages("get pending self deletion messages",
		"SELECT * FROM _messages WHERE expire_after_ms IS NOT NULL AND visibility != ? AND status != ? ORDER BY date_ms",
		uint8(message.VisibilityDeleted), uint8(message.StatusPending))
}

// Ephemeral messages whose deletion window ended at or before now.
func (s *Store) SelfDeletionMessagesEndedBy(now time.Time) ([]*message.Regular, error) {
	return s.regularMessages("get ended self deletion messages",
		"SELECT * FROM _messages WHERE deletion_end_ms IS NOT NULL AND deletion_end_ms <= ? AND visibility != ? ORDER BY deletion_end_ms",
		now.UnixMilli(), uint8(message.VisibilityDeleted))
}

func (s *Store) regularMessages(label, query string, args ...interface{}) ([]*message.Regular, error) {
	var out []*message.Regular
	err := s.db.RunReadOnly(label, func() error {
		ms, err := s.selectMessages(query, args...)
		if err != nil {
			return err
		}
		for _, m := range ms {
			if r, ok := m.(*message.Regular); ok {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}
