package storage

import (
	"fmt"

	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/ids"
)

type userRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Handle       string `db:"handle"`
	Availability uint8  `db:"availability"`
}

func (s *Store) User(id ids.UserID) (*conversation.User, error) {
	var u *conversation.User
	err := s.db.RunReadOnly("get user", func() error {
		r := &userRow{}
		if err := s.db.Tx.Get(r, "SELECT * FROM _users WHERE id = ?", id.String()); err != nil {
			return fmt.Errorf("storage: error getting user %s: %w", id, err)
		}
		u = &conversation.User{ID: id, Name: r.Name, Handle: r.Handle, Availability: conversation.Availability(r.Availability)}
		return nil
	})
	return u, err
}

func (s *Store) UpsertUser(u *conversation.User) error {
	return s.db.Run("upsert user", func() error {
		r := &userRow{ID: u.ID.String(), Name: u.Name, Handle: u.Handle, Availability: uint8(u.Availability)}
		if _, err := s.db.Tx.NamedExec(`INSERT INTO _users (id, name, handle, availability) VALUES (:id, :name, :handle, :availability)
			ON CONFLICT(id) DO UPDATE SET name = :name, handle = :handle, availability = :availability`, r); err != nil {
			return fmt.Errorf("storage: error upserting user %s: %w", u.ID, err)
		}
		s.changed(tableUsers)
		return nil
	})
}

// Creates the user with an empty profile when unknown.
func (s *Store) UpdateAvailability(id ids.UserID, a conversation.Availability) error {
	return s.db.Run("update availability", func() error {
		if _, err := s.db.Tx.Exec(`INSERT INTO _users (id, name, handle, availability) VALUES (?, '', '', ?)
			ON CONFLICT(id) DO UPDATE SET availability = excluded.availability`, id.String(), uint8(a)); err != nil {
			return fmt.Errorf("storage: error updating availability of %s: %w", id, err)
		}
		s.changed(tableUsers)
		return nil
	})
}
