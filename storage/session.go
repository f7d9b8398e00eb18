package storage

import (
	"context"
	"fmt"

	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/slowsync"
)

type sessionRow struct {
	ID           int     `db:"id"`
	ClientID     *string `db:"client_id"`
	LogoutReason *uint8  `db:"logout_reason"`
}

func (s *Store) sessionRow() (*sessionRow, error) {
	r := &sessionRow{}
	if err := s.db.Tx.Get(r, "SELECT * FROM _session WHERE id = 1"); err != nil {
		return nil, fmt.Errorf("storage: error getting session: %w", err)
	}
	return r, nil
}

// Nil until a client is registered.
func (s *Store) CurrentClientID() (*ids.ClientID, error) {
	var id *ids.ClientID
	err := s.db.RunReadOnly("get current client", func() error {
		r, err := s.sessionRow()
		if err != nil {
			return err
		}
		if r.ClientID != nil {
			c := ids.ClientID(*r.ClientID)
			id = &c
		}
		return nil
	})
	return id, err
}

// Registers a client. A fresh registration clears any previous logout reason.
func (s *Store) SetCurrentClientID(id *ids.ClientID) error {
	return s.db.Run("set current client", func() error {
		var v *string
		if id != nil {
			c := string(*id)
			v = &c
		}
		q := "UPDATE _session SET client_id = ? WHERE id = 1"
		if id != nil {
			q = "UPDATE _session SET client_id = ?, logout_reason = NULL WHERE id = 1"
		}
		if _, err := s.db.Tx.Exec(q, v); err != nil {
			return fmt.Errorf("storage: error setting current client: %w", err)
		}
		s.changed(tableSession)
		return nil
	})
}

func (s *Store) LogoutReason() (*slowsync.LogoutReason, error) {
	var reason *slowsync.LogoutReason
	err := s.db.RunReadOnly("get logout reason", func() error {
		r, err := s.sessionRow()
		if err != nil {
			return err
		}
		if r.LogoutReason != nil {
			lr := slowsync.LogoutReason(*r.LogoutReason)
			reason = &lr
		}
		return nil
	})
	return reason, err
}

func (s *Store) SetLogoutReason(reason *slowsync.LogoutReason) error {
	return s.db.Run("set logout reason", func() error {
		var v *uint8
		if reason != nil {
			r := uint8(*reason)
			v = &r
		}
		if _, err := s.db.Tx.Exec("UPDATE _session SET logout_reason = ? WHERE id = 1", v); err != nil {
			return fmt.Errorf("storage: error setting logout reason: %w", err)
		}
		s.changed(tableSession)
		return nil
	})
}

func (s *Store) ObserveCurrentClientID(ctx context.Context) <-chan *ids.ClientID {
	return observe(ctx, s.feed, s.log, tableSession, s.CurrentClientID, func(a, b *ids.ClientID) bool {
		return (a == nil && b == nil) || (a != nil && b != nil && *a == *b)
	})
}

func (s *Store) ObserveLogoutReason(ctx context.Context) <-chan *slowsync.LogoutReason {
	return observe(ctx, s.feed, s.log, tableSession, s.LogoutReason, func(a, b *slowsync.LogoutReason) bool {
		return (a == nil && b == nil) || (a != nil && b != nil && *a == *b)
	})
}
