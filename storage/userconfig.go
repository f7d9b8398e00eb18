package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const keyFileSharing = "file_sharing"

func (s *Store) configValue(key string) (*string, error) {
	var v string
	if err := s.db.Tx.Get(&v, "SELECT value FROM _user_config WHERE key = ?", key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting config %s: %w", key, err)
	}
	return &v, nil
}

func (s *Store) SetFileSharing(enabled bool) error {
	return s.db.Run("set file sharing", func() error {
		if _, err := s.db.Tx.Exec("INSERT INTO _user_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", keyFileSharing, strconv.FormatBool(enabled)); err != nil {
			return fmt.Errorf("storage: error setting file sharing: %w", err)
		}
		s.changed(tableUserConfig)
		return nil
	})
}

// Nil when the team never set a file sharing policy.
func (s *Store) FileSharingStatus() (*bool, error) {
	var status *bool
	err := s.db.RunReadOnly("get file sharing", func() error {
		v, err := s.configValue(keyFileSharing)
		if err != nil || v == nil {
			return err
		}
		b, err := strconv.ParseBool(*v)
		if err != nil {
			return fmt.Errorf("storage: invalid file sharing value %q: %w", *v, err)
		}
		status = &b
		return nil
	})
	return status, err
}

// Only an explicit enable turns file sharing on.
func (s *Store) FileSharingEnabled() (bool, error) {
	status, err := s.FileSharingStatus()
	if err != nil {
		return false, err
	}
	return status != nil && *status, nil
}

func (s *Store) ObserveFileSharing(ctx context.Context) <-chan bool {
	return observe(ctx, s.feed, s.log, tableUserConfig, s.FileSharingEnabled, func(a, b bool) bool { return a == b })
}
