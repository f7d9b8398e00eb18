package storage

import (
	"fmt"
	"time"

	"github.com/meow-io/go-inbox/ids"
)

// Empty until the first event is acknowledged.
func (s *Store) LastProcessedID() (string, error) {
	var id string
	err := s.db.RunReadOnly("get last processed event", func() error {
		if err := s.db.Tx.Get(&id, "SELECT last_processed_id FROM _events WHERE id = 1"); err != nil {
			return fmt.Errorf("storage: error getting last processed event: %w", err)
		}
		return nil
	})
	return id, err
}

func (s *Store) MarkLastProcessed(id string) error {
	return s.db.Run("mark last processed event", func() error {
		if _, err := s.db.Tx.Exec("UPDATE _events SET last_processed_id = ? WHERE id = 1", id); err != nil {
			return fmt.Errorf("storage: error marking last processed event: %w", err)
		}
		return nil
	})
}

// Pending commit deadlines by group.
func (s *Store) ProposalTimers() (map[ids.GroupID]time.Time, error) {
	timers := make(map[ids.GroupID]time.Time)
	err := s.db.RunReadOnly("get proposal timers", func() error {
		var rows []struct {
			GroupID    string `db:"group_id"`
			CommitAtMs int64  `db:"commit_at_ms"`
		}
		if err := s.db.Tx.Select(&rows, "SELECT group_id, commit_at_ms FROM _proposal_timers"); err != nil {
			return fmt.Errorf("storage: error getting proposal timers: %w", err)
		}
		for _, r := range rows {
			timers[ids.GroupID(r.GroupID)] = time.UnixMilli(r.CommitAtMs)
		}
		return nil
	})
	return timers, err
}

func (s *Store) SetProposalTimer(group ids.GroupID, at time.Time) error {
	return s.db.Run("set proposal timer", func() error {
		if _, err := s.db.Tx.Exec("INSERT INTO _proposal_timers (group_id, commit_at_ms) VALUES (?, ?) ON CONFLICT(group_id) DO UPDATE SET commit_at_ms = excluded.commit_at_ms", string(group), at.UnixMilli()); err != nil {
			return fmt.Errorf("storage: error setting proposal timer for %s: %w", group, err)
		}
		return nil
	})
}

func (s *Store) ClearProposalTimer(group ids.GroupID) error {
	return s.db.Run("clear proposal timer", func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _proposal_timers WHERE group_id = ?", string(group)); err != nil {
			return fmt.Errorf("storage: error clearing proposal timer for %s: %w", group, err)
		}
		return nil
	})
}
