package storage

import (
	"database/sql"
	"fmt"
)

// Turns an update which touched nothing into sql.ErrNoRows.
func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no row updated: %w", sql.ErrNoRows)
	}
	return nil
}
