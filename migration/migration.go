// Versioned schema changes applied by internal/db. Each subsystem owns an ordered list of migrations;
// the list position is the version.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
