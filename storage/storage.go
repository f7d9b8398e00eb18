// This package persists conversation state in the encrypted database: messages, conversations and their
// members, users, user config, the registered client and the event cursor. Every exported method runs in
// its own transaction. Lookups of missing rows return an error wrapping sql.ErrNoRows.
package storage

import (
	"database/sql"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/internal/db"
	"github.com/meow-io/go-inbox/migration"
	"go.uber.org/zap"
)

const (
	tableMessages      = "messages"
	tableConversations = "conversations"
	tableMembers       = "members"
	tableUsers         = "users"
	tableUserConfig    = "user_config"
	tableSession       = "session"
)

type Store struct {
	log  *zap.SugaredLogger
	db   *db.Database
	feed *Feed
}

func New(c *config.Config, d *db.Database) (*Store, error) {
	if err := d.Migrate("_inbox", migrations); err != nil {
		return nil, err
	}
	return &Store{
		log:  c.Logger("storage"),
		db:   d,
		feed: newFeed(),
	}, nil
}

// Publishes a change of table once the running transaction commits.
func (s *Store) changed(table string) {
	s.db.AfterCommit(func() {
		s.feed.publish(table)
	})
}

var migrations = []*migration.Migration{
	{
		Name: "Create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE _conversations (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					type INTEGER NOT NULL,
					protocol INTEGER NOT NULL,
					group_id TEXT NOT NULL,
					last_modified_ms INTEGER NOT NULL,
					last_read_ms INTEGER NOT NULL DEFAULT 0,
					cleared_ms INTEGER NOT NULL DEFAULT 0
				);
				CREATE INDEX conversations_group_id on _conversations (group_id);

				CREATE TABLE _members (
					conversation_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					role TEXT NOT NULL,
					PRIMARY KEY(conversation_id, user_id)
				);

				CREATE TABLE _users (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					handle TEXT NOT NULL,
					availability INTEGER NOT NULL
				);

				CREATE TABLE _messages (
					conversation_id TEXT NOT NULL,
					id TEXT NOT NULL,
					category INTEGER NOT NULL,
					sender_user_id TEXT NOT NULL,
					sender_client_id TEXT NOT NULL,
					date_ms INTEGER NOT NULL,
					status INTEGER NOT NULL,
					visibility INTEGER NOT NULL,
					kind TEXT NOT NULL,
					content BLOB NOT NULL,
					edited INTEGER NOT NULL DEFAULT 0,
					edited_at_ms INTEGER NOT NULL DEFAULT 0,
					expire_after_ms INTEGER,
					deletion_start_ms INTEGER,
					deletion_end_ms INTEGER,
					PRIMARY KEY(conversation_id, id)
				);
				CREATE INDEX messages_date on _messages (conversation_id, date_ms);
				CREATE INDEX messages_deletion_end on _messages (deletion_end_ms);

				CREATE TABLE _user_config (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				);

				CREATE TABLE _session (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					client_id TEXT,
					logout_reason INTEGER
				);
				INSERT INTO _session (id) VALUES (1);

				CREATE TABLE _events (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					last_processed_id TEXT NOT NULL
				);
				INSERT INTO _events (id, last_processed_id) VALUES (1, '');

				CREATE TABLE _proposal_timers (
					group_id TEXT PRIMARY KEY,
					commit_at_ms INTEGER NOT NULL
				);
			`)
			return err
		},
	},
}
