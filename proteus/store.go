package proteus

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/internal/db"
	"github.com/meow-io/go-inbox/migration"
	"github.com/status-im/doubleratchet"
)

type session struct {
	ID       []byte `db:"id"`
	UserID   string `db:"user_id"`
	ClientID string `db:"client_id"`
}

type ratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	if err := internalDB.Migrate("_proteus", []*migration.Migration{
		{
			Name: "Create session tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _proteus_sessions (
						id BLOB PRIMARY KEY,
						user_id TEXT NOT NULL,
						client_id TEXT NOT NULL
					);
					CREATE UNIQUE INDEX proteus_sessions_user_client on _proteus_sessions (user_id, client_id);

					CREATE TABLE _proteus_ratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX proteus_ratchet_keys_pubkey_msg_num on _proteus_ratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX proteus_ratchet_keys_session_id_seq_num on _proteus_ratchet_keys (session_id, seq_num);

					CREATE TABLE _proteus_ratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &database{internalDB}, nil
}

func (db *database) session(id []byte) (*session, error) {
	s := &session{}
	if err := db.Tx.Get(s, "SELECT * FROM _proteus_sessions WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("proteus: error getting session: %w", err)
	}
	return s, nil
}

func (db *database) insertSession(s *session) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _proteus_sessions (id, user_id, client_id) VALUES (:id, :user_id, :client_id)", s); err != nil {
		return fmt.Errorf("proteus: error inserting session: %w", err)
	}
	return nil
}

func (db *database) deleteSession(id []byte) error {
	for _, q := range []string{
		"DELETE FROM _proteus_ratchet_keys WHERE session_id = ?",
		"DELETE FROM _proteus_ratchet_states WHERE id = ?",
		"DELETE FROM _proteus_sessions WHERE id = ?",
	} {
		if _, err := db.Tx.Exec(q, id); err != nil {
			return fmt.Errorf("proteus: error deleting session: %w", err)
		}
	}
	return nil
}

func (db *database) ratchetState(id []byte) (*ratchetState, error) {
	s := &ratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _proteus_ratchet_states WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("proteus: error getting ratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertRatchetState(s *ratchetState) error {
	if _, err := db.Tx.NamedExec(`INSERT INTO _proteus_ratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count)
		VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count)
		ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count`, s); err != nil {
		return fmt.Errorf("proteus: error upserting ratchet state: %w", err)
	}
	return nil
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*ratchetKey, bool, error) {
	kr := &ratchetKey{}
	if err := db.Tx.Get(kr, "SELECT * FROM _proteus_ratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", k, msgNum, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("proteus: error getting key: %w", err)
	}
	return kr, true, nil
}

func (db *database) insertKey(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, seqNum uint) error {
	if _, err := db.Tx.Exec("INSERT INTO _proteus_ratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, seqNum); err != nil {
		return fmt.Errorf("proteus: error inserting key: %w", err)
	}
	return nil
}

func (db *database) deleteKey(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _proteus_ratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", k, msgNum, sessionID); err != nil {
		return fmt.Errorf("proteus: error deleting key: %w", err)
	}
	return nil
}

func (db *database) deleteKeysBefore(sessionID []byte, seqNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _proteus_ratchet_keys WHERE session_id = ? AND seq_num < ?", sessionID, seqNum); err != nil {
		return fmt.Errorf("proteus: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateKeys(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec("DELETE FROM _proteus_ratchet_keys WHERE session_id = ? AND seq_num NOT IN (SELECT seq_num FROM _proteus_ratchet_keys WHERE session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys); err != nil {
		return fmt.Errorf("proteus: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _proteus_ratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("proteus: error counting keys: %w", err)
	}
	return count, nil
}
