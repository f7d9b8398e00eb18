// This package implements proteus, the pairwise session protocol, over a double ratchet whose state lives
// in the encrypted database. There is one session per remote (user, client) pair.
package proteus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/scalarmult"
	"github.com/meow-io/go-inbox/bencode"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/internal/db"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("proteus: session not found")
	ErrSessionExists   = errors.New("proteus: session already exists")
)

type SessionID struct {
	User   ids.UserID
	Client ids.ClientID
}

func (s SessionID) String() string {
	return fmt.Sprintf("%s/%s", s.User, s.Client)
}

func (s SessionID) key() []byte {
	return []byte(s.String())
}

// The ratchet output as sent on the wire.
type frame struct {
	Dh   []byte `bencode:"dh"`
	N    uint32 `bencode:"n"`
	Pn   uint32 `bencode:"pn"`
	Body []byte `bencode:"b"`
}

type Client struct {
	log *zap.SugaredLogger
	db  *database
}

func NewClient(c *config.Config, d *db.Database) (*Client, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Client{log: c.Logger("proteus"), db: database}, nil
}

// Creates a session with a remote client from a shared secret. The owner of the initial key pair passes its
// private key and must receive first; the other side passes the owner's public key and may send right away.
func (c *Client) CreateSession(id SessionID, secret, initialKey []byte, owner bool) error {
	sid := id.key()
	return c.db.Run("create proteus session", func() error {
		if _, err := c.db.session(sid); err == nil {
			return ErrSessionExists
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := c.db.insertSession(&session{ID: sid, UserID: id.User.String(), ClientID: string(id.Client)}); err != nil {
			return err
		}
		storage := &stateStorage{db: c.db}
		if owner {
			k := crypto.SliceToKey(initialKey)
			pair := dhPair{privateKey: *k, publicKey: *scalarmult.Base(k)}
			if _, err := doubleratchet.New(sid, secret, pair, storage, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(skippedKeys{sessionID: sid, db: c.db})); err != nil {
				return fmt.Errorf("proteus: error initializing ratchet: %w", err)
			}
			return nil
		}
		if _, err := doubleratchet.NewWithRemoteKey(sid, secret, initialKey, storage, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(skippedKeys{sessionID: sid, db: c.db})); err != nil {
			return fmt.Errorf("proteus: error initializing ratchet: %w", err)
		}
		return nil
	})
}

func (c *Client) HasSession(id SessionID) (bool, error) {
	found := false
	err := c.db.RunReadOnly("has proteus session", func() error {
		_, err := c.db.session(id.key())
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	return found, err
}

func (c *Client) DeleteSession(id SessionID) error {
	return c.db.Run("delete proteus session", func() error {
		return c.db.deleteSession(id.key())
	})
}

func (c *Client) load(sid []byte) (doubleratchet.Session, error) {
	if _, err := c.db.session(sid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return doubleratchet.Load(sid, &stateStorage{db: c.db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(skippedKeys{sessionID: sid, db: c.db}))
}

func (c *Client) Encrypt(ctx context.Context, id SessionID, plain []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := c.db.Run("proteus encrypt", func() error {
		s, err := c.load(id.key())
		if err != nil {
			return err
		}
		msg, err := s.RatchetEncrypt(plain, nil)
		if err != nil {
			return err
		}
		out, err = bencode.Serialize(&frame{Dh: msg.Header.DH, N: msg.Header.N, Pn: msg.Header.PN, Body: msg.Ciphertext})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("proteus: error encrypting for %s: %w", id, err)
	}
	return out, nil
}

// Decrypts a frame from the given session. The ratchet only advances when decryption succeeds.
func (c *Client) Decrypt(ctx context.Context, id SessionID, encrypted []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f frame
	if err := bencode.Deserialize(encrypted, &f); err != nil {
		return nil, fmt.Errorf("proteus: error decoding frame from %s: %w", id, err)
	}
	var plain []byte
	err := c.db.Run("proteus decrypt", func() error {
		s, err := c.load(id.key())
		if err != nil {
			return err
		}
		plain, err = s.RatchetDecrypt(doubleratchet.Message{
			Header:     doubleratchet.MessageHeader{DH: f.Dh, N: f.N, PN: f.Pn},
			Ciphertext: f.Body,
		}, nil)
		return err
	})
	if err != nil {
		c.log.Debugf("error decrypting from %s: %v", id, err)
		return nil, fmt.Errorf("proteus: error decrypting from %s: %w", id, err)
	}
	return plain, nil
}
