package proteus

import (
	"bytes"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPair struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPair) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPair) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

// Ratchet primitives: curve25519 through nacl box and chacha20poly1305 for message keys.
type ratchetCrypto struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *ratchetCrypto) GenerateDH() (doubleratchet.DHPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPair{privateKey: *priv, publicKey: *pub}, nil
}

func (c *ratchetCrypto) DH(pair doubleratchet.DHPair, pub doubleratchet.Key) (doubleratchet.Key, error) {
	out := box.Precompute(crypto.SliceToKey(pub), crypto.SliceToKey(pair.PrivateKey()))
	return out[:], nil
}

func (c *ratchetCrypto) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *ratchetCrypto) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *ratchetCrypto) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *ratchetCrypto) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

// Must only be used inside a transaction.
type stateStorage struct {
	db *database
}

func (ss *stateStorage) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.ratchetState(id)
	if err != nil {
		return nil, err
	}
	rc := &ratchetCrypto{}
	return &doubleratchet.State{
		Crypto: rc,
		DHr:    s.Dhr,
		DHs:    dhPair{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: rc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: rc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: rc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                skippedKeys{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *stateStorage) Save(id []byte, state *doubleratchet.State) error {
	return ss.db.upsertRatchetState(&ratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	})
}

// Message keys skipped over by out of order delivery, scoped to one session.
type skippedKeys struct {
	sessionID []byte
	db        *database
}

func (sk skippedKeys) checkSession(sessionID []byte) error {
	if !bytes.Equal(sessionID, sk.sessionID) {
		return fmt.Errorf("proteus: expected session %x, got %x", sk.sessionID, sessionID)
	}
	return nil
}

func (sk skippedKeys) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := sk.db.keyByMsgNum(sk.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, true, nil
}

func (sk skippedKeys) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, seqNum uint) error {
	if err := sk.checkSession(sessionID); err != nil {
		return err
	}
	return sk.db.insertKey(sessionID, k, msgNum, mk, seqNum)
}

func (sk skippedKeys) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return sk.db.deleteKey(sk.sessionID, k, msgNum)
}

func (sk skippedKeys) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if err := sk.checkSession(sessionID); err != nil {
		return err
	}
	return sk.db.deleteKeysBefore(sessionID, deleteUntilSeqKey)
}

func (sk skippedKeys) TruncateMks(sessionID []byte, maxKeys int) error {
	if err := sk.checkSession(sessionID); err != nil {
		return err
	}
	return sk.db.truncateKeys(sessionID, maxKeys)
}

func (sk skippedKeys) Count(k doubleratchet.Key) (uint, error) {
	return sk.db.countKeys(k)
}

func (sk skippedKeys) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("proteus: listing all skipped keys is not supported")
}
