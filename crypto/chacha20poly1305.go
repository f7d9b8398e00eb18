// This package holds the symmetric primitives used by proteus sessions and external message payloads.
package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeyLength      = errors.New("crypto: key must be 32 bytes")
	ErrDigestMismatch = errors.New("crypto: digest mismatch")
	ErrShortBlob      = errors.New("crypto: encrypted blob too short")
)

var zeroNonce12 = make([]byte, chacha20poly1305.NonceSize)

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// A fresh random 32 byte key.
func NewKey() []byte {
	k := nacl.NewKey()
	return k[:]
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// Seals with a zero nonce. Only safe for keys which are used exactly once, such as ratchet message keys.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Encrypts an external payload under a random nonce which is prepended to the result.
// The returned digest is the SHA-256 of the whole blob.
func EncryptBlob(key, plain []byte) (blob []byte, digest []byte, err error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plain)+cipher.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: error generating nonce: %w", err)
	}
	blob = cipher.Seal(nonce, nonce, plain, nil)
	sum := sha256.Sum256(blob)
	return blob, sum[:], nil
}

// Checks the digest of blob before opening it.
func DecryptBlob(key, blob, digest []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	sum := sha256.Sum256(blob)
	if !bytes.Equal(sum[:], digest) {
		return nil, ErrDigestMismatch
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX+cipher.Overhead() {
		return nil, ErrShortBlob
	}
	plain, err := cipher.Open(nil, blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: error opening blob: %w", err)
	}
	return plain, nil
}
