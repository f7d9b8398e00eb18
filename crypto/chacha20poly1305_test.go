package crypto

import (
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestEncryptWithKey(t *testing.T) {
	require := require.New(t)
	key := NewKey()
	enc, err := EncryptWithKey(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	dec, err := DecryptWithKey(key, enc, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), dec)

	_, err = DecryptWithKey(key, enc, []byte("other"))
	require.NotNil(err)
	_, err = EncryptWithKey([]byte("short"), []byte("hello"), nil)
	require.ErrorIs(err, ErrKeyLength)
}

func TestEncryptWithDH(t *testing.T) {
	require := require.New(t)
	alicePub, alicePriv, err := box.GenerateKey(nil)
	require.Nil(err)
	bobPub, bobPriv, err := box.GenerateKey(nil)
	require.Nil(err)

	enc, err := EncryptWithDH(bobPub[:], alicePriv[:], []byte("hi bob"), nil)
	require.Nil(err)
	dec, err := DecryptWithDH(alicePub[:], bobPriv[:], enc, nil)
	require.Nil(err)
	require.Equal([]byte("hi bob"), dec)
}

func TestBlob(t *testing.T) {
	require := require.New(t)
	key := NewKey()
	blob, digest, err := EncryptBlob(key, []byte("external payload"))
	require.Nil(err)
	require.Len(digest, 32)

	plain, err := DecryptBlob(key, blob, digest)
	require.Nil(err)
	require.Equal([]byte("external payload"), plain)

	blob[len(blob)-1] ^= 1
	_, err = DecryptBlob(key, blob, digest)
	require.ErrorIs(err, ErrDigestMismatch)

	_, err = DecryptBlob(NewKey(), blob[:4], nil)
	require.NotNil(err)
}

func TestBlobWrongKey(t *testing.T) {
	blob, digest, err := EncryptBlob(NewKey(), []byte("x"))
	require.Nil(t, err)
	_, err = DecryptBlob(NewKey(), blob, digest)
	require.NotNil(t, err)
}
