// This package decodes the plaintext produced by decryption into message content. A plaintext either
// carries content directly or carries the key and digest of a larger payload delivered next to the
// ciphertext, which must itself carry content directly.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-inbox/bencode"
	"github.com/meow-io/go-inbox/crypto"
	"github.com/meow-io/go-inbox/message"
)

var (
	ErrMalformedContent       = errors.New("envelope: malformed content")
	ErrNestedExternal         = errors.New("envelope: external content points at external content")
	ErrMissingExternalContent = errors.New("envelope: external instructions without external content")
	ErrExternalNotAllowed     = errors.New("envelope: external content is not allowed here")
)

type wireExternal struct {
	OtrKey []byte `bencode:"k"`
	Sha256 []byte `bencode:"s"`
}

type wireMessage struct {
	ID            string        `bencode:"id"`
	Kind          string        `bencode:"t"`
	Body          []byte        `bencode:"b"`
	Hidden        bool          `bencode:"h"`
	ExpireAfterMs *uint64       `bencode:"x"`
	External      *wireExternal `bencode:"ext"`
}

// Either *Readable or *ExternalInstructions.
type PlainContent interface {
	plain()
}

type Readable struct {
	MessageID string
	Content   message.Payload
	// Set for ephemeral messages.
	ExpireAfter *time.Duration
}

type ExternalInstructions struct {
	MessageID string
	OtrKey    []byte
	Sha256    []byte
}

func (*Readable) plain()             {}
func (*ExternalInstructions) plain() {}

func Decode(b []byte) (PlainContent, error) {
	var w wireMessage
	if err := bencode.Deserialize(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedContent, err)
	}
	if w.External != nil {
		return &ExternalInstructions{MessageID: w.ID, OtrKey: w.External.OtrKey, Sha256: w.External.Sha256}, nil
	}
	if w.ID == "" || w.Kind == "" {
		return nil, fmt.Errorf("%w: missing id or kind", ErrMalformedContent)
	}
	r := &Readable{MessageID: w.ID}
	if w.ExpireAfterMs != nil {
		d := time.Duration(*w.ExpireAfterMs) * time.Millisecond
		r.ExpireAfter = &d
	}
	if !message.KnownKind(w.Kind) {
		r.Content = &message.Unknown{TypeName: w.Kind, EncodedData: w.Body, Hidden: w.Hidden}
		return r, nil
	}
	p, err := message.Decode(w.Kind, w.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedContent, err)
	}
	if _, ok := p.(message.SystemContent); ok {
		return nil, fmt.Errorf("%w: %s cannot be sent", ErrMalformedContent, w.Kind)
	}
	r.Content = p
	return r, nil
}

func Encode(pc PlainContent) ([]byte, error) {
	var w wireMessage
	switch pc := pc.(type) {
	case *Readable:
		body, err := message.Encode(pc.Content)
		if err != nil {
			return nil, err
		}
		w = wireMessage{ID: pc.MessageID, Kind: pc.Content.Kind(), Body: body}
		if u, ok := pc.Content.(*message.Unknown); ok {
			w.Kind, w.Body, w.Hidden = u.TypeName, u.EncodedData, u.Hidden
		}
		if pc.ExpireAfter != nil {
			ms := uint64(pc.ExpireAfter.Milliseconds())
			w.ExpireAfterMs = &ms
		}
	case *ExternalInstructions:
		w = wireMessage{ID: pc.MessageID, External: &wireExternal{OtrKey: pc.OtrKey, Sha256: pc.Sha256}}
	default:
		return nil, fmt.Errorf("envelope: unexpected content %T", pc)
	}
	return bencode.Serialize(&w)
}

// Decodes a decrypted proteus plaintext, opening external content when the plaintext points at it.
func Unwrap(plain, external []byte) (*Readable, error) {
	pc, err := Decode(plain)
	if err != nil {
		return nil, err
	}
	switch pc := pc.(type) {
	case *Readable:
		return pc, nil
	case *ExternalInstructions:
		return openExternal(pc, external)
	default:
		return nil, fmt.Errorf("%w: %T", ErrMalformedContent, pc)
	}
}

// Decodes a plaintext which must carry content directly.
func UnwrapDirect(plain []byte) (*Readable, error) {
	pc, err := Decode(plain)
	if err != nil {
		return nil, err
	}
	r, ok := pc.(*Readable)
	if !ok {
		return nil, ErrExternalNotAllowed
	}
	return r, nil
}

func openExternal(instr *ExternalInstructions, external []byte) (*Readable, error) {
	if len(external) == 0 {
		return nil, ErrMissingExternalContent
	}
	inner, err := crypto.DecryptBlob(instr.OtrKey, external, instr.Sha256)
	if err != nil {
		return nil, fmt.Errorf("envelope: error opening external content: %w", err)
	}
	pc, err := Decode(inner)
	if err != nil {
		return nil, err
	}
	r, ok := pc.(*Readable)
	if !ok {
		return nil, ErrNestedExternal
	}
	return r, nil
}

// Moves r out of band: returns the instructions to send in the ratchet frame and the blob to send beside it.
func Externalize(r *Readable) ([]byte, []byte, error) {
	inner, err := Encode(r)
	if err != nil {
		return nil, nil, err
	}
	key := crypto.NewKey()
	blob, digest, err := crypto.EncryptBlob(key, inner)
	if err != nil {
		return nil, nil, err
	}
	instr, err := Encode(&ExternalInstructions{MessageID: r.MessageID, OtrKey: key, Sha256: digest})
	if err != nil {
		return nil, nil, err
	}
	return instr, blob, nil
}
