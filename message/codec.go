package message

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/bencode"
)

var ErrUnknownKind = errors.New("message: unknown content kind")

var constructors = map[string]func() Payload{
	"text":              func() Payload { return &Text{} },
	"knock":             func() Payload { return &Knock{} },
	"asset":             func() Payload { return &Asset{} },
	"restricted_asset":  func() Payload { return &RestrictedAsset{} },
	"calling":           func() Payload { return &Calling{} },
	"failed_decryption": func() Payload { return &FailedDecryption{} },
	"unknown":           func() Payload { return &Unknown{} },
	"delete":            func() Payload { return &DeleteMessage{} },
	"edited":            func() Payload { return &TextEdited{} },
	"delete_for_me":     func() Payload { return &DeleteForMe{} },
	"empty":             func() Payload { return &Empty{} },
	"last_read":         func() Payload { return &LastRead{} },
	"cleared":           func() Payload { return &Cleared{} },
	"member_change":     func() Payload { return &MemberChange{} },
	"renamed":           func() Payload { return &ConversationRenamed{} },
	"availability":      func() Payload { return &Availability{} },
	"ignored":           func() Payload { return &Ignored{} },
}

func KnownKind(kind string) bool {
	_, ok := constructors[kind]
	return ok
}

func Encode(p Payload) ([]byte, error) {
	b, err := bencode.Serialize(p)
	if err != nil {
		return nil, fmt.Errorf("message: error encoding %s: %w", p.Kind(), err)
	}
	return b, nil
}

func Decode(kind string, body []byte) (Payload, error) {
	c, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p := c()
	if err := bencode.Deserialize(body, p); err != nil {
		return nil, fmt.Errorf("message: error decoding %s: %w", kind, err)
	}
	return p, nil
}

func DecodeContent(kind string, body []byte) (Content, error) {
	p, err := Decode(kind, body)
	if err != nil {
		return nil, err
	}
	c, ok := p.(Content)
	if !ok {
		return nil, fmt.Errorf("message: %s is not regular content", kind)
	}
	return c, nil
}

func DecodeSystemContent(kind string, body []byte) (SystemContent, error) {
	p, err := Decode(kind, body)
	if err != nil {
		return nil, err
	}
	c, ok := p.(SystemContent)
	if !ok {
		return nil, fmt.Errorf("message: %s is not system content", kind)
	}
	return c, nil
}
