package message

import (
	"time"

	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/ids"
)

// Anything with a registered kind: Content, SystemContent or Signaling.
type Payload interface {
	Kind() string
}

// Content of a regular message.
type Content interface {
	Payload
	regular()
}

// Content of a system message, produced locally from membership events.
type SystemContent interface {
	Payload
	system()
}

// Content which updates user state and is never persisted as a message.
type Signaling interface {
	Payload
	signaling()
}

type Text struct {
	Value string `bencode:"v"`
}

type Knock struct {
	Hot bool `bencode:"h"`
}

type RemoteData struct {
	OtrKey      []byte `bencode:"k"`
	Sha256      []byte `bencode:"s"`
	AssetID     string `bencode:"id"`
	AssetToken  string `bencode:"t"`
	AssetDomain string `bencode:"d"`
}

// Keys arrive in a second message after the preview, so a zero OtrKey means they are still missing.
func (r RemoteData) HasKeys() bool {
	return len(r.OtrKey) != 0 && len(r.Sha256) != 0
}

type Asset struct {
	Name        string     `bencode:"n"`
	MimeType    string     `bencode:"m"`
	SizeInBytes int64      `bencode:"z"`
	RemoteData  RemoteData `bencode:"r"`
}

// Metadata left in place of an asset when file sharing is not enabled.
type RestrictedAsset struct {
	Name        string `bencode:"n"`
	MimeType    string `bencode:"m"`
	SizeInBytes int64  `bencode:"z"`
}

type Calling struct {
	Value string `bencode:"v"`
}

// Placeholder for content which could not be decrypted or decoded.
type FailedDecryption struct {
	EncodedData []byte `bencode:"e"`
	Reason      string `bencode:"r"`
}

type Unknown struct {
	TypeName    string `bencode:"t"`
	EncodedData []byte `bencode:"e"`
	Hidden      bool   `bencode:"h"`
}

type DeleteMessage struct {
	MessageID string `bencode:"m"`
}

type TextEdited struct {
	EditMessageID string `bencode:"m"`
	NewContent    string `bencode:"c"`
}

type DeleteForMe struct {
	MessageID    string             `bencode:"m"`
	Conversation ids.ConversationID `bencode:"c"`
}

type Empty struct{}

type LastRead struct {
	Conversation ids.ConversationID `bencode:"c"`
	TimeMs       int64              `bencode:"t"`
}

func (l *LastRead) Time() time.Time { return time.UnixMilli(l.TimeMs) }

type Cleared struct {
	Conversation ids.ConversationID `bencode:"c"`
	TimeMs       int64              `bencode:"t"`
}

func (c *Cleared) Time() time.Time { return time.UnixMilli(c.TimeMs) }

type MemberChangeKind uint8

const (
	MemberChangeAdded MemberChangeKind = iota
	MemberChangeRemoved
)

type MemberChange struct {
	Change  MemberChangeKind `bencode:"c"`
	Members []ids.UserID     `bencode:"m"`
}

type ConversationRenamed struct {
	Name string `bencode:"n"`
}

type Availability struct {
	Status conversation.Availability `bencode:"s"`
}

type Ignored struct{}

func (*Text) Kind() string             { return "text" }
func (*Knock) Kind() string            { return "knock" }
func (*Asset) Kind() string            { return "asset" }
func (*RestrictedAsset) Kind() string  { return "restricted_asset" }
func (*Calling) Kind() string          { return "calling" }
func (*FailedDecryption) Kind() string { return "failed_decryption" }
func (*Unknown) Kind() string          { return "unknown" }
func (*DeleteMessage) Kind() string    { return "delete" }
func (*TextEdited) Kind() string       { return "edited" }
func (*DeleteForMe) Kind() string      { return "delete_for_me" }
func (*Empty) Kind() string            { return "empty" }
func (*LastRead) Kind() string         { return "last_read" }
func (*Cleared) Kind() string          { return "cleared" }

func (*MemberChange) Kind() string        { return "member_change" }
func (*ConversationRenamed) Kind() string { return "renamed" }

func (*Availability) Kind() string { return "availability" }
func (*Ignored) Kind() string      { return "ignored" }

func (*Text) regular()             {}
func (*Knock) regular()            {}
func (*Asset) regular()            {}
func (*RestrictedAsset) regular()  {}
func (*Calling) regular()          {}
func (*FailedDecryption) regular() {}
func (*Unknown) regular()          {}
func (*DeleteMessage) regular()    {}
func (*TextEdited) regular()       {}
func (*DeleteForMe) regular()      {}
func (*Empty) regular()            {}
func (*LastRead) regular()         {}
func (*Cleared) regular()          {}

func (*MemberChange) system()        {}
func (*ConversationRenamed) system() {}

func (*Availability) signaling() {}
func (*Ignored) signaling()      {}

// Whether a message with this content shows in conversation views.
func VisibilityOf(c Content) Visibility {
	switch c := c.(type) {
	case *Text, *Knock, *Asset, *Calling, *RestrictedAsset, *FailedDecryption:
		return VisibilityVisible
	case *Unknown:
		if c.Hidden {
			return VisibilityHidden
		}
		return VisibilityVisible
	case *DeleteMessage, *TextEdited, *DeleteForMe, *Empty, *LastRead, *Cleared:
		return VisibilityHidden
	default:
		panic("message: unhandled content " + c.Kind())
	}
}
