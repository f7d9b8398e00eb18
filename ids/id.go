// This package defines the identifiers used throughout inbox. Users and conversations are qualified by the
// backend domain that owns them; devices are identified by a client id that is only unique per user.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

type QualifiedID struct {
	Value  string `bencode:"v"`
	Domain string `bencode:"d"`
}

type (
	UserID         = QualifiedID
	ConversationID = QualifiedID
)

func (q QualifiedID) String() string {
	if q.Domain == "" {
		return q.Value
	}
	return q.Value + "@" + q.Domain
}

func (q QualifiedID) IsZero() bool {
	return q.Value == "" && q.Domain == ""
}

// Inverse of String. The domain is everything after the last '@'.
func ParseQualifiedID(s string) QualifiedID {
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return QualifiedID{Value: s}
	}
	return QualifiedID{Value: s[:i], Domain: s[i+1:]}
}

// A device of a user. MLS senders have no known client, represented by the empty client id.
type ClientID string

type GroupID string

func NewMessageID() string {
	return uuid.NewString()
}

func Compare(a, b QualifiedID) int {
	if c := strings.Compare(a.Domain, b.Domain); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}
