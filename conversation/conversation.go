// This package holds the conversation, member and user records which events carry and stores persist.
package conversation

import (
	"time"

	"github.com/meow-io/go-inbox/ids"
)

type Protocol uint8

const (
	ProtocolProteus Protocol = iota
	ProtocolMLS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolProteus:
		return "proteus"
	case ProtocolMLS:
		return "mls"
	default:
		return "unknown"
	}
}

type Type uint8

const (
	TypeGroup Type = iota
	TypeOneOnOne
	TypeSelf
)

type Conversation struct {
	ID       ids.ConversationID
	Name     string
	Type     Type
	Protocol Protocol
	// Empty for proteus conversations.
	GroupID      ids.GroupID
	LastModified time.Time
}

type Role string

const (
	RoleAdmin  Role = "wire_admin"
	RoleMember Role = "wire_member"
)

type Member struct {
	ID   ids.UserID
	Role Role
}

type Availability uint8

const (
	AvailabilityNone Availability = iota
	AvailabilityAvailable
	AvailabilityBusy
	AvailabilityAway
)

type User struct {
	ID           ids.UserID
	Name         string
	Handle       string
	Availability Availability
}
