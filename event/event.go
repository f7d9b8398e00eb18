// This package defines the events delivered by the backend, already decoded from their transport
// representation, and the interfaces of the source that produces them.
package event

import (
	"context"
	"time"

	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/ids"
)

// One of the types in this package. The unexported method keeps the set closed.
type Event interface {
	EventID() string
	ConversationID() ids.ConversationID
	event()
}

type Base struct {
	ID           string
	Conversation ids.ConversationID
	Timestamp    time.Time
}

func (b Base) EventID() string                    { return b.ID }
func (b Base) ConversationID() ids.ConversationID { return b.Conversation }
func (Base) event()                               {}

// A proteus message. Content is base64 encoded ratchet output.
type NewMessage struct {
	Base
	SenderUserID   ids.UserID
	SenderClientID ids.ClientID
	Content        string
	// Set when the sender put the payload outside the ratchet frame.
	ExternalContent []byte
}

type NewConversation struct {
	Base
	SenderUserID ids.UserID
	Details      conversation.Conversation
	Members      []conversation.Member
}

type DeletedConversation struct {
	Base
	SenderUserID ids.UserID
}

type MemberJoin struct {
	Base
	AddedBy ids.UserID
	Members []conversation.Member
}

type MemberLeave struct {
	Base
	RemovedBy ids.UserID
	Removed   []ids.UserID
}

type MemberChanged struct {
	Base
	Member conversation.Member
}

type MLSWelcome struct {
	Base
	SenderUserID ids.UserID
	// base64 encoded welcome message
	Message string
}

type NewMLSMessage struct {
	Base
	SenderUserID ids.UserID
	// base64 encoded group message
	Content string
}

// Produces events in id order starting after a given id. An empty id starts from the beginning of the
// retained history. The channel is closed when the source has no more events or ctx is done; errors
// surface through the returned error channel.
type Stream interface {
	Since(ctx context.Context, id string) (<-chan Event, <-chan error, error)
}

// Persists the id of the last event whose processing is complete.
type Tracker interface {
	LastProcessedID() (string, error)
	MarkLastProcessed(id string) error
}
