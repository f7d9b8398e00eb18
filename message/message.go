// This package defines the messages persisted into conversations and the content they carry.
package message

import (
	"time"

	"github.com/meow-io/go-inbox/ids"
)

type Status uint8

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type Visibility uint8

const (
	VisibilityVisible Visibility = iota
	VisibilityHidden
	// Kept as a tombstone after a verified deletion.
	VisibilityDeleted
)

type EditStatus struct {
	Edited   bool
	EditedAt time.Time
}

type SelfDeletionStatus struct {
	Started bool
	// Both fixed when the deletion window opens.
	StartedAt time.Time
	EndAt     time.Time
}

type ExpirationData struct {
	ExpireAfter time.Duration
	Status      SelfDeletionStatus
}

// The persisted end of the deletion window, false if it has not opened yet.
func (e ExpirationData) EndDate() (time.Time, bool) {
	if !e.Status.Started {
		return time.Time{}, false
	}
	return e.Status.EndAt, true
}

// Opens the deletion window at start. The receiver is unchanged when the window is already open.
func (e ExpirationData) Start(start time.Time) ExpirationData {
	if e.Status.Started {
		return e
	}
	return ExpirationData{
		ExpireAfter: e.ExpireAfter,
		Status: SelfDeletionStatus{
			Started:   true,
			StartedAt: start,
			EndAt:     start.Add(e.ExpireAfter),
		},
	}
}

type Base struct {
	ID           string
	Conversation ids.ConversationID
	SenderUserID ids.UserID
	Date         time.Time
	Status       Status
	Visibility   Visibility
}

// Either *Regular or *System.
type Message interface {
	Meta() *Base
	message()
}

func (b *Base) Meta() *Base { return b }
func (*Base) message()      {}

type Regular struct {
	Base
	SenderClientID ids.ClientID
	Content        Content
	EditStatus     EditStatus
	Expiration     *ExpirationData
}

type System struct {
	Base
	Content SystemContent
}

// A regular message for the given content with visibility derived from it.
func NewRegular(id string, conv ids.ConversationID, sender ids.UserID, client ids.ClientID, date time.Time, status Status, c Content) *Regular {
	return &Regular{
		Base: Base{
			ID:           id,
			Conversation: conv,
			SenderUserID: sender,
			Date:         date,
			Status:       status,
			Visibility:   VisibilityOf(c),
		},
		SenderClientID: client,
		Content:        c,
	}
}
