package receiver

import (
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
)

// Either *Stored or *Signal.
type Classified interface {
	classified()
}

// A regular message to persist or hand to a content handler.
type Stored struct {
	Message *message.Regular
}

// Content that updates user state and is never stored as a message.
type Signal struct {
	Sender  ids.UserID
	Content message.Signaling
}

func (*Stored) classified() {}
func (*Signal) classified() {}

// Maps decrypted content onto what the receiver does with it. Decrypted messages arrive with status sent
// and a visibility derived from their content.
func Classify(d *Decrypted) Classified {
	switch c := d.Content.(type) {
	case message.Content:
		m := message.NewRegular(d.MessageID, d.Conversation, d.SenderUserID, d.SenderClientID, d.Date, message.StatusSent, c)
		if d.ExpireAfter != nil {
			m.Expiration = &message.ExpirationData{ExpireAfter: *d.ExpireAfter}
		}
		return &Stored{Message: m}
	case message.Signaling:
		return &Signal{Sender: d.SenderUserID, Content: c}
	case message.SystemContent:
		// System content is produced locally from membership events and is never accepted from a sender.
		u := &message.Unknown{TypeName: c.Kind(), Hidden: true}
		return &Stored{Message: message.NewRegular(d.MessageID, d.Conversation, d.SenderUserID, d.SenderClientID, d.Date, message.StatusSent, u)}
	default:
		panic("receiver: unhandled payload " + d.Content.Kind())
	}
}
