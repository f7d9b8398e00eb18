// This package delivers transient notifications about conversations to the embedding application. They
// are never persisted: if nobody is reading, they are dropped.
package notify

import (
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/conversation"
	"github.com/meow-io/go-inbox/ids"
	"go.uber.org/zap"
)

// Either *ConversationDeleted or *MessageExpired.
type Notification interface {
	notification()
}

type ConversationDeleted struct {
	By ids.UserID
	// The conversation as it was before deletion.
	Conversation conversation.Conversation
}

type MessageExpired struct {
	Conversation ids.ConversationID
	MessageID    string
}

func (*ConversationDeleted) notification() {}
func (*MessageExpired) notification()      {}

type Manager struct {
	log     *zap.SugaredLogger
	updates chan Notification
}

func NewManager(c *config.Config) *Manager {
	return &Manager{
		log:     c.Logger("notify"),
		updates: make(chan Notification, c.NotificationBuffer),
	}
}

// Never blocks.
func (m *Manager) Notify(n Notification) {
	select {
	case m.updates <- n:
	default:
		m.log.Warnf("dropping notification %#v, buffer full", n)
	}
}

func (m *Manager) Updates() <-chan Notification {
	return m.updates
}
