// This package deletes ephemeral messages once their self deletion window has elapsed. Waits are timers,
// not blocked goroutines doing work, and every deadline is persisted so a restart recovers them from the
// message store.
package ephemeral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/message"
	"go.uber.org/zap"
)

type MessageStore interface {
	Message(conv ids.ConversationID, id string) (message.Message, error)
	MarkSelfDeletionDates(conv ids.ConversationID, id string, start, end time.Time) (message.ExpirationData, bool, error)
	PendingSelfDeletionMessages() ([]*message.Regular, error)
	SelfDeletionMessagesEndedBy(now time.Time) ([]*message.Regular, error)
}

// Performs one side of a deletion. Failures are logged by the scheduler and never retried until the next
// catch-up pass.
type Deleter interface {
	Delete(ctx context.Context, conv ids.ConversationID, id string) error
}

type Scheduler struct {
	log        *zap.SugaredLogger
	clock      clock.Clock
	self       ids.UserID
	store      MessageStore
	asSender   Deleter
	asReceiver Deleter
	tracker    *DeletionTracker
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewScheduler(c *config.Config, cl clock.Clock, self ids.UserID, store MessageStore, asSender, asReceiver Deleter) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:        c.Logger("ephemeral"),
		clock:      cl,
		self:       self,
		store:      store,
		asSender:   asSender,
		asReceiver: asReceiver,
		tracker:    NewDeletionTracker(),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Abandons every wait. The deadlines stay in the store and are picked up again on the next start.
func (s *Scheduler) Shutdown() {
	s.cancelFunc()
	s.finished.Wait()
}

func (s *Scheduler) Tracker() *DeletionTracker {
	return s.tracker
}

// Loads a message and enqueues it if it is ephemeral and has left the pending state.
func (s *Scheduler) StartSelfDeletion(conv ids.ConversationID, id string) error {
	m, err := s.store.Message(conv, id)
	if err != nil {
		return fmt.Errorf("ephemeral: error loading %s in %s: %w", id, conv, err)
	}
	r, ok := m.(*message.Regular)
	if !ok || r.Expiration == nil {
		s.log.Infof("self deletion requested for %s in %s which has no expiration", id, conv)
		return nil
	}
	if r.Status == message.StatusPending {
		s.log.Infof("self deletion requested for %s in %s which is still pending", id, conv)
		return nil
	}
	s.EnqueueSelfDeletion(r, *r.Expiration)
	return nil
}

// Arms the deletion of m unless one is already waiting or executing for it. The first arm stamps the
// deletion window into the store; later arms reuse the persisted end date.
func (s *Scheduler) EnqueueSelfDeletion(m *message.Regular, exp message.ExpirationData) {
	conv, id := m.Conversation, m.ID
	if !s.tracker.Claim(conv, id) {
		s.log.Debugf("self deletion of %s in %s already requested", id, conv)
		return
	}
	if s.ctx.Err() != nil {
		s.tracker.Release(conv, id)
		return
	}
	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		defer s.tracker.Release(conv, id)

		if !exp.Status.Started {
			start := s.clock.Now()
			stored, stamped, err := s.store.MarkSelfDeletionDates(conv, id, start, start.Add(exp.ExpireAfter))
			if err != nil {
				s.log.Warnf("error marking deletion dates of %s in %s: %v", id, conv, err)
				return
			}
			if stamped {
				s.log.Debugf("deletion window of %s in %s opened at %s", id, conv, start)
			}
			exp = stored
		}
		end, _ := exp.EndDate()
		wait := end.Sub(s.clock.Now())
		s.log.Debugf("waiting %s to delete %s in %s", wait, id, conv)
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-s.ctx.Done():
				t.Stop()
				return
			}
		}
		s.delete(m)
	}()
}

// Re-arms every ephemeral message which has not been deleted yet.
func (s *Scheduler) EnqueuePendingSelfDeletionMessages() error {
	ms, err := s.store.PendingSelfDeletionMessages()
	if err != nil {
		return fmt.Errorf("ephemeral: error loading pending messages: %w", err)
	}
	for _, m := range ms {
		if m.Expiration != nil {
			s.EnqueueSelfDeletion(m, *m.Expiration)
		}
	}
	return nil
}

// Deletes every message whose window already ended, without waiting. Messages with a deletion already in
// flight are left to it.
func (s *Scheduler) DeleteSelfDeletionMessagesFromEndDate() error {
	ms, err := s.store.SelfDeletionMessagesEndedBy(s.clock.Now())
	if err != nil {
		return fmt.Errorf("ephemeral: error loading elapsed messages: %w", err)
	}
	for _, m := range ms {
		if !s.tracker.Claim(m.Conversation, m.ID) {
			continue
		}
		s.delete(m)
		s.tracker.Release(m.Conversation, m.ID)
	}
	return nil
}

func (s *Scheduler) delete(m *message.Regular) {
	d, side := s.asReceiver, "receiver"
	if m.SenderUserID == s.self {
		d, side = s.asSender, "sender"
	}
	if err := d.Delete(s.ctx, m.Conversation, m.ID); err != nil {
		s.log.Warnf("error deleting %s in %s as %s: %v", m.ID, m.Conversation, side, err)
		return
	}
	s.log.Debugf("deleted %s in %s as %s", m.ID, m.Conversation, side)
}
