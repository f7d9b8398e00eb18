package ephemeral

import (
	"sync"

	"github.com/meow-io/go-inbox/ids"
)

type key struct {
	conv ids.ConversationID
	id   string
}

// The set of messages with a deletion waiting or executing. The lock is only held to check and mutate the
// set, never while a deletion waits.
type DeletionTracker struct {
	lock     sync.Mutex
	inFlight map[key]struct{}
}

func NewDeletionTracker() *DeletionTracker {
	return &DeletionTracker{inFlight: make(map[key]struct{})}
}

// Adds the message to the set. Returns false if it was already there.
func (t *DeletionTracker) Claim(conv ids.ConversationID, id string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	k := key{conv, id}
	if _, ok := t.inFlight[k]; ok {
		return false
	}
	t.inFlight[k] = struct{}{}
	return true
}

func (t *DeletionTracker) Release(conv ids.ConversationID, id string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.inFlight, key{conv, id})
}

func (t *DeletionTracker) Tracked(conv ids.ConversationID, id string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.inFlight[key{conv, id}]
	return ok
}

func (t *DeletionTracker) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.inFlight)
}
