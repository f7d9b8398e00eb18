package mls

import (
	"context"
	"sync"
	"time"

	"github.com/meow-io/go-inbox/clock"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ids"
	"go.uber.org/zap"
)

type Committer interface {
	CommitPendingProposals(ctx context.Context, group ids.GroupID) error
}

// Durable commit deadlines, one per group.
type TimerStore interface {
	ProposalTimers() (map[ids.GroupID]time.Time, error)
	SetProposalTimer(group ids.GroupID, at time.Time) error
	ClearProposalTimer(group ids.GroupID) error
}

type pendingCommit struct {
	at    time.Time
	timer *time.Timer
	gen   uint64
}

// Runs at most one commit per group at a time. When a group already has a deadline, only an earlier one
// replaces it.
type ProposalScheduler struct {
	log       *zap.SugaredLogger
	clock     clock.Clock
	committer Committer
	timers    TimerStore

	lock       sync.Mutex
	gen        uint64
	pending    map[ids.GroupID]*pendingCommit
	committing map[ids.GroupID]*sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewProposalScheduler(c *config.Config, cl clock.Clock, committer Committer, timers TimerStore) *ProposalScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProposalScheduler{
		log:        c.Logger("mls/proposals"),
		clock:      cl,
		committer:  committer,
		timers:     timers,
		pending:    make(map[ids.GroupID]*pendingCommit),
		committing: make(map[ids.GroupID]*sync.Mutex),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Re-arms deadlines persisted before the last shutdown. Elapsed ones commit right away.
func (s *ProposalScheduler) Start() error {
	timers, err := s.timers.ProposalTimers()
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for group, at := range timers {
		s.armLocked(group, at)
	}
	s.log.Debugf("re-armed %d proposal timers", len(timers))
	return nil
}

func (s *ProposalScheduler) Shutdown() {
	s.cancelFunc()
	s.lock.Lock()
	for group, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, group)
	}
	s.lock.Unlock()
	s.finished.Wait()
}

// Schedules a commit of the pending proposals of group at or after at.
func (s *ProposalScheduler) ScheduleCommit(group ids.GroupID, at time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if p, ok := s.pending[group]; ok && !at.Before(p.at) {
		s.log.Debugf("keeping commit for %s at %s, requested %s", group, p.at, at)
		return nil
	}
	if err := s.timers.SetProposalTimer(group, at); err != nil {
		return err
	}
	s.armLocked(group, at)
	return nil
}

func (s *ProposalScheduler) armLocked(group ids.GroupID, at time.Time) {
	if p, ok := s.pending[group]; ok {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.pending[group] = &pendingCommit{
		at:  at,
		gen: gen,
		timer: time.AfterFunc(delay, func() {
			s.fire(group, gen)
		}),
	}
}

func (s *ProposalScheduler) groupLock(group ids.GroupID) *sync.Mutex {
	l, ok := s.committing[group]
	if !ok {
		l = &sync.Mutex{}
		s.committing[group] = l
	}
	return l
}

func (s *ProposalScheduler) fire(group ids.GroupID, gen uint64) {
	s.lock.Lock()
	p, ok := s.pending[group]
	if !ok || p.gen != gen || s.ctx.Err() != nil {
		s.lock.Unlock()
		return
	}
	delete(s.pending, group)
	gl := s.groupLock(group)
	s.finished.Add(1)
	s.lock.Unlock()
	defer s.finished.Done()

	gl.Lock()
	err := s.committer.CommitPendingProposals(s.ctx, group)
	gl.Unlock()
	if err != nil {
		s.log.Warnf("error committing pending proposals for %s, will retry on next start: %v", group, err)
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, rescheduled := s.pending[group]; rescheduled {
		return
	}
	if err := s.timers.ClearProposalTimer(group); err != nil {
		s.log.Warnf("error clearing proposal timer for %s: %v", group, err)
	}
}

// Deadlines not yet fired, for inspection.
func (s *ProposalScheduler) Pending() map[ids.GroupID]time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make(map[ids.GroupID]time.Time, len(s.pending))
	for g, p := range s.pending {
		out[g] = p.at
	}
	return out
}
