package mls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ids"
	"github.com/meow-io/go-inbox/internal/test"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct {
	lock    sync.Mutex
	commits map[ids.GroupID]int
	running int
	overlap bool
	fail    bool
	delay   time.Duration
	signal  chan ids.GroupID
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{commits: make(map[ids.GroupID]int), signal: make(chan ids.GroupID, 10)}
}

func (f *fakeCommitter) CommitPendingProposals(ctx context.Context, group ids.GroupID) error {
	f.lock.Lock()
	f.running++
	if f.running > 1 {
		f.overlap = true
	}
	fail := f.fail
	f.lock.Unlock()

	time.Sleep(f.delay)

	f.lock.Lock()
	f.running--
	if !fail {
		f.commits[group]++
	}
	f.lock.Unlock()
	f.signal <- group
	if fail {
		return errors.New("commit failed")
	}
	return nil
}

func (f *fakeCommitter) count(group ids.GroupID) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.commits[group]
}

type fakeTimers struct {
	lock   sync.Mutex
	timers map[ids.GroupID]time.Time
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{timers: make(map[ids.GroupID]time.Time)}
}

func (f *fakeTimers) ProposalTimers() (map[ids.GroupID]time.Time, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make(map[ids.GroupID]time.Time)
	for k, v := range f.timers {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTimers) SetProposalTimer(group ids.GroupID, at time.Time) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.timers[group] = at
	return nil
}

func (f *fakeTimers) ClearProposalTimer(group ids.GroupID) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.timers, group)
	return nil
}

func (f *fakeTimers) has(group ids.GroupID) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.timers[group]
	return ok
}

func wait(t *testing.T, ch chan ids.GroupID) ids.GroupID {
	select {
	case g := <-ch:
		return g
	case <-time.After(5 * time.Second):
		require.FailNow(t, "commit did not run")
		return ""
	}
}

func newScheduler(t *testing.T, committer *fakeCommitter, timers *fakeTimers) *ProposalScheduler {
	s := NewProposalScheduler(config.NewConfig(config.WithRootDir(t.TempDir())), test.NewClock(), committer, timers)
	t.Cleanup(s.Shutdown)
	return s
}

func TestCommitFiresAndClearsTimer(t *testing.T) {
	require := require.New(t)
	committer, timers := newFakeCommitter(), newFakeTimers()
	s := newScheduler(t, committer, timers)

	require.Nil(s.ScheduleCommit("g1", time.Now().Add(20*time.Millisecond)))
	require.True(timers.has("g1"))
	require.Equal(ids.GroupID("g1"), wait(t, committer.signal))
	require.Eventually(func() bool { return !timers.has("g1") }, time.Second, 5*time.Millisecond)
	require.Equal(1, committer.count("g1"))
}

func TestEarliestDeadlineWins(t *testing.T) {
	require := require.New(t)
	committer, timers := newFakeCommitter(), newFakeTimers()
	s := newScheduler(t, committer, timers)

	late := time.Now().Add(time.Hour)
	require.Nil(s.ScheduleCommit("g1", late))
	require.Nil(s.ScheduleCommit("g1", late.Add(time.Hour)))
	require.Equal(late, s.Pending()["g1"])

	require.Nil(s.ScheduleCommit("g1", time.Now()))
	wait(t, committer.signal)
	require.Equal(1, committer.count("g1"))
	require.Len(s.Pending(), 0)
}

func TestNoConcurrentCommitsPerGroup(t *testing.T) {
	require := require.New(t)
	committer, timers := newFakeCommitter(), newFakeTimers()
	committer.delay = 50 * time.Millisecond
	s := newScheduler(t, committer, timers)

	require.Nil(s.ScheduleCommit("g1", time.Now()))
	time.Sleep(10 * time.Millisecond)
	require.Nil(s.ScheduleCommit("g1", time.Now()))
	wait(t, committer.signal)
	wait(t, committer.signal)
	require.False(committer.overlap)
	require.Equal(2, committer.count("g1"))
}

func TestFailedCommitKeepsTimer(t *testing.T) {
	require := require.New(t)
	committer, timers := newFakeCommitter(), newFakeTimers()
	committer.fail = true
	s := newScheduler(t, committer, timers)

	require.Nil(s.ScheduleCommit("g1", time.Now()))
	wait(t, committer.signal)
	time.Sleep(20 * time.Millisecond)
	require.True(timers.has("g1"))
}

func TestStartRearmsPersistedTimers(t *testing.T) {
	require := require.New(t)
	committer, timers := newFakeCommitter(), newFakeTimers()
	require.Nil(timers.SetProposalTimer("g1", time.Now().Add(-time.Minute)))
	require.Nil(timers.SetProposalTimer("g2", time.Now().Add(time.Hour)))

	s := newScheduler(t, committer, timers)
	require.Nil(s.Start())
	require.Equal(ids.GroupID("g1"), wait(t, committer.signal))
	require.Contains(s.Pending(), ids.GroupID("g2"))
}

func TestScheduleAfterShutdown(t *testing.T) {
	committer, timers := newFakeCommitter(), newFakeTimers()
	s := newScheduler(t, committer, timers)
	s.Shutdown()
	require.NotNil(t, s.ScheduleCommit("g1", time.Now()))
}
