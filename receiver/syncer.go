package receiver

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/event"
	"github.com/meow-io/go-inbox/slowsync"
	"go.uber.org/zap"
)

var errStreamClosed = errors.New("receiver: event stream closed")

type Gate interface {
	Resolutions(ctx context.Context) <-chan slowsync.Resolution
}

type EventHandler interface {
	OnEvent(ctx context.Context, ev event.Event) error
}

type job struct {
	pos uint64
	ev  event.Event
}

type result struct {
	pos uint64
	id  string
	err error
}

// Pulls pending events while the sync gate is ready and feeds them to a handler. Events of one conversation
// go to the same worker, so they are handled in order. The tracker only moves over the contiguous prefix of
// handled events; with AtLeastOnce a failed event is never counted as handled, so it is replayed on the
// next pass.
type Syncer struct {
	log         *zap.SugaredLogger
	gate        Gate
	stream      event.Stream
	tracker     event.Tracker
	handler     EventHandler
	workers     int
	atLeastOnce bool
	backoff     *backoff.Backoff

	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewSyncer(c *config.Config, gate Gate, stream event.Stream, tracker event.Tracker, handler EventHandler) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	workers := c.EventWorkers
	if workers < 1 {
		workers = 1
	}
	return &Syncer{
		log:         c.Logger("receiver/sync"),
		gate:        gate,
		stream:      stream,
		tracker:     tracker,
		handler:     handler,
		workers:     workers,
		atLeastOnce: c.AtLeastOnce,
		backoff: &backoff.Backoff{
			Min:    time.Duration(c.ReconnectMinMs) * time.Millisecond,
			Max:    time.Duration(c.ReconnectMaxMs) * time.Millisecond,
			Factor: 2,
			Jitter: true,
		},
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

func (s *Syncer) Start() {
	s.finished.Add(1)
	go s.run()
}

func (s *Syncer) Shutdown() {
	s.cancelFunc()
	s.finished.Wait()
}

func (s *Syncer) run() {
	defer s.finished.Done()
	var (
		passCancel context.CancelFunc
		passDone   chan struct{}
	)
	stop := func() {
		if passCancel != nil {
			passCancel()
			<-passDone
			passCancel, passDone = nil, nil
		}
	}
	defer stop()

	resolutions := s.gate.Resolutions(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case r, ok := <-resolutions:
			if !ok {
				return
			}
			if !r.IsReady() {
				s.log.Debugf("pausing event sync: %s", r.Cause())
				stop()
				continue
			}
			if passCancel != nil {
				continue
			}
			var ctx context.Context
			ctx, passCancel = context.WithCancel(s.ctx)
			passDone = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				s.syncLoop(ctx)
			}(passDone)
		}
	}
}

// Passes over the stream until ctx is done, backing off between failed connections.
func (s *Syncer) syncLoop(ctx context.Context) {
	for {
		handled, err := s.pass(ctx)
		if ctx.Err() != nil {
			return
		}
		if handled {
			s.backoff.Reset()
		}
		d := s.backoff.Duration()
		if err != nil && !errors.Is(err, errStreamClosed) {
			s.log.Warnf("event stream failed, reconnecting in %s: %v", d, err)
		} else {
			s.log.Debugf("event stream ended, reconnecting in %s", d)
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *Syncer) worker(ctx context.Context, jobs <-chan job, results chan<- result) {
	for j := range jobs {
		if ctx.Err() != nil {
			continue
		}
		err := s.handler.OnEvent(ctx, j.ev)
		results <- result{pos: j.pos, id: j.ev.EventID(), err: err}
	}
}

func (s *Syncer) workerFor(ev event.Event) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.ConversationID().String()))
	return int(h.Sum32() % uint32(s.workers))
}

// One subscription to the stream. Returns whether any event was handled successfully.
func (s *Syncer) pass(ctx context.Context) (bool, error) {
	last, err := s.tracker.LastProcessedID()
	if err != nil {
		return false, err
	}
	events, errs, err := s.stream.Since(ctx, last)
	if err != nil {
		return false, err
	}
	s.log.Debugf("syncing events after %q", last)

	results := make(chan result, s.workers)
	queues := make([]chan job, s.workers)
	var workers sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan job, 64)
		workers.Add(1)
		go func(q chan job) {
			defer workers.Done()
			s.worker(ctx, q, results)
		}(queues[i])
	}

	handled := false
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		wm := newWatermark()
		for r := range results {
			if r.err != nil && s.atLeastOnce {
				s.log.Warnf("event %s failed, holding the cursor before it with positions %v done", r.id, wm.waiting())
				continue
			}
			if r.err == nil {
				handled = true
			}
			if id, moved := wm.add(r.pos, r.id); moved {
				if err := s.tracker.MarkLastProcessed(id); err != nil {
					s.log.Warnf("error marking %s processed: %v", id, err)
				}
			}
		}
	}()

	var (
		pos     uint64
		passErr error
	)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			passErr = err
			break loop
		case ev, ok := <-events:
			if !ok {
				passErr = errStreamClosed
				break loop
			}
			pos++
			select {
			case queues[s.workerFor(ev)] <- job{pos: pos, ev: ev}:
			case <-ctx.Done():
				break loop
			}
		}
	}
	for _, q := range queues {
		close(q)
	}
	workers.Wait()
	close(results)
	<-collected
	return handled, passErr
}
