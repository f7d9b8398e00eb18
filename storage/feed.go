package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Fans out table changes to subscribers. Notifications coalesce: a subscriber that is behind sees one
// pending notification, not one per change.
type Feed struct {
	lock sync.Mutex
	next int
	subs map[int]*subscription
}

type subscription struct {
	tables map[string]bool
	ch     chan struct{}
}

func newFeed() *Feed {
	return &Feed{subs: make(map[int]*subscription)}
}

func (f *Feed) Subscribe(ctx context.Context, tables ...string) <-chan struct{} {
	sub := &subscription{tables: make(map[string]bool, len(tables)), ch: make(chan struct{}, 1)}
	for _, t := range tables {
		sub.tables[t] = true
	}
	f.lock.Lock()
	id := f.next
	f.next++
	f.subs[id] = sub
	f.lock.Unlock()

	go func() {
		<-ctx.Done()
		f.lock.Lock()
		delete(f.subs, id)
		f.lock.Unlock()
	}()
	return sub.ch
}

func (f *Feed) publish(table string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, sub := range f.subs {
		if !sub.tables[table] {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// Emits the result of query now and again whenever table changes and the result differs from the last one
// emitted. The channel is closed when ctx is done.
func observe[T any](ctx context.Context, f *Feed, log *zap.SugaredLogger, table string, query func() (T, error), equal func(a, b T) bool) <-chan T {
	out := make(chan T)
	changes := f.Subscribe(ctx, table)
	go func() {
		defer close(out)
		var last T
		emitted := false
		emit := func() bool {
			v, err := query()
			if err != nil {
				log.Warnf("error observing %s: %v", table, err)
				return true
			}
			if emitted && equal(last, v) {
				return true
			}
			select {
			case out <- v:
				last, emitted = v, true
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}
