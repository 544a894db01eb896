package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"factorywatch/internal/model"
)

// MemoryFeed is an in-process document store with live queries. The broker
// feeds embed it and apply decoded change messages to it.
type MemoryFeed struct {
	collection string

	mu     sync.RWMutex
	docs   *DocSet
	subs   map[*subscription]struct{}
	closed bool
	now    func() time.Time
}

func NewMemoryFeed(collection string, limit int) *MemoryFeed {
	return &MemoryFeed{
		collection: collection,
		docs:       NewDocSet(limit),
		subs:       make(map[*subscription]struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (f *MemoryFeed) Collection() string {
	return f.collection
}

func (f *MemoryFeed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docs.Len()
}

func (f *MemoryFeed) Put(records ...model.RawRecord) {
	if len(records) == 0 {
		return
	}
	f.mu.Lock()
	for _, r := range records {
		f.docs.Upsert(r.ID, r.Fields)
	}
	f.mu.Unlock()
	f.wakeAll()
}

func (f *MemoryFeed) Remove(ids ...string) {
	removed := false
	f.mu.Lock()
	for _, id := range ids {
		if f.docs.Delete(id) {
			removed = true
		}
	}
	f.mu.Unlock()
	if removed {
		f.wakeAll()
	}
}

func (f *MemoryFeed) Apply(msgs ...ChangeMessage) {
	if len(msgs) == 0 {
		return
	}
	f.mu.Lock()
	for _, m := range msgs {
		f.docs.Apply(m)
	}
	f.mu.Unlock()
	f.wakeAll()
}

// Fail reports err to every live subscription without touching documents.
func (f *MemoryFeed) Fail(err error) {
	if err == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		s.setErr(err)
	}
}

func (f *MemoryFeed) Subscribe(ctx context.Context, q Query, h Handler) (Subscription, error) {
	if q.Collection != "" && q.Collection != f.collection {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, q.Collection)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		feed:    f,
		query:   q,
		handler: h,
		notify:  make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	s.markDirty()
	go s.run(ctx)
	return s, nil
}

// Close ends every subscription and rejects new ones.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	subs := make([]*subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (f *MemoryFeed) wakeAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		s.markDirty()
	}
}

func (f *MemoryFeed) evaluate(q Query) []model.RawRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docs.Evaluate(q)
}

func (f *MemoryFeed) remove(s *subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

type subscription struct {
	feed    *MemoryFeed
	query   Query
	handler Handler
	notify  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	// stateMu guards pending and dirty. A dropped wake never loses either.
	stateMu sync.Mutex
	pending error
	dirty   bool
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) setErr(err error) {
	s.stateMu.Lock()
	s.pending = err
	s.stateMu.Unlock()
	s.wake()
}

func (s *subscription) markDirty() {
	s.stateMu.Lock()
	s.dirty = true
	s.stateMu.Unlock()
	s.wake()
}

// take returns and clears the dirty mark and the pending error.
func (s *subscription) take() (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	dirty, err := s.dirty, s.pending
	s.pending = nil
	s.dirty = false
	return dirty, err
}

// run is the only goroutine that calls the handler, so deliveries for one
// subscription never overlap.
func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	var last []model.RawRecord
	delivered := false
	failed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		dirty, err := s.take()
		if err != nil {
			failed = true
			s.handler.fail(err)
		}
		if !dirty || ctx.Err() != nil {
			continue
		}
		records := s.feed.evaluate(s.query)
		changes := Diff(last, records)
		if delivered && !failed && len(changes) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.handler.snapshot(model.Snapshot{Records: records, Changes: changes, ReadAt: s.feed.now()})
		last = records
		delivered = true
		failed = false
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.feed.remove(s)
	})
	return nil
}
