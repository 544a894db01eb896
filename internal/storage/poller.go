package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"factorywatch/internal/model"
	"factorywatch/internal/source"
)

// Poller turns a Store into a live source by re-running each query on an
// interval and emitting a snapshot when the result changes.
type Poller struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewPoller(store Store, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Poller) Subscribe(ctx context.Context, q source.Query, h source.Handler) (source.Subscription, error) {
	if q.Collection == "" {
		q.Collection = p.store.Table()
	}
	if q.Collection != p.store.Table() {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownCollection, q.Collection)
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{cancel: cancel, done: make(chan struct{})}
	go p.run(ctx, q, h, sub.done)
	return sub, nil
}

func (p *Poller) run(ctx context.Context, q source.Query, h source.Handler, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last []model.RawRecord
	delivered := false
	failed := false
	for {
		records, err := p.store.Query(ctx, q)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			if p.logger != nil {
				p.logger.Warn("sql poll error", "table", q.Collection, "err", err)
			}
			failed = true
			if h.OnError != nil {
				h.OnError(err)
			}
		default:
			changes := source.Diff(last, records)
			if !delivered || failed || len(changes) > 0 {
				if h.OnSnapshot != nil {
					h.OnSnapshot(model.Snapshot{Records: records, Changes: changes, ReadAt: p.now()})
				}
				last = records
				delivered = true
				failed = false
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type pollSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
