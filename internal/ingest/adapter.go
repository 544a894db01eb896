package ingest

import (
	"log/slog"
	"sync"
	"time"

	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
)

// Adapter turns upstream snapshots into the canonical event set. The last
// applied snapshot wins; a failure only changes the connection state.
type Adapter struct {
	mu     sync.RWMutex
	opts   normalize.Options
	events []model.Event
	state  model.ConnectionState
	logger *slog.Logger
}

func NewAdapter(opts normalize.Options, logger *slog.Logger) *Adapter {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Adapter{
		opts:   opts,
		events: []model.Event{},
		state:  model.ConnectionState{Status: model.Connecting, Since: opts.Now()},
		logger: logger,
	}
}

func (a *Adapter) Apply(snapshot model.Snapshot) []model.Event {
	events := Normalize(snapshot.Records, a.opts)
	now := a.opts.Now()

	a.mu.Lock()
	a.events = events
	if a.state.Status != model.Connected {
		a.state = model.ConnectionState{Status: model.Connected, Since: now}
	} else {
		a.state.LastError = ""
	}
	a.mu.Unlock()

	out := make([]model.Event, len(events))
	copy(out, events)
	return out
}

func (a *Adapter) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	now := a.opts.Now()
	a.mu.Lock()
	if a.state.Status != model.Disconnected {
		a.state.Since = now
	}
	a.state.Status = model.Disconnected
	a.state.LastError = msg
	a.mu.Unlock()
	if a.logger != nil {
		a.logger.Warn("upstream subscription error", "err", msg)
	}
}

func (a *Adapter) Events() []model.Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.Event, len(a.events))
	copy(out, a.events)
	return out
}

func (a *Adapter) State() model.ConnectionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Normalize converts records in delivery order. A repeated id keeps the
// position of its first occurrence and the content of its last.
func Normalize(records []model.RawRecord, opts normalize.Options) []model.Event {
	out := make([]model.Event, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		ev := normalize.Record(rec, opts)
		if i, ok := index[ev.ID]; ok {
			out[i] = ev
			continue
		}
		index[ev.ID] = len(out)
		out = append(out, ev)
	}
	return out
}
