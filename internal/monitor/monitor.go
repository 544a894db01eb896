package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"factorywatch/internal/aggregate"
	"factorywatch/internal/alerts"
	"factorywatch/internal/config"
	"factorywatch/internal/ingest"
	"factorywatch/internal/metrics"
	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
	"factorywatch/internal/notify"
	"factorywatch/internal/source"
)

var (
	ErrUnknownEvent = errors.New("event is not in the current alert log")
	ErrNotStarted   = errors.New("monitor not started")
)

const (
	subStream = "stream"
	subAlerts = "alerts"
)

type updateKind int

const (
	updateSnapshot updateKind = iota
	updateError
	updateRefresh
)

type update struct {
	kind     updateKind
	sub      string
	snapshot model.Snapshot
	err      error
}

// view is what one recompute publishes. It is never mutated after Store.
type view struct {
	dashboard model.Dashboard
	events    []model.Event
	alerts    []model.Event
	index     map[string]struct{}
}

// Monitor owns the live subscriptions and the single goroutine that turns
// their snapshots into published dashboards.
type Monitor struct {
	logger    *slog.Logger
	src       source.Source
	acks      alerts.Store
	notifier  *notify.Notifier
	metrics   *metrics.Recorder
	publishFn []func(model.Dashboard)

	cfg      atomic.Value
	settings atomic.Value
	registry atomic.Value
	current  atomic.Pointer[view]

	stream   *ingest.Adapter
	alertSet *ingest.Adapter
	opts     normalize.Options
	lastSeen map[string]time.Time
	version  uint64
	now      func() time.Time

	updates chan update
	cancel  context.CancelFunc
	ctx     context.Context
	subsMu  sync.Mutex
	subs    []source.Subscription
	closed  bool
	wg      sync.WaitGroup
	once    sync.Once
}

func New(cfg *config.Config, src source.Source, acks alerts.Store, logger *slog.Logger) *Monitor {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if acks == nil {
		acks = alerts.NewMemoryStore(cfg.Monitor.AlertLimit)
	}
	now := func() time.Time { return time.Now().UTC() }
	opts := normalize.OptionsFrom(cfg)
	opts.Now = now
	m := &Monitor{
		logger:   logger,
		src:      src,
		acks:     acks,
		opts:     opts,
		lastSeen: make(map[string]time.Time),
		now:      now,
		updates:  make(chan update, cfg.Monitor.UpdateBuffer),
	}
	m.stream = ingest.NewAdapter(opts, logger)
	m.alertSet = ingest.NewAdapter(opts, logger)
	m.storeConfig(cfg)
	m.current.Store(&view{index: map[string]struct{}{}})
	return m
}

func (m *Monitor) WithNotifier(n *notify.Notifier) *Monitor {
	m.notifier = n
	return m
}

func (m *Monitor) WithMetrics(r *metrics.Recorder) *Monitor {
	m.metrics = r
	return m
}

// OnPublish registers fn to receive every dashboard. It runs on the monitor
// goroutine and must not block.
func (m *Monitor) OnPublish(fn func(model.Dashboard)) *Monitor {
	m.publishFn = append(m.publishFn, fn)
	return m
}

// UpdateConfig swaps in cfg. When the collection or a sample limit changed
// on a started monitor, both subscriptions are reopened with the new queries.
func (m *Monitor) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	prev := m.config()
	m.storeConfig(cfg)
	if m.ctx != nil && m.ctx.Err() == nil && queriesChanged(prev, cfg) {
		if err := m.resubscribe(cfg); err != nil && m.logger != nil {
			m.logger.Error("resubscribe after config reload failed", "err", err)
		}
	}
	m.enqueue(update{kind: updateRefresh})
}

func queriesChanged(a, b *config.Config) bool {
	return a.Source.Collection != b.Source.Collection ||
		a.Monitor.SampleLimit != b.Monitor.SampleLimit ||
		a.Monitor.AlertLimit != b.Monitor.AlertLimit
}

func (m *Monitor) storeConfig(cfg *config.Config) {
	m.cfg.Store(cfg)
	m.settings.Store(aggregate.SettingsFrom(cfg))
	m.registry.Store(buildRegistry(cfg))
}

func (m *Monitor) config() *config.Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (m *Monitor) Settings() aggregate.Settings {
	return m.settings.Load().(aggregate.Settings)
}

func (m *Monitor) Registry() *SensorRegistry {
	return m.registry.Load().(*SensorRegistry)
}

// Start opens the stream and alert subscriptions and the liveness ticker.
func (m *Monitor) Start(ctx context.Context) error {
	cfg := m.config()
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run(m.ctx, cfg.Liveness.CheckInterval)

	subs, err := m.subscribe(cfg)
	if err != nil {
		_ = m.Close()
		return err
	}
	m.subsMu.Lock()
	m.subs = subs
	m.subsMu.Unlock()
	if m.logger != nil {
		m.logger.Info("monitor started",
			"collection", cfg.Source.Collection,
			"sample_limit", cfg.Monitor.SampleLimit,
			"alert_limit", cfg.Monitor.AlertLimit,
		)
	}
	return nil
}

// subscribe opens the stream and alert queries for cfg. On failure every
// subscription it opened is closed again.
func (m *Monitor) subscribe(cfg *config.Config) ([]source.Subscription, error) {
	queries := []struct {
		name string
		q    source.Query
	}{
		{subStream, source.Query{Collection: cfg.Source.Collection, Limit: cfg.Monitor.SampleLimit}},
		{subAlerts, source.Query{Collection: cfg.Source.Collection, Anomalous: source.Bool(true), Limit: cfg.Monitor.AlertLimit}},
	}
	subs := make([]source.Subscription, 0, len(queries))
	for _, item := range queries {
		name := item.name
		sub, err := m.src.Subscribe(m.ctx, item.q, source.Handler{
			OnSnapshot: func(s model.Snapshot) {
				m.enqueue(update{kind: updateSnapshot, sub: name, snapshot: s})
			},
			OnError: func(err error) {
				m.enqueue(update{kind: updateError, sub: name, err: err})
			},
		})
		if err != nil {
			closeAll(subs)
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (m *Monitor) resubscribe(cfg *config.Config) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.closed {
		return nil
	}
	if err := errors.Join(closeAll(m.subs)...); err != nil {
		return err
	}
	m.subs = nil
	subs, err := m.subscribe(cfg)
	if err != nil {
		return err
	}
	m.subs = subs
	if m.logger != nil {
		m.logger.Info("monitor resubscribed",
			"collection", cfg.Source.Collection,
			"sample_limit", cfg.Monitor.SampleLimit,
			"alert_limit", cfg.Monitor.AlertLimit,
		)
	}
	return nil
}

func closeAll(subs []source.Subscription) []error {
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Close stops the loop and every subscription. After it returns nothing
// reaches the monitor.
func (m *Monitor) Close() error {
	var errs []error
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.subsMu.Lock()
		m.closed = true
		errs = closeAll(m.subs)
		m.subs = nil
		m.subsMu.Unlock()
		m.wg.Wait()
	})
	return errors.Join(errs...)
}

func (m *Monitor) enqueue(u update) {
	if m.ctx == nil {
		return
	}
	select {
	case m.updates <- u:
	case <-m.ctx.Done():
	}
}

func (m *Monitor) run(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.recompute()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.updates:
			m.apply(u)
		case <-ticker.C:
			m.recompute()
		}
	}
}

func (m *Monitor) apply(u update) {
	switch u.kind {
	case updateSnapshot:
		m.metrics.Snapshot(u.sub)
		if u.sub == subAlerts {
			events := m.alertSet.Apply(u.snapshot)
			m.lastSeen = aggregate.LastSeen(events, m.lastSeen)
			m.offer(u.snapshot.Changes)
		} else {
			events := m.stream.Apply(u.snapshot)
			m.lastSeen = aggregate.LastSeen(events, m.lastSeen)
		}
	case updateError:
		m.metrics.SourceError()
		if u.sub == subAlerts {
			m.alertSet.Fail(u.err)
		} else {
			m.stream.Fail(u.err)
		}
	}
	m.recompute()
}

func (m *Monitor) offer(changes []model.Change) {
	if m.notifier == nil || !m.config().Notify.Enabled {
		return
	}
	for _, ch := range changes {
		if ch.Kind != model.ChangeAdded {
			continue
		}
		if m.notifier.Offer(normalize.Record(ch.Record, m.opts)) {
			m.metrics.Notified()
		}
	}
}

func (m *Monitor) recompute() {
	started := time.Now()
	s := m.Settings()
	now := m.now()
	events := m.stream.Events()
	alertEvents := m.alertSet.Events()

	agg := aggregate.Compute(aggregate.Input{
		Events:   events,
		Alerts:   alertEvents,
		LastSeen: m.Registry().Fold(m.lastSeen),
		Known:    m.Registry().IDs(),
	}, now, s)

	index := make(map[string]struct{}, len(alertEvents))
	for _, ev := range alertEvents {
		index[ev.ID] = struct{}{}
	}
	m.version++
	d := model.Dashboard{
		Version:     m.version,
		Connection:  combineState(m.stream.State(), m.alertSet.State()),
		Aggregation: agg,
		Alerts:      alerts.Summarize(alerts.Merge(alertEvents, m.acks, s.Score)),
	}
	m.current.Store(&view{dashboard: d, events: events, alerts: alertEvents, index: index})
	m.metrics.Recomputed(time.Since(started))
	m.metrics.Observe(d)
	for _, fn := range m.publishFn {
		fn(d)
	}
}

// combineState reports the worse of the two subscription states.
func combineState(a, b model.ConnectionState) model.ConnectionState {
	rank := func(s model.ConnectionStatus) int {
		switch s {
		case model.Disconnected:
			return 2
		case model.Connecting:
			return 1
		}
		return 0
	}
	if rank(b.Status) > rank(a.Status) {
		return b
	}
	return a
}

func (m *Monitor) Dashboard() model.Dashboard {
	return m.current.Load().dashboard
}

func (m *Monitor) Events() []model.Event {
	return m.current.Load().events
}

// Alerts merges the current acknowledgements into the alert sample and
// applies f.
func (m *Monitor) Alerts(f alerts.Filter) []model.AlertEntry {
	v := m.current.Load()
	return f.Apply(alerts.Merge(v.alerts, m.acks, m.Settings().Score))
}

// AckHistory returns up to limit recent acknowledgement actions, oldest first.
func (m *Monitor) AckHistory(limit int) []alerts.Action {
	return m.acks.History(limit)
}

func (m *Monitor) Ack(eventID, note string) (model.Acknowledgement, error) {
	if m.ctx == nil {
		return model.Acknowledgement{}, ErrNotStarted
	}
	if _, ok := m.current.Load().index[eventID]; !ok {
		return model.Acknowledgement{}, fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}
	ack := m.acks.SetAck(eventID, note)
	if m.logger != nil {
		m.logger.Info("alert acknowledged", "event_id", eventID, "note", ack.ActionNote)
	}
	m.enqueue(update{kind: updateRefresh})
	return ack, nil
}
