package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorywatch/internal/model"
)

const waitFor = 2 * time.Second

type recorder struct {
	snaps chan model.Snapshot
	errs  chan error
}

func newRecorder() *recorder {
	return &recorder{snaps: make(chan model.Snapshot, 64), errs: make(chan error, 64)}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnSnapshot: func(s model.Snapshot) { r.snaps <- s },
		OnError:    func(err error) { r.errs <- err },
	}
}

func (r *recorder) next(t *testing.T) model.Snapshot {
	t.Helper()
	select {
	case s := <-r.snaps:
		return s
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for snapshot")
	}
	return model.Snapshot{}
}

func doc(sensor string, ts time.Time, label int) map[string]any {
	return map[string]any{
		"sensor_id":    sensor,
		"timestamp":    ts.Format(time.RFC3339Nano),
		"sensor_value": 80.0,
		"target_value": float64(label),
	}
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestDocSetEvaluateOrdersAndFilters(t *testing.T) {
	d := NewDocSet(0)
	d.Upsert("a", doc("S1", base, 0))
	d.Upsert("b", doc("S2", base.Add(2*time.Second), 1))
	d.Upsert("c", doc("S3", base.Add(time.Second), 1))

	all := d.Evaluate(Query{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "c", "a"}, ids(all))

	anomalous := d.Evaluate(Query{Anomalous: Bool(true), Limit: 1})
	assert.Equal(t, []string{"b"}, ids(anomalous))

	after := d.Evaluate(Query{After: base})
	assert.Equal(t, []string{"b", "c"}, ids(after))
}

func TestDocSetEvictsOldest(t *testing.T) {
	d := NewDocSet(2)
	d.Upsert("old", doc("S1", base, 0))
	d.Upsert("mid", doc("S1", base.Add(time.Second), 0))
	d.Upsert("new", doc("S1", base.Add(2*time.Second), 0))
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, []string{"new", "mid"}, ids(d.Evaluate(Query{})))
}

func TestDiff(t *testing.T) {
	prev := []model.RawRecord{{ID: "a", Fields: map[string]any{"v": 1}}, {ID: "b", Fields: map[string]any{"v": 1}}}
	next := []model.RawRecord{{ID: "c", Fields: map[string]any{"v": 1}}, {ID: "a", Fields: map[string]any{"v": 2}}}
	changes := Diff(prev, next)
	require.Len(t, changes, 3)
	assert.Equal(t, model.ChangeAdded, changes[0].Kind)
	assert.Equal(t, "c", changes[0].Record.ID)
	assert.Equal(t, model.ChangeModified, changes[1].Kind)
	assert.Equal(t, model.ChangeRemoved, changes[2].Kind)
	assert.Equal(t, "b", changes[2].Record.ID)
	assert.Empty(t, Diff(next, next))
}

func TestDecodeChange(t *testing.T) {
	msg, err := DecodeChange([]byte(`{"id":"x","doc":{"sensor_id":"S1"}}`))
	require.NoError(t, err)
	assert.Equal(t, OpUpsert, msg.Op)

	msg, err = DecodeChange([]byte(`{"op":"DELETE","id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, OpDelete, msg.Op)

	_, err = DecodeChange([]byte(`{"op":"upsert","id":"x"}`))
	assert.Error(t, err)
	_, err = DecodeChange([]byte(`{"op":"merge","id":"x","doc":{}}`))
	assert.Error(t, err)
	_, err = DecodeChange([]byte(`not json`))
	assert.Error(t, err)
}

func TestMemoryFeedDeliversSnapshots(t *testing.T) {
	feed := NewMemoryFeed("factory_log", 100)
	rec := newRecorder()
	sub, err := feed.Subscribe(context.Background(), Query{Collection: "factory_log", Anomalous: Bool(true)}, rec.handler())
	require.NoError(t, err)
	defer sub.Close()

	first := rec.next(t)
	assert.Empty(t, first.Records)

	feed.Put(model.RawRecord{ID: "n1", Fields: doc("S1", base, 0)})
	feed.Put(model.RawRecord{ID: "a1", Fields: doc("S2", base, 1)})
	snap := rec.next(t)
	for len(snap.Records) == 0 {
		snap = rec.next(t)
	}
	assert.Equal(t, []string{"a1"}, ids(snap.Records))
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, model.ChangeAdded, snap.Changes[0].Kind)

	feed.Remove("a1")
	snap = rec.next(t)
	assert.Empty(t, snap.Records)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, model.ChangeRemoved, snap.Changes[0].Kind)
}

func TestMemoryFeedErrorThenRecovery(t *testing.T) {
	feed := NewMemoryFeed("factory_log", 100)
	rec := newRecorder()
	sub, err := feed.Subscribe(context.Background(), Query{}, rec.handler())
	require.NoError(t, err)
	defer sub.Close()
	rec.next(t)

	feed.Fail(errors.New("quota exceeded"))
	select {
	case err := <-rec.errs:
		assert.EqualError(t, err, "quota exceeded")
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for error")
	}

	feed.Put(model.RawRecord{ID: "x", Fields: doc("S1", base, 0)})
	snap := rec.next(t)
	assert.Len(t, snap.Records, 1)
}

func TestMemoryFeedWriteAfterFailWhileHandlerBusy(t *testing.T) {
	feed := NewMemoryFeed("factory_log", 100)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := newRecorder()
	sub, err := feed.Subscribe(context.Background(), Query{}, Handler{
		OnSnapshot: func(s model.Snapshot) {
			once.Do(func() {
				close(entered)
				<-release
			})
			rec.snaps <- s
		},
		OnError: func(err error) { rec.errs <- err },
	})
	require.NoError(t, err)
	defer sub.Close()

	<-entered
	feed.Fail(errors.New("boom"))
	feed.Put(model.RawRecord{ID: "a", Fields: doc("S1", base, 0)})
	close(release)

	assert.Empty(t, rec.next(t).Records)
	select {
	case err := <-rec.errs:
		assert.EqualError(t, err, "boom")
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for error")
	}
	snap := rec.next(t)
	assert.Equal(t, []string{"a"}, ids(snap.Records))
}

func TestMemoryFeedRejectsOtherCollection(t *testing.T) {
	feed := NewMemoryFeed("factory_log", 10)
	_, err := feed.Subscribe(context.Background(), Query{Collection: "other"}, Handler{})
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestCloseStopsCallbacks(t *testing.T) {
	feed := NewMemoryFeed("factory_log", 1000)
	var calls atomic.Int64
	sub, err := feed.Subscribe(context.Background(), Query{}, Handler{
		OnSnapshot: func(model.Snapshot) { calls.Add(1) },
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			feed.Put(model.RawRecord{ID: time.Duration(i).String(), Fields: doc("S1", base.Add(time.Duration(i)*time.Second), 0)})
		}
	}()
	require.NoError(t, sub.Close())
	after := calls.Load()
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	assert.NoError(t, sub.Close())
}

func TestClosedFeedRejectsSubscribe(t *testing.T) {
	feed := NewMemoryFeed("factory_log", 10)
	require.NoError(t, feed.Close())
	_, err := feed.Subscribe(context.Background(), Query{}, Handler{})
	assert.ErrorIs(t, err, ErrClosed)
}

func ids(records []model.RawRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
