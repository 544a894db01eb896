package source

import (
	"reflect"
	"sort"
	"time"

	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
)

type docEntry struct {
	rec model.RawRecord
	ts  time.Time
	seq uint64
}

// DocSet is the current document state of one collection. It is not safe for
// concurrent use.
type DocSet struct {
	docs  map[string]*docEntry
	limit int
	seq   uint64
	now   func() time.Time
}

func NewDocSet(limit int) *DocSet {
	return &DocSet{
		docs:  make(map[string]*docEntry),
		limit: limit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (d *DocSet) Len() int {
	return len(d.docs)
}

// Upsert stores a copy of fields. Documents without a readable timestamp are
// ordered by the time they arrived.
func (d *DocSet) Upsert(id string, fields map[string]any) {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	ts, ok := normalize.Timestamp(cp, time.UTC)
	if !ok {
		ts = d.now()
	}
	if e, exists := d.docs[id]; exists {
		e.rec = model.RawRecord{ID: id, Fields: cp}
		e.ts = ts
		return
	}
	d.seq++
	d.docs[id] = &docEntry{rec: model.RawRecord{ID: id, Fields: cp}, ts: ts, seq: d.seq}
	if d.limit > 0 && len(d.docs) > d.limit {
		d.evictOldest()
	}
}

func (d *DocSet) Delete(id string) bool {
	if _, ok := d.docs[id]; !ok {
		return false
	}
	delete(d.docs, id)
	return true
}

func (d *DocSet) Apply(msg ChangeMessage) {
	switch msg.Op {
	case OpDelete:
		d.Delete(msg.ID)
	default:
		d.Upsert(msg.ID, msg.Doc)
	}
}

func (d *DocSet) evictOldest() {
	var victim *docEntry
	for _, e := range d.docs {
		if victim == nil || older(e, victim) {
			victim = e
		}
	}
	if victim != nil {
		delete(d.docs, victim.rec.ID)
	}
}

func older(a, b *docEntry) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.Before(b.ts)
	}
	return a.seq < b.seq
}

// Evaluate returns the documents matching q, newest first.
func (d *DocSet) Evaluate(q Query) []model.RawRecord {
	matched := make([]*docEntry, 0, len(d.docs))
	for _, e := range d.docs {
		if q.Anomalous != nil && normalize.Label(e.rec.Fields) != *q.Anomalous {
			continue
		}
		if !q.After.IsZero() && !e.ts.After(q.After) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return older(matched[j], matched[i])
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]model.RawRecord, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.rec)
	}
	return out
}

// Diff lists what changed between two results of the same query: additions
// and modifications in next order, then removals in prev order.
func Diff(prev, next []model.RawRecord) []model.Change {
	before := make(map[string]model.RawRecord, len(prev))
	for _, r := range prev {
		before[r.ID] = r
	}
	changes := make([]model.Change, 0)
	present := make(map[string]struct{}, len(next))
	for _, r := range next {
		present[r.ID] = struct{}{}
		old, ok := before[r.ID]
		switch {
		case !ok:
			changes = append(changes, change(model.ChangeAdded, r))
		case !reflect.DeepEqual(old.Fields, r.Fields):
			changes = append(changes, change(model.ChangeModified, r))
		}
	}
	for _, r := range prev {
		if _, ok := present[r.ID]; !ok {
			changes = append(changes, change(model.ChangeRemoved, r))
		}
	}
	return changes
}

func change(kind model.ChangeKind, r model.RawRecord) model.Change {
	r.Change = kind
	return model.Change{Kind: kind, Record: r}
}
