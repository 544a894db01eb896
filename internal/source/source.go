package source

import (
	"context"
	"errors"
	"time"

	"factorywatch/internal/model"
)

var (
	ErrUnknownDriver     = errors.New("unknown source driver")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrClosed            = errors.New("source closed")
)

// Query selects documents of one collection, newest first.
type Query struct {
	Collection string
	// Anomalous filters on the target_value label when non-nil.
	Anomalous *bool
	// After keeps only documents stamped strictly after it when non-zero.
	After time.Time
	Limit int
}

func Bool(v bool) *bool {
	return &v
}

type Handler struct {
	OnSnapshot func(model.Snapshot)
	OnError    func(error)
}

func (h Handler) snapshot(s model.Snapshot) {
	if h.OnSnapshot != nil {
		h.OnSnapshot(s)
	}
}

func (h Handler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Subscription is a live query. After Close returns no handler call is in
// flight or will start. Close must not be called from inside a handler.
type Subscription interface {
	Close() error
}

type Source interface {
	Subscribe(ctx context.Context, q Query, h Handler) (Subscription, error)
}

// BackoffSleep waits d or until ctx is done; false means ctx ended.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
