package alerts

import (
	"strings"
	"sync"
	"time"

	"factorywatch/internal/model"
)

// Store holds operator acknowledgements keyed by event id. An absent entry
// means UNACK. Nothing but SetAck changes an entry.
type Store interface {
	SetAck(eventID, note string) model.Acknowledgement
	Status(eventID string) model.AckStatus
	Get(eventID string) (model.Acknowledgement, bool)
	// History returns up to limit recent actions, oldest first. Zero means all
	// retained actions.
	History(limit int) []Action
}

type Action struct {
	EventID string                `json:"event_id"`
	Ack     model.Acknowledgement `json:"ack"`
}

type MemoryStore struct {
	mu      sync.RWMutex
	acks    map[string]model.Acknowledgement
	history []Action
	limit   int
	now     func() time.Time
}

func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &MemoryStore{
		acks:  make(map[string]model.Acknowledgement),
		limit: historyLimit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) SetAck(eventID, note string) model.Acknowledgement {
	ack := model.Acknowledgement{
		Status:     model.StatusAck,
		ActionNote: strings.TrimSpace(note),
		AckedAt:    s.now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[eventID] = ack
	action := Action{EventID: eventID, Ack: ack}
	if len(s.history) < s.limit {
		s.history = append(s.history, action)
		return ack
	}
	copy(s.history, s.history[1:])
	s.history[len(s.history)-1] = action
	return ack
}

func (s *MemoryStore) Status(eventID string) model.AckStatus {
	if ack, ok := s.Get(eventID); ok {
		return ack.Status
	}
	return model.StatusUnack
}

func (s *MemoryStore) Get(eventID string) (model.Acknowledgement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ack, ok := s.acks[eventID]
	return ack, ok
}

// History returns the most recent acknowledgement actions, oldest first.
func (s *MemoryStore) History(limit int) []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Action, 0, limit)
	for i := len(s.history) - limit; i < len(s.history); i++ {
		out = append(out, s.history[i])
	}
	return out
}
