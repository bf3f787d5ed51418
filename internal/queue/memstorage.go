package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slimta/slimta-go/internal/envelope"
)

type memEntry struct {
	env      *envelope.Envelope // original envelope, recipients fixed at Write time
	resolved map[int]bool       // original recipient indices no longer pending
	due      time.Time
	attempts int
}

// MemStorage is an in-process QueueStorage backend, grounded on
// original_source/slimta/queue/dict.py's DictStorage: a plain map keyed by
// a generated id, with no durability across restarts. Useful for tests and
// for edge deployments that accept losing queued mail on crash.
type MemStorage struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

// NewMemStorage returns an empty MemStorage.
func NewMemStorage() *MemStorage {
	return &MemStorage{entries: make(map[string]*memEntry)}
}

func newStorageID() string {
	return uuid.New().String()
}

func (s *MemStorage) Write(env *envelope.Envelope, due time.Time) (string, error) {
	id := newStorageID()
	s.mu.Lock()
	s.entries[id] = &memEntry{env: env.Copy(env.Recipients), resolved: make(map[int]bool), due: due}
	s.mu.Unlock()
	return id, nil
}

func (s *MemStorage) SetTimestamp(id string, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &QueueError{Op: "SetTimestamp", Err: fmt.Errorf("no such id %q", id)}
	}
	e.due = due
	return nil
}

func (s *MemStorage) IncrementAttempts(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, &QueueError{Op: "IncrementAttempts", Err: fmt.Errorf("no such id %q", id)}
	}
	e.attempts++
	return e.attempts, nil
}

func (s *MemStorage) Load() ([]ScheduledEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledEntry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, ScheduledEntry{Due: e.due, ID: id})
	}
	return out, nil
}

func (s *MemStorage) Get(id string) (*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &QueueError{Op: "Get", Err: fmt.Errorf("no such id %q", id)}
	}
	var pending []string
	var indices []int
	for i, r := range e.env.Recipients {
		if !e.resolved[i] {
			pending = append(pending, r)
			indices = append(indices, i)
		}
	}
	return &QueuedMessage{Envelope: e.env.Copy(pending), Indices: indices, Attempts: e.attempts}, nil
}

func (s *MemStorage) Resolve(id string, indices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &QueueError{Op: "Resolve", Err: fmt.Errorf("no such id %q", id)}
	}
	for _, idx := range indices {
		e.resolved[idx] = true
	}
	return nil
}

func (s *MemStorage) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}
