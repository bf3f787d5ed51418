package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slimta/slimta-go/internal/envelope"
)

// diskMeta is the JSON sidecar persisted alongside each envelope's raw
// bytes. Grounded on the metadata DiskStorage keeps next to each message's
// serialized blob in original_source/slimta/diskstorage/__init__.py,
// adapted from Python's pickle-based envelope to Go's envelope.Encode wire
// format and from pickled metadata to plain JSON.
type diskMeta struct {
	Due        time.Time `json:"due"`
	Attempts   int       `json:"attempts"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"` // fixed at Write; indexed by original position
	Resolved   []int     `json:"resolved"`   // original indices no longer pending
}

// DiskStorage persists queued envelopes as a pair of files per message,
// <id>.env (the envelope's encoded headers and body) and <id>.meta (JSON:
// due time, attempts, sender, recipients and resolved indices). Writes go to a temp file in the same directory and are
// renamed into place, matching AioFile.dump's mkstemp-then-os.rename
// pattern so a crash never leaves a half-written message visible under its
// final name.
type DiskStorage struct {
	dir string
	mu  sync.Mutex
}

// NewDiskStorage returns a DiskStorage rooted at dir, which must already
// exist.
func NewDiskStorage(dir string) *DiskStorage {
	return &DiskStorage{dir: dir}
}

func (s *DiskStorage) envPath(id string) string  { return filepath.Join(s.dir, id+".env") }
func (s *DiskStorage) metaPath(id string) string { return filepath.Join(s.dir, id+".meta") }

func (s *DiskStorage) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *DiskStorage) readMeta(id string) (*diskMeta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, err
	}
	var m diskMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *DiskStorage) writeMeta(id string, m *diskMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.writeAtomic(s.metaPath(id), data)
}

func (s *DiskStorage) Write(env *envelope.Envelope, due time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	if err := s.writeAtomic(s.envPath(id), env.Encode()); err != nil {
		return "", &QueueError{Op: "Write", Err: err}
	}
	meta := &diskMeta{Due: due, Attempts: 0, Sender: env.Sender, Recipients: append([]string(nil), env.Recipients...)}
	if err := s.writeMeta(id, meta); err != nil {
		os.Remove(s.envPath(id))
		return "", &QueueError{Op: "Write", Err: err}
	}
	return id, nil
}

func (s *DiskStorage) SetTimestamp(id string, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readMeta(id)
	if err != nil {
		return &QueueError{Op: "SetTimestamp", Err: err}
	}
	m.Due = due
	if err := s.writeMeta(id, m); err != nil {
		return &QueueError{Op: "SetTimestamp", Err: err}
	}
	return nil
}

func (s *DiskStorage) IncrementAttempts(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readMeta(id)
	if err != nil {
		return 0, &QueueError{Op: "IncrementAttempts", Err: err}
	}
	m.Attempts++
	if err := s.writeMeta(id, m); err != nil {
		return 0, &QueueError{Op: "IncrementAttempts", Err: err}
	}
	return m.Attempts, nil
}

func (s *DiskStorage) Load() ([]ScheduledEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &QueueError{Op: "Load", Err: err}
	}
	var out []ScheduledEntry
	for _, de := range entries {
		name := de.Name()
		if filepath.Ext(name) != ".meta" {
			continue
		}
		id := name[:len(name)-len(".meta")]
		m, err := s.readMeta(id)
		if err != nil {
			continue
		}
		out = append(out, ScheduledEntry{Due: m.Due, ID: id})
	}
	return out, nil
}

func (s *DiskStorage) Get(id string) (*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readMeta(id)
	if err != nil {
		return nil, &QueueError{Op: "Get", Err: err}
	}
	raw, err := os.ReadFile(s.envPath(id))
	if err != nil {
		return nil, &QueueError{Op: "Get", Err: err}
	}
	resolved := make(map[int]bool, len(m.Resolved))
	for _, idx := range m.Resolved {
		resolved[idx] = true
	}
	var pending []string
	var indices []int
	for i, r := range m.Recipients {
		if !resolved[i] {
			pending = append(pending, r)
			indices = append(indices, i)
		}
	}
	env := envelope.New(m.Sender, pending)
	if err := env.Parse(raw); err != nil {
		return nil, &QueueError{Op: "Get", Err: fmt.Errorf("corrupt envelope %s: %w", id, err)}
	}
	return &QueuedMessage{Envelope: env, Indices: indices, Attempts: m.Attempts}, nil
}

func (s *DiskStorage) Resolve(id string, indices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readMeta(id)
	if err != nil {
		return &QueueError{Op: "Resolve", Err: err}
	}
	resolved := make(map[int]bool, len(m.Resolved)+len(indices))
	for _, idx := range m.Resolved {
		resolved[idx] = true
	}
	for _, idx := range indices {
		resolved[idx] = true
	}
	m.Resolved = m.Resolved[:0]
	for idx := range resolved {
		m.Resolved = append(m.Resolved, idx)
	}
	if err := s.writeMeta(id, m); err != nil {
		return &QueueError{Op: "Resolve", Err: err}
	}
	return nil
}

func (s *DiskStorage) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(s.envPath(id))
	os.Remove(s.metaPath(id))
	return nil
}
