package session

import (
	"sort"
	"sync"
	"time"
)

// Store is the process-wide session table keyed by account ID. Records are
// created on first start and kept for the life of the process.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Get returns the record for id.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// getOrCreate returns the record for id, inserting a new one when absent.
// created is true only for the caller that inserted it.
func (s *Store) getOrCreate(id string, autoReconnect bool, now time.Time) (r *Record, created bool) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if ok {
		return r, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r, false
	}
	r = newRecord(id, autoReconnect, now)
	s.records[id] = r
	return r, true
}

// All returns every record ordered by account ID.
func (s *Store) All() []*Record {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of known accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Counts returns how many sessions are online out of all known sessions.
// It locks each record briefly and must not be called while holding one.
func (s *Store) Counts() (online, total int) {
	for _, r := range s.All() {
		total++
		if r.State() == StateOnline {
			online++
		}
	}
	return online, total
}
