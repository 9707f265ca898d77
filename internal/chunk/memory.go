package chunk

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// FinishedRetention is how long a completed key is remembered.
const FinishedRetention = 10 * time.Minute

type memEntry struct {
	template     models.ContentItem
	total        int
	parts        map[int][]byte
	owner        string
	firstSeen    time.Time
	lastProgress time.Time
}

// MemoryStore keeps fragments in process memory. It serves a single
// consumer per channel.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[Key]*memEntry
	finished map[Key]time.Time
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[Key]*memEntry),
		finished: make(map[Key]time.Time),
		now:      time.Now,
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, frag models.ContentItem, at time.Time) (Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-FinishedRetention)
	for k, t := range s.finished {
		if !t.After(cutoff) {
			delete(s.finished, k)
		}
	}

	key := KeyOf(frag)
	if _, ok := s.finished[key]; ok {
		return Stored{Finished: true, Received: frag.TotalChunks, Total: frag.TotalChunks}, nil
	}

	e, ok := s.entries[key]
	if !ok {
		e = &memEntry{total: frag.TotalChunks, parts: make(map[int][]byte), firstSeen: at, lastProgress: at}
		e.template = frag
		e.template.Payload = nil
		s.entries[key] = e
	} else if e.total != frag.TotalChunks {
		return Stored{}, fmt.Errorf("%w: %s announced %d chunks, fragment says %d", ErrInvalidChunk, frag.ContentID, e.total, frag.TotalChunks)
	}

	if _, seen := e.parts[frag.ChunkNumber]; seen {
		return Stored{Received: len(e.parts), Total: e.total}, nil
	}
	e.parts[frag.ChunkNumber] = frag.Payload
	e.lastProgress = at
	return Stored{Added: true, Received: len(e.parts), Total: e.total}, nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key Key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if e.owner == "" {
		e.owner = owner
	}
	return e.owner == owner, nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key Key) (models.ContentItem, map[int][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return models.ContentItem{}, nil, fmt.Errorf("no fragments for %s", key.ContentID)
	}
	return e.template, maps.Clone(e.parts), nil
}

// Finish implements Store.
func (s *MemoryStore) Finish(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	s.finished[key] = s.now()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

// List implements Store.
func (s *MemoryStore) List(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, Entry{
			Key:          k,
			FileName:     e.template.FileName,
			Received:     len(e.parts),
			Total:        e.total,
			FirstSeen:    e.firstSeen,
			LastProgress: e.lastProgress,
		})
	}
	return out, nil
}

// held reports how many keys hold fragments and how many completions are
// remembered.
func (s *MemoryStore) held() (entries, finished int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), len(s.finished)
}
