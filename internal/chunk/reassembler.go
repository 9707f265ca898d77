package chunk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// ErrInvalidChunk is returned for fragments whose numbering cannot be reassembled.
var ErrInvalidChunk = errors.New("invalid chunk")

// Key identifies one item under reassembly.
type Key struct {
	JobID     string
	ContentID string
}

// KeyOf returns the reassembly key of an item or fragment.
func KeyOf(item models.ContentItem) Key {
	return Key{JobID: item.JobID, ContentID: item.ContentID}
}

// Progress reports the outcome of applying one fragment.
type Progress struct {
	// Complete is set for exactly one caller per item: the one that claimed
	// it once every fragment was stored. Item then holds the reconstructed
	// content item with chunk fields cleared.
	Complete bool
	Item     models.ContentItem

	// Duplicate is set when the fragment was already stored, the item already
	// finished, or another owner claimed it.
	Duplicate bool

	Received int
	Total    int
}

// Entry describes one pending reassembly for operators.
type Entry struct {
	Key          Key       `json:"key"`
	FileName     string    `json:"file_name"`
	Received     int       `json:"received"`
	Total        int       `json:"total"`
	FirstSeen    time.Time `json:"first_seen"`
	LastProgress time.Time `json:"last_progress"`
}

// Stored is the state of a key after Store.Put.
type Stored struct {
	// Added is false when the fragment number was already held.
	Added bool
	// Finished is set when the item already completed; nothing was stored.
	Finished bool
	Received int
	Total    int
}

// Store holds fragments until their item completes. Every consumer of a
// channel must see the same Store, or an item whose fragments are spread
// over several consumers never completes.
type Store interface {
	// Put stores one fragment. A fragment announcing a different total
	// than the first one fails with ErrInvalidChunk.
	Put(ctx context.Context, frag models.ContentItem, at time.Time) (Stored, error)
	// Claim makes owner the one assembling key. It reports true when owner
	// holds the claim, including when it already did.
	Claim(ctx context.Context, key Key, owner string) (bool, error)
	// Load returns the first fragment without payload and every stored
	// payload by chunk number.
	Load(ctx context.Context, key Key) (models.ContentItem, map[int][]byte, error)
	// Finish drops the fragments of key and remembers the completion for a
	// while, so that late redeliveries are recognised.
	Finish(ctx context.Context, key Key) error
	// Delete drops the fragments of key. It reports whether anything was held.
	Delete(ctx context.Context, key Key) (bool, error)
	// List describes every key still holding fragments.
	List(ctx context.Context) ([]Entry, error)
}

// Reassembler turns fragments keyed by (job id, content id) back into items.
// Entries that never complete stay until evicted.
type Reassembler struct {
	store Store
	now   func() time.Time
}

// NewReassembler creates a reassembler over store.
func NewReassembler(store Store) *Reassembler {
	return &Reassembler{store: store, now: time.Now}
}

// Add applies one fragment. owner names the delivery; the caller whose
// fragment completes the item claims it under owner, and a later Add with
// the same owner claims it again, so a failed attempt can be retried by
// redelivering that fragment. An unchunked item completes immediately.
func (r *Reassembler) Add(ctx context.Context, frag models.ContentItem, owner string) (Progress, error) {
	if !frag.IsChunk() {
		return Progress{Complete: true, Item: frag, Received: 1, Total: 1}, nil
	}
	if frag.ChunkNumber < 1 || frag.ChunkNumber > frag.TotalChunks {
		return Progress{}, fmt.Errorf("%w: chunk %d of %d for %s", ErrInvalidChunk, frag.ChunkNumber, frag.TotalChunks, frag.ContentID)
	}

	st, err := r.store.Put(ctx, frag, r.now())
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Duplicate: !st.Added || st.Finished, Received: st.Received, Total: st.Total}
	if st.Finished || st.Received < st.Total {
		return p, nil
	}

	key := KeyOf(frag)
	ok, err := r.store.Claim(ctx, key, owner)
	if err != nil {
		return Progress{}, fmt.Errorf("claim %s: %w", frag.ContentID, err)
	}
	if !ok {
		p.Duplicate = true
		return p, nil
	}

	item, parts, err := r.store.Load(ctx, key)
	if err != nil {
		return Progress{}, fmt.Errorf("load %s: %w", frag.ContentID, err)
	}
	if len(parts) != st.Total {
		return Progress{}, fmt.Errorf("load %s: %d of %d fragments present", frag.ContentID, len(parts), st.Total)
	}

	size := 0
	for _, b := range parts {
		size += len(b)
	}
	payload := make([]byte, 0, size)
	for n := 1; n <= st.Total; n++ {
		payload = append(payload, parts[n]...)
	}
	item.Payload = payload
	item.ChunkNumber = 0
	item.TotalChunks = 0

	return Progress{Complete: true, Item: item, Received: st.Total, Total: st.Total}, nil
}

// Finish releases the state of a completed item.
func (r *Reassembler) Finish(ctx context.Context, key Key) error {
	return r.store.Finish(ctx, key)
}

// Pending lists entries still waiting for fragments, oldest first.
func (r *Reassembler) Pending(ctx context.Context) ([]Entry, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return a.FirstSeen.Compare(b.FirstSeen)
	})
	return entries, nil
}

// Stuck lists pending entries that made no progress for at least olderThan.
func (r *Reassembler) Stuck(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	entries, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-olderThan)
	return slices.DeleteFunc(entries, func(e Entry) bool {
		return e.LastProgress.After(cutoff)
	}), nil
}

// Counts returns the number of pending entries and how many of them are stuck.
func (r *Reassembler) Counts(ctx context.Context, stuckAfter time.Duration) (pending, stuck int, err error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	cutoff := r.now().Add(-stuckAfter)
	for _, e := range entries {
		if !e.LastProgress.After(cutoff) {
			stuck++
		}
	}
	return len(entries), stuck, nil
}

// Evict drops the state for key. Returns false if key was unknown.
func (r *Reassembler) Evict(ctx context.Context, key Key) (bool, error) {
	return r.store.Delete(ctx, key)
}

// EvictStale drops every entry whose last progress is at least olderThan
// ago, and returns how many were dropped.
func (r *Reassembler) EvictStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := r.Stuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range stale {
		ok, err := r.store.Delete(ctx, e.Key)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
