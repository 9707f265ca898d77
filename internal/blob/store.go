// Package blob persists processed payloads and stage artifacts keyed by content id.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// ErrNotFound is returned when no object or artifact exists for a content id.
var ErrNotFound = errors.New("blob not found")

// Artifact names written by the stage workers.
const (
	ArtifactText       = "text"
	ArtifactSummary    = "summary"
	ArtifactKeywords   = "keywords"
	ArtifactDescriptor = "descriptor"
)

const (
	metaPrefix     = "meta/"
	payloadPrefix  = "payload/"
	artifactPrefix = "artifact/"
	partPrefix     = "part/"
)

// partSize bounds single values, keeping every write below badger's
// transaction and value thresholds.
const partSize = 512 << 10

// Object describes a stored payload.
type Object struct {
	JobID     string    `json:"job_id"`
	ContentID string    `json:"content_id"`
	Category  string    `json:"category"`
	FileName  string    `json:"file_name"`
	MediaType string    `json:"media_type"`
	Size      int       `json:"size"`
	Parts     int       `json:"parts"`
	Stored    time.Time `json:"stored"`
}

// Store wraps a BadgerDB instance.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to the badger.Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// Open opens the store at dir. An empty dir opens an in-memory store.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "blob")

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create blob dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores payload under obj.ContentID, replacing any earlier payload.
// Size and Stored are filled in from the payload and the current time.
// The payload is written in parts first; the metadata written last makes it
// visible.
func (s *Store) Put(ctx context.Context, obj Object, payload []byte) (Object, error) {
	if obj.ContentID == "" {
		return Object{}, errors.New("put blob: empty content id")
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	oldParts := 0
	if old, err := s.Stat(ctx, obj.ContentID); err == nil {
		oldParts = old.Parts
	}

	parts, err := s.writeParts(payloadPrefix+obj.ContentID+"/", payload)
	if err != nil {
		return Object{}, fmt.Errorf("put blob %s: %w", obj.ContentID, err)
	}

	obj.Size = len(payload)
	obj.Parts = parts
	obj.Stored = time.Now().UTC()
	meta, err := json.Marshal(obj)
	if err != nil {
		return Object{}, fmt.Errorf("marshal blob meta: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaPrefix+obj.ContentID), meta)
	})
	if err != nil {
		return Object{}, fmt.Errorf("put blob %s: %w", obj.ContentID, err)
	}

	if err := s.deleteParts(payloadPrefix+obj.ContentID+"/", parts, oldParts); err != nil {
		s.logger.Warn("dropping stale payload parts failed", "content_id", obj.ContentID, "error", err)
	}
	return obj, nil
}

// Stat returns the object metadata for contentID.
func (s *Store) Stat(ctx context.Context, contentID string) (Object, error) {
	var obj Object
	err := s.get(ctx, metaPrefix+contentID, func(val []byte) error {
		return json.Unmarshal(val, &obj)
	})
	return obj, err
}

// Get returns the object metadata and payload for contentID.
func (s *Store) Get(ctx context.Context, contentID string) (Object, []byte, error) {
	obj, err := s.Stat(ctx, contentID)
	if err != nil {
		return Object{}, nil, err
	}
	payload, err := s.readParts(payloadPrefix+contentID+"/", obj.Parts, obj.Size)
	if err != nil {
		return Object{}, nil, fmt.Errorf("get blob %s: %w", contentID, err)
	}
	return obj, payload, nil
}

// PutArtifact stores a named derived artifact for contentID.
func (s *Store) PutArtifact(ctx context.Context, contentID, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	oldParts := 0
	_ = s.get(ctx, string(artifactKey(contentID, name)), func(val []byte) error {
		oldParts, _ = strconv.Atoi(string(val))
		return nil
	})

	prefix := partPrefix + contentID + "/" + name + "/"
	parts, err := s.writeParts(prefix, data)
	if err == nil {
		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(artifactKey(contentID, name), []byte(strconv.Itoa(parts)))
		})
	}
	if err != nil {
		return fmt.Errorf("put artifact %s/%s: %w", contentID, name, err)
	}
	if err := s.deleteParts(prefix, parts, oldParts); err != nil {
		s.logger.Warn("dropping stale artifact parts failed", "content_id", contentID, "artifact", name, "error", err)
	}
	return nil
}

// Artifact returns a named artifact for contentID.
func (s *Store) Artifact(ctx context.Context, contentID, name string) ([]byte, error) {
	var parts int
	err := s.get(ctx, string(artifactKey(contentID, name)), func(val []byte) error {
		var perr error
		parts, perr = strconv.Atoi(string(val))
		return perr
	})
	if err != nil {
		return nil, err
	}
	data, err := s.readParts(partPrefix+contentID+"/"+name+"/", parts, 0)
	if err != nil {
		return nil, fmt.Errorf("get artifact %s/%s: %w", contentID, name, err)
	}
	return data, nil
}

// Artifacts lists the artifact names stored for contentID.
func (s *Store) Artifacts(ctx context.Context, contentID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := artifactKey(contentID, "")
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts %s: %w", contentID, err)
	}
	return names, nil
}

// Delete removes the payload, metadata and artifacts of contentID.
func (s *Store) Delete(ctx context.Context, contentID string) error {
	obj, err := s.Stat(ctx, contentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	names, err := s.Artifacts(ctx, contentID)
	if err != nil {
		return err
	}

	keys := [][]byte{[]byte(metaPrefix + contentID)}
	for _, name := range names {
		keys = append(keys, artifactKey(contentID, name))
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", contentID, err)
	}

	if err := s.deletePrefix([]byte(partPrefix + contentID + "/")); err != nil {
		return fmt.Errorf("delete artifacts %s: %w", contentID, err)
	}
	if err := s.deleteParts(payloadPrefix+contentID+"/", 0, obj.Parts); err != nil {
		return fmt.Errorf("delete blob %s: %w", contentID, err)
	}
	return nil
}

// writeParts splits data into partSize values under prefix and returns the
// number of parts. Empty data is stored as zero parts.
func (s *Store) writeParts(prefix string, data []byte) (int, error) {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	n := 0
	for off := 0; off < len(data); off += partSize {
		end := min(off+partSize, len(data))
		if err := wb.Set(partKey(prefix, n), data[off:end]); err != nil {
			return 0, err
		}
		n++
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) readParts(prefix string, parts, sizeHint int) ([]byte, error) {
	data := make([]byte, 0, sizeHint)
	err := s.db.View(func(txn *badger.Txn) error {
		for i := range parts {
			item, err := txn.Get(partKey(prefix, i))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: part %d of %s", ErrNotFound, i, prefix)
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				data = append(data, val...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return data, err
}

// deleteParts removes parts [from, to) under prefix.
func (s *Store) deleteParts(prefix string, from, to int) error {
	if from >= to {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := from; i < to; i++ {
		if err := wb.Delete(partKey(prefix, i)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) get(ctx context.Context, key string, fn func(val []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(fn)
	})
}

// deletePrefix removes every key starting with prefix.
func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func partKey(prefix string, n int) []byte {
	return fmt.Appendf(nil, "%s%06d", prefix, n)
}

func artifactKey(contentID, name string) []byte {
	return []byte(artifactPrefix + contentID + "/" + name)
}
