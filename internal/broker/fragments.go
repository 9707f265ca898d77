package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/chunk"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/redis/go-redis/v9"
)

const fragmentPrefix = "mediaflow:reassembly:"

// ErrNoFragments is returned by Load for a key holding no fragments.
var ErrNoFragments = errors.New("no fragments")

// Hash fields of one key under reassembly. Payloads live under partField+n.
const (
	fieldTotal    = "total"
	fieldReceived = "received"
	fieldFile     = "file"
	fieldFirst    = "first"
	fieldLast     = "last"
	fieldTemplate = "template"
	partField     = "part:"
)

// putScript stores one fragment.
// KEYS: hash, index, finished marker.
// ARGV: member, chunk number, payload, total, now (ms), file name, template.
// Returns {status, received, total}; status 1 added, 0 already held,
// -1 finished, -2 total mismatch.
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {-1, 0, 0}
end
local total = redis.call('HGET', KEYS[1], 'total')
if total and tonumber(total) ~= tonumber(ARGV[4]) then
  return {-2, 0, tonumber(total)}
end
if not total then
  redis.call('HSET', KEYS[1], 'total', ARGV[4], 'received', '0', 'first', ARGV[5], 'file', ARGV[6], 'template', ARGV[7])
end
local status = 0
if redis.call('HSETNX', KEYS[1], 'part:' .. ARGV[2], ARGV[3]) == 1 then
  status = 1
  redis.call('HINCRBY', KEYS[1], 'received', 1)
  redis.call('HSET', KEYS[1], 'last', ARGV[5])
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
end
return {status, tonumber(redis.call('HGET', KEYS[1], 'received')), tonumber(ARGV[4])}
`)

// claimScript sets the owner of a key once. KEYS: hash. ARGV: owner.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSETNX', KEYS[1], 'owner', ARGV[1])
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  return 1
end
return 0
`)

// FragmentStore keeps the fragments of one stage in Redis hashes, one per
// item, so every consumer of the stage channel contributes to the same
// reassembly. A sorted set indexes pending keys by last progress.
type FragmentStore struct {
	client    *Client
	stage     string
	retention time.Duration
}

var _ chunk.Store = (*FragmentStore)(nil)

// Fragments returns the fragment store of stage.
func (c *Client) Fragments(stage string) *FragmentStore {
	return &FragmentStore{client: c, stage: stage, retention: chunk.FinishedRetention}
}

func member(key chunk.Key) string { return key.JobID + "|" + key.ContentID }

func (s *FragmentStore) index() string { return fragmentPrefix + s.stage }
func (s *FragmentStore) hash(m string) string { return fragmentPrefix + s.stage + ":item:" + m }
func (s *FragmentStore) finished(m string) string { return fragmentPrefix + s.stage + ":done:" + m }

// Put implements chunk.Store.
func (s *FragmentStore) Put(ctx context.Context, frag models.ContentItem, at time.Time) (chunk.Stored, error) {
	tmpl := frag
	tmpl.Payload = nil
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return chunk.Stored{}, fmt.Errorf("encode fragment template: %w", err)
	}

	m := member(chunk.KeyOf(frag))
	res, err := putScript.Run(ctx, s.client.redis(),
		[]string{s.hash(m), s.index(), s.finished(m)},
		m, frag.ChunkNumber, frag.Payload, frag.TotalChunks, at.UnixMilli(), frag.FileName, raw,
	).Int64Slice()
	if err != nil {
		return chunk.Stored{}, fmt.Errorf("store fragment %d of %s: %w", frag.ChunkNumber, frag.ContentID, err)
	}
	if len(res) != 3 {
		return chunk.Stored{}, fmt.Errorf("store fragment of %s: unexpected reply %v", frag.ContentID, res)
	}

	switch res[0] {
	case -1:
		return chunk.Stored{Finished: true, Received: frag.TotalChunks, Total: frag.TotalChunks}, nil
	case -2:
		return chunk.Stored{}, fmt.Errorf("%w: %s announced %d chunks, fragment says %d", chunk.ErrInvalidChunk, frag.ContentID, res[2], frag.TotalChunks)
	}
	return chunk.Stored{Added: res[0] == 1, Received: int(res[1]), Total: int(res[2])}, nil
}

// Claim implements chunk.Store.
func (s *FragmentStore) Claim(ctx context.Context, key chunk.Key, owner string) (bool, error) {
	n, err := claimScript.Run(ctx, s.client.redis(), []string{s.hash(member(key))}, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Load implements chunk.Store.
func (s *FragmentStore) Load(ctx context.Context, key chunk.Key) (models.ContentItem, map[int][]byte, error) {
	fields, err := s.client.redis().HGetAll(ctx, s.hash(member(key))).Result()
	if err != nil {
		return models.ContentItem{}, nil, err
	}
	raw, ok := fields[fieldTemplate]
	if !ok {
		return models.ContentItem{}, nil, fmt.Errorf("%w for %s", ErrNoFragments, key.ContentID)
	}

	var item models.ContentItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return models.ContentItem{}, nil, fmt.Errorf("decode fragment template: %w", err)
	}
	parts := make(map[int][]byte)
	for f, v := range fields {
		n, ok := strings.CutPrefix(f, partField)
		if !ok {
			continue
		}
		num, err := strconv.Atoi(n)
		if err != nil {
			return models.ContentItem{}, nil, fmt.Errorf("bad fragment field %q", f)
		}
		parts[num] = []byte(v)
	}
	return item, parts, nil
}

// Finish implements chunk.Store.
func (s *FragmentStore) Finish(ctx context.Context, key chunk.Key) error {
	m := member(key)
	_, err := s.client.redis().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.hash(m))
		p.ZRem(ctx, s.index(), m)
		p.Set(ctx, s.finished(m), 1, s.retention)
		return nil
	})
	return err
}

// Delete implements chunk.Store.
func (s *FragmentStore) Delete(ctx context.Context, key chunk.Key) (bool, error) {
	m := member(key)
	var del *redis.IntCmd
	_, err := s.client.redis().TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.hash(m))
		p.ZRem(ctx, s.index(), m)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// List implements chunk.Store.
func (s *FragmentStore) List(ctx context.Context) ([]chunk.Entry, error) {
	rdb := s.client.redis()
	members, err := rdb.ZRange(ctx, s.index(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]chunk.Entry, 0, len(members))
	for _, m := range members {
		vals, err := rdb.HMGet(ctx, s.hash(m), fieldFile, fieldReceived, fieldTotal, fieldFirst, fieldLast).Result()
		if err != nil {
			return nil, err
		}
		if vals[2] == nil {
			// Finished or evicted by another process between the two reads.
			continue
		}
		jobID, contentID, _ := strings.Cut(m, "|")
		out = append(out, chunk.Entry{
			Key:          chunk.Key{JobID: jobID, ContentID: contentID},
			FileName:     str(vals[0]),
			Received:     int(num(vals[1])),
			Total:        int(num(vals[2])),
			FirstSeen:    time.UnixMilli(num(vals[3])),
			LastProgress: time.UnixMilli(num(vals[4])),
		})
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	n, err := strconv.ParseInt(str(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
