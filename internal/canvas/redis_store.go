package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

var (
	ErrNotFound = errors.New("canvas not found")
	ErrExists   = errors.New("canvas already exists")
)

// Store keeps one canvas per job in Redis: pixel buffer, dimensions, op log and
// sequence counter. All four keys share an idle TTL that every write refreshes.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewStore(client *redis.Client, idleTTL time.Duration) *Store {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &Store{client: client, prefix: "canvas:", ttl: idleTTL}
}

func (s *Store) keys(jobID string) []string {
	base := s.prefix + jobID
	return []string{base + ":buf", base + ":meta", base + ":log", base + ":seq"}
}

// Create stores a blank canvas. It fails with ErrExists if the job already has one.
func (s *Store) Create(ctx context.Context, jobID string, width, height int) (*Canvas, error) {
	c := Blank(width, height)
	n, err := createScript.Run(ctx, s.client, s.keys(jobID), c.Pix, width, height, s.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("create canvas %s: %w", jobID, err)
	}
	if n == 0 {
		return nil, ErrExists
	}
	return c, nil
}

func (s *Store) Read(ctx context.Context, jobID string) (*Canvas, error) {
	keys := s.keys(jobID)
	pipe := s.client.Pipeline()
	buf := pipe.Get(ctx, keys[0])
	meta := pipe.HMGet(ctx, keys[1], "w", "h")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read canvas %s: %w", jobID, err)
	}
	pix, err := buf.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read canvas %s: %w", jobID, err)
	}
	w, h, err := parseDims(meta.Val())
	if err != nil {
		return nil, fmt.Errorf("canvas %s meta: %w", jobID, err)
	}
	return FromBytes(w, h, pix)
}

// Write replaces the buffer of an existing canvas.
func (s *Store) Write(ctx context.Context, jobID string, c *Canvas) error {
	n, err := writeScript.Run(ctx, s.client, s.keys(jobID), c.Pix, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("write canvas %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog records entry and returns its sequence number. entry.Seq is ignored.
func (s *Store) AppendLog(ctx context.Context, jobID string, entry models.OpLogEntry) (int64, error) {
	raw, err := encodeEntry(entry)
	if err != nil {
		return 0, err
	}
	seq, err := appendScript.Run(ctx, s.client, s.keys(jobID), raw, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("append log %s: %w", jobID, err)
	}
	if seq == 0 {
		return 0, ErrNotFound
	}
	return seq, nil
}

// Commit writes the buffer and appends entry in one atomic step.
func (s *Store) Commit(ctx context.Context, jobID string, c *Canvas, entry models.OpLogEntry) (int64, error) {
	raw, err := encodeEntry(entry)
	if err != nil {
		return 0, err
	}
	seq, err := commitScript.Run(ctx, s.client, s.keys(jobID), c.Pix, raw, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("commit canvas %s: %w", jobID, err)
	}
	if seq == 0 {
		return 0, ErrNotFound
	}
	return seq, nil
}

// Log returns the op log in sequence order.
func (s *Store) Log(ctx context.Context, jobID string) ([]models.OpLogEntry, error) {
	keys := s.keys(jobID)
	pipe := s.client.Pipeline()
	exists := pipe.Exists(ctx, keys[0])
	items := pipe.LRange(ctx, keys[2], 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read log %s: %w", jobID, err)
	}
	if exists.Val() == 0 {
		return nil, ErrNotFound
	}
	out := make([]models.OpLogEntry, 0, len(items.Val()))
	for _, item := range items.Val() {
		seqStr, body, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("malformed log entry in %s", jobID)
		}
		var e models.OpLogEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode log seq: %w", err)
		}
		e.Seq = seq
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Exists(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys(jobID)[0]).Result()
	if err != nil {
		return false, fmt.Errorf("canvas exists %s: %w", jobID, err)
	}
	return n == 1, nil
}

// Touch refreshes the idle TTL. It reports false when the canvas is gone.
func (s *Store) Touch(ctx context.Context, jobID string) (bool, error) {
	n, err := touchScript.Run(ctx, s.client, s.keys(jobID), s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("touch canvas %s: %w", jobID, err)
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, s.keys(jobID)...).Err()
}

func encodeEntry(e models.OpLogEntry) (string, error) {
	e.Seq = 0
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode log entry: %w", err)
	}
	return string(b), nil
}

func parseDims(vals []interface{}) (int, int, error) {
	if len(vals) != 2 {
		return 0, 0, errors.New("missing dimensions")
	}
	dims := make([]int, 2)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return 0, 0, errors.New("missing dimensions")
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return 0, 0, err
		}
		dims[i] = n
	}
	return dims[0], dims[1], nil
}

// KEYS: buf, meta, log, seq

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('DEL', KEYS[3], KEYS[4])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
redis.call('HSET', KEYS[2], 'w', ARGV[2], 'h', ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

var writeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
for i = 2, #KEYS do
  redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return 1
`)

var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local seq = redis.call('INCR', KEYS[4])
redis.call('RPUSH', KEYS[3], seq .. ':' .. ARGV[1])
for i = 1, #KEYS do
  redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return seq
`)

var commitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
local seq = redis.call('INCR', KEYS[4])
redis.call('RPUSH', KEYS[3], seq .. ':' .. ARGV[2])
for i = 2, #KEYS do
  redis.call('PEXPIRE', KEYS[i], ARGV[3])
end
return seq
`)

var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #KEYS do
  redis.call('PEXPIRE', KEYS[i], ARGV[1])
end
return 1
`)
