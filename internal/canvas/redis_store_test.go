package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

func newStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ttl), mr
}

func entry(tool string) models.OpLogEntry {
	return models.OpLogEntry{Tool: tool, Args: json.RawMessage(`{"x":1}`), At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCreateReadWrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, time.Minute)

	c, err := s.Create(ctx, "job-1", 4, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(c.Pix) != 4*3*4 {
		t.Fatalf("unexpected buffer size %d", len(c.Pix))
	}
	if _, err := s.Create(ctx, "job-1", 4, 3); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	c.Set(1, 2, RGB{10, 20, 30})
	if err := s.Write(ctx, "job-1", c); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.Read(ctx, "job-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Width != 4 || got.Height != 3 || !bytes.Equal(got.Pix, c.Pix) {
		t.Fatalf("read back mismatch")
	}
	if got.At(1, 2) != (RGB{10, 20, 30}) {
		t.Fatalf("pixel not persisted: %+v", got.At(1, 2))
	}
}

func TestMissingCanvas(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, time.Minute)
	if _, err := s.Read(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read: expected ErrNotFound, got %v", err)
	}
	if err := s.Write(ctx, "nope", Blank(2, 2)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("write: expected ErrNotFound, got %v", err)
	}
	if _, err := s.AppendLog(ctx, "nope", entry("set_pixel")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append: expected ErrNotFound, got %v", err)
	}
	if ok, _ := s.Touch(ctx, "nope"); ok {
		t.Fatalf("touch reported a missing canvas present")
	}
}

func TestSequenceIsGaplessAcrossAppendAndCommit(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, time.Minute)
	c, _ := s.Create(ctx, "job-1", 2, 2)

	var seqs []int64
	seq, err := s.AppendLog(ctx, "job-1", entry("set_palette"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	seqs = append(seqs, seq)
	for i := 0; i < 3; i++ {
		c.Set(i%2, 0, RGB{uint8(i), 0, 0})
		seq, err := s.Commit(ctx, "job-1", c, entry("set_pixel"))
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, seq)
		}
	}

	log, err := s.Log(ctx, "job-1")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(log) != 4 || log[0].Tool != "set_palette" || log[3].Seq != 4 {
		t.Fatalf("unexpected log: %+v", log)
	}
	if string(log[1].Args) != `{"x":1}` {
		t.Fatalf("args not preserved: %s", log[1].Args)
	}
}

func TestIdleTTLExpiresAndTouchRefreshes(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t, time.Minute)
	s.Create(ctx, "job-1", 2, 2)
	s.AppendLog(ctx, "job-1", entry("set_pixel"))

	mr.FastForward(45 * time.Second)
	if ok, err := s.Touch(ctx, "job-1"); err != nil || !ok {
		t.Fatalf("touch: ok=%v err=%v", ok, err)
	}
	mr.FastForward(45 * time.Second)
	if ok, _ := s.Exists(ctx, "job-1"); !ok {
		t.Fatalf("touched canvas expired early")
	}
	if _, err := s.Log(ctx, "job-1"); err != nil {
		t.Fatalf("log expired with the buffer still present: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := s.Exists(ctx, "job-1"); ok {
		t.Fatalf("idle canvas did not expire")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t, time.Minute)
	s.Create(ctx, "job-1", 2, 2)
	s.AppendLog(ctx, "job-1", entry("set_pixel"))
	if err := s.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, k := range s.keys("job-1") {
		if mr.Exists(k) {
			t.Fatalf("key %s survived delete", k)
		}
	}
	// a recreated canvas starts its sequence over
	s.Create(ctx, "job-1", 2, 2)
	seq, _ := s.AppendLog(ctx, "job-1", entry("set_pixel"))
	if seq != 1 {
		t.Fatalf("expected fresh sequence, got %d", seq)
	}
}
