package tilecache

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tiles.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// setClock 固定存储的时钟，返回推进它的函数
func setClock(s *Store, startMs int64) func(deltaMs int64) {
	now := startMs
	s.nowMs = func() int64 { return now }
	return func(deltaMs int64) { now += deltaMs }
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	url := "https://a.tile.example.org/12/0/0.png"
	if err := s.Put(ctx, url, []byte("tilebytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	body, ok, err := s.Get(ctx, url)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(body) != "tilebytes" {
		t.Fatalf("body = %q", body)
	}

	if _, ok, _ := s.Get(ctx, "https://a.tile.example.org/12/9/9.png"); ok {
		t.Fatal("unexpected hit")
	}
}

func TestTouchBuffering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	advance := setClock(s, 1_700_000_000_000)

	url := "https://a.tile.example.org/12/1/1.png"
	if err := s.Put(ctx, url, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// 访问先进缓冲：元数据存储暂时落后于瓦片存储（有界的尽力一致）
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending == 0 {
		t.Fatal("touch should be buffered")
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	at, ok, err := s.LastAccessedAt(ctx, url)
	if err != nil || !ok {
		t.Fatalf("LastAccessedAt: ok=%v err=%v", ok, err)
	}
	if at != 1_700_000_000_000 {
		t.Fatalf("at = %d", at)
	}

	// 刷空之后再刷是空操作
	advance(1000)
	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
}

func TestPruneKeepsFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setClock(s, 1_700_000_000_000)

	for _, u := range []string{"u1", "u2", "u3"} {
		if err := s.Put(ctx, u, []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	// 全部是"今天"的访问：按一周修剪不删任何东西
	n, err := s.PruneOlderThan(ctx, 604800)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 0 {
		t.Fatalf("deleted = %d, want 0", n)
	}
}

func TestPruneZeroAgeDeletesAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	advance := setClock(s, 1_700_000_000_000)

	for _, u := range []string{"u1", "u2", "u3"} {
		if err := s.Put(ctx, u, []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	advance(1)
	n, err := s.PruneOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 3 {
		t.Fatalf("deleted = %d, want 3", n)
	}

	count, err := s.EntryCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("count = %d err=%v", count, err)
	}
	// 元数据也要同时消失
	if _, ok, _ := s.LastAccessedAt(ctx, "u1"); ok {
		t.Fatal("metadata survived prune")
	}
}

func TestTouchProtectsFromPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	advance := setClock(s, 1_700_000_000_000)

	if err := s.Put(ctx, "old", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "hot", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// 一小时后重新访问 hot；prune 前会先刷缓冲
	advance(3600_000)
	if _, ok, _ := s.Get(ctx, "hot"); !ok {
		t.Fatal("hot missing")
	}

	advance(1000)
	// 半小时的保留窗口：old 超龄，hot 刚被访问过
	n, err := s.PruneOlderThan(ctx, 1800)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, ok, _ := s.Get(ctx, "hot"); !ok {
		t.Fatal("hot was pruned")
	}
	if _, ok, _ := s.Get(ctx, "old"); ok {
		t.Fatal("old survived")
	}
}

func TestPruneBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	advance := setClock(s, 1_700_000_000_000)

	// 超过一个删除批次的条目数
	for i := 0; i < pruneBatchSize*2+7; i++ {
		url := "u" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if err := s.Put(ctx, url, []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	advance(1)
	n, err := s.PruneOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != pruneBatchSize*2+7 {
		t.Fatalf("deleted = %d", n)
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "u1", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	count, err := s.EntryCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("count = %d err=%v", count, err)
	}
	if _, ok, _ := s.LastAccessedAt(ctx, "u1"); ok {
		t.Fatal("metadata survived clear")
	}
}
