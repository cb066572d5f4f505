package tilecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestPrefetch(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("tile"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()

	urls := []string{
		srv.URL + "/12/1/1.png",
		srv.URL + "/12/1/2.png",
		srv.URL + "/12/bad/1.png",
		srv.URL + "/12/1/3.png",
	}

	var progressMu sync.Mutex
	var calls []TileProgressCall
	progress := func(done, total, errors int) {
		progressMu.Lock()
		calls = append(calls, TileProgressCall{done, total, errors})
		progressMu.Unlock()
	}

	Prefetch(ctx, zap.NewNop(), s, NewFetcher(), urls, 2, progress)

	progressMu.Lock()
	defer progressMu.Unlock()

	// 开始前一次初始广播 + 每块瓦片一次
	if len(calls) != len(urls)+1 {
		t.Fatalf("progress calls = %d, want %d", len(calls), len(urls)+1)
	}
	first := calls[0]
	if first.Done != 0 || first.Total != len(urls) || first.Errors != 0 {
		t.Fatalf("initial progress = %+v", first)
	}
	last := calls[len(calls)-1]
	if last.Done != len(urls) || last.Errors != 1 {
		t.Fatalf("final progress = %+v", last)
	}

	// 失败的不入库，成功的入库
	if _, ok, _ := s.Get(ctx, srv.URL+"/12/bad/1.png"); ok {
		t.Fatal("failed tile was stored")
	}
	if _, ok, _ := s.Get(ctx, srv.URL+"/12/1/1.png"); !ok {
		t.Fatal("fetched tile missing")
	}
}

func TestPrefetchSkipsCached(t *testing.T) {
	var mu sync.Mutex
	fetched := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetched++
		mu.Unlock()
		w.Write([]byte("tile"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()

	url := srv.URL + "/12/1/1.png"
	if err := s.Put(ctx, url, []byte("cached")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	Prefetch(ctx, zap.NewNop(), s, NewFetcher(), []string{url}, 1, nil)

	mu.Lock()
	defer mu.Unlock()
	if fetched != 0 {
		t.Fatalf("cached tile refetched %d times", fetched)
	}
	body, ok, _ := s.Get(ctx, url)
	if !ok || string(body) != "cached" {
		t.Fatalf("cached body = %q ok=%v", body, ok)
	}
}

func TestPrefetchEmpty(t *testing.T) {
	s := newTestStore(t)
	called := false
	Prefetch(context.Background(), zap.NewNop(), s, NewFetcher(), nil, 6, func(done, total, errors int) {
		called = true
	})
	if called {
		t.Fatal("no progress expected for an empty job")
	}
}

// TileProgressCall 测试用的进度快照
type TileProgressCall struct {
	Done, Total, Errors int
}
