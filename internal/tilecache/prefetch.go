package tilecache

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultConcurrency 批量预取的并发 worker 数
const DefaultConcurrency = 6

// ProgressFunc 每块瓦片完成（成功或失败）后都会被调用一次，
// 外加开始前的一次初始调用，让观察者不等第一块瓦片就知道总数
type ProgressFunc func(done, total, errors int)

// Prefetch 批量预取瓦片
// 固定大小的 worker 池从同一个队列取任务，慢请求不会占住分给它的任务；
// 单块瓦片失败只计数，批次继续。结束后刷一次访问缓冲
func Prefetch(ctx context.Context, logger *zap.Logger, store *Store, fetcher *Fetcher, urls []string, concurrency int, progress ProgressFunc) {
	total := len(urls)
	if total == 0 {
		return
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > total {
		concurrency = total
	}

	var mu sync.Mutex
	done := 0
	errors := 0

	if progress != nil {
		progress(0, total, 0)
	}

	report := func(failed bool) {
		mu.Lock()
		done++
		if failed {
			errors++
		}
		d, e := done, errors
		mu.Unlock()
		if progress != nil {
			progress(d, total, e)
		}
	}

	queue := make(chan string)
	go func() {
		defer close(queue)
		for _, url := range urls {
			select {
			case queue <- url:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range queue {
				report(fetchOne(ctx, logger, store, fetcher, url))
			}
		}()
	}
	wg.Wait()

	if err := store.Flush(); err != nil {
		logger.Warn("Flush after prefetch failed", zap.Error(err))
	}
}

// fetchOne 处理一块瓦片，返回是否失败
func fetchOne(ctx context.Context, logger *zap.Logger, store *Store, fetcher *Fetcher, url string) bool {
	cached, err := store.Has(ctx, url)
	if err != nil {
		logger.Debug("Tile cache lookup failed", zap.String("url", url), zap.Error(err))
		return true
	}
	if cached {
		// Has 已经记了一次访问
		return false
	}

	body, err := fetcher.Fetch(ctx, url)
	if err != nil {
		logger.Debug("Tile fetch failed", zap.String("url", url), zap.Error(err))
		return true
	}
	if err := store.Put(ctx, url, body); err != nil {
		logger.Debug("Tile store failed", zap.String("url", url), zap.Error(err))
		return true
	}
	return false
}
