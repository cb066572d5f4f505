package tilecache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// flushInterval 访问时间写入的合并窗口：每秒最多一次元数据写入
	flushInterval = time.Second

	// pruneBatchSize 删除按批执行，限制峰值未决操作数
	pruneBatchSize = 50

	// maxEntries 瓦片条目上限，写入时机会性淘汰
	maxEntries = 2500

	// maxTileAge 未访问瓦片的绝对年龄上限
	maxTileAge = 90 * 24 * time.Hour
)

// Store 持久化瓦片缓存
// 两个独立的存储：瓦片字节和访问时间元数据，尽力保持一致，不做事务耦合
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu         sync.Mutex
	pending    map[string]int64
	flushTimer *time.Timer

	nowMs func() int64
}

// Open 打开（或创建）瓦片缓存数据库
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open tile db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping tile db: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure tile schema: %w", err)
	}

	return &Store{
		db:      db,
		logger:  logger,
		pending: make(map[string]int64),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tiles (
			url       TEXT PRIMARY KEY,
			body      BLOB NOT NULL,
			stored_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tile_access (
			url              TEXT PRIMARY KEY,
			last_accessed_at INTEGER NOT NULL
		);
	`)
	return err
}

// Close 刷掉缓冲的访问时间并关闭数据库
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		s.logger.Warn("Flush on close failed", zap.Error(err))
	}
	return s.db.Close()
}

// Get 读取缓存的瓦片；命中时记一次 LRU 访问
func (s *Store) Get(ctx context.Context, url string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM tiles WHERE url = ?`, url).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get tile: %w", err)
	}
	s.Touch(url)
	return body, true, nil
}

// Has 只判断瓦片是否已缓存；命中同样算一次访问
func (s *Store) Has(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tiles WHERE url = ?`, url).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has tile: %w", err)
	}
	s.Touch(url)
	return true, nil
}

// Put 存储一块瓦片并记录访问时间，顺带做容量淘汰
func (s *Store) Put(ctx context.Context, url string, body []byte) error {
	now := s.nowMs()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiles (url, body, stored_at) VALUES (?, ?, ?)`,
		url, body, now)
	if err != nil {
		return fmt.Errorf("put tile: %w", err)
	}
	s.Touch(url)

	if err := s.evict(ctx, now); err != nil {
		// 淘汰失败只影响容量，不影响本次写入
		s.logger.Warn("Tile eviction failed", zap.Error(err))
	}
	return nil
}

// evict 写路径上的机会性淘汰，条目数上限加绝对年龄上限
func (s *Store) evict(ctx context.Context, nowMs int64) error {
	ageCutoff := nowMs - maxTileAge.Milliseconds()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE url IN (SELECT url FROM tile_access WHERE last_accessed_at < ?)`,
		ageCutoff); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tile_access WHERE last_accessed_at < ?`, ageCutoff); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&count); err != nil {
		return err
	}
	if count <= maxEntries {
		return nil
	}
	overflow := count - maxEntries
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM tiles WHERE url IN (
			SELECT t.url FROM tiles t
			LEFT JOIN tile_access a ON a.url = t.url
			ORDER BY COALESCE(a.last_accessed_at, t.stored_at) ASC
			LIMIT ?
		)`, overflow); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tile_access WHERE url NOT IN (SELECT url FROM tiles)`)
	return err
}

// Touch 缓冲一次访问时间更新；至多每秒合并落盘一次
func (s *Store) Touch(url string) {
	if url == "" {
		return
	}
	s.mu.Lock()
	s.pending[url] = s.nowMs()
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(flushInterval, func() {
			if err := s.Flush(); err != nil {
				s.logger.Warn("Touch flush failed", zap.Error(err))
			}
		})
	}
	s.mu.Unlock()
}

// Flush 立即写出缓冲的访问时间
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make(map[string]int64)
	s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin touch flush: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO tile_access (url, last_accessed_at) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare touch flush: %w", err)
	}
	for url, at := range batch {
		if _, err := stmt.Exec(url, at); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("flush touch: %w", err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit touch flush: %w", err)
	}
	return nil
}

// PruneOlderThan 删除访问时间早于 now-maxAgeSeconds 的瓦片，返回删除数量
// 先刷缓冲，避免刚被访问的瓦片被误删
func (s *Store) PruneOlderThan(ctx context.Context, maxAgeSeconds int64) (int, error) {
	if maxAgeSeconds < 0 {
		maxAgeSeconds = 0
	}
	if err := s.Flush(); err != nil {
		return 0, err
	}
	cutoff := s.nowMs() - maxAgeSeconds*1000

	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM tile_access WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scan tile access: %w", err)
	}
	var stale []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan url: %w", err)
		}
		stale = append(stale, url)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate tile access: %w", err)
	}

	deleted := 0
	for start := 0; start < len(stale); start += pruneBatchSize {
		end := start + pruneBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		if err := s.deleteBatch(ctx, stale[start:end]); err != nil {
			return deleted, err
		}
		deleted += end - start
	}
	return deleted, nil
}

func (s *Store) deleteBatch(ctx context.Context, urls []string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")
	args := make([]any, len(urls))
	for i, u := range urls {
		args[i] = u
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE url IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete tiles: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tile_access WHERE url IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete tile access: %w", err)
	}
	return nil
}

// ClearAll 无条件清空两个存储
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.pending = make(map[string]int64)
	s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles`); err != nil {
		return fmt.Errorf("clear tiles: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tile_access`); err != nil {
		return fmt.Errorf("clear tile access: %w", err)
	}
	return nil
}

// EntryCount 当前缓存的瓦片数量
func (s *Store) EntryCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tiles: %w", err)
	}
	return count, nil
}

// LastAccessedAt 读取某个 URL 的访问时间元数据（epoch 毫秒）
func (s *Store) LastAccessedAt(ctx context.Context, url string) (int64, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_accessed_at FROM tile_access WHERE url = ?`, url).Scan(&at)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get tile access: %w", err)
	}
	return at, true, nil
}
