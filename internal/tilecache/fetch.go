package tilecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher 瓦片下载器
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher 创建下载器
func NewFetcher() *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: "gpxview/1.0",
	}
}

// Fetch 下载一块瓦片
// 任何 2xx 响应都算成功（对应浏览器里 opaque 响应的宽松处理），空响应体也照样存
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch tile: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tile body: %w", err)
	}
	return body, nil
}
