package agent

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// forwardHeaders are the request headers copied from a page's request onto the
// network fetch. Everything else is dropped.
var forwardHeaders = []string{"Accept", "Accept-Language", "User-Agent"}

type fetcher struct {
	client *http.Client
}

func newFetcher(timeout time.Duration) *fetcher {
	return &fetcher{client: &http.Client{Timeout: timeout}}
}

// fetch performs a network GET. A non-2xx answer is not an error here; callers
// decide whether it is cacheable via CacheEntry.OK.
func (f *fetcher) fetch(ctx context.Context, rawURL string, src http.Header) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	for _, name := range forwardHeaders {
		if v := src.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("read body of %s: %w", rawURL, err)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

// fetchOK is fetch that also treats a non-2xx status as a failure.
func (f *fetcher) fetchOK(ctx context.Context, rawURL string, src http.Header) (CacheEntry, error) {
	ent, err := f.fetch(ctx, rawURL, src)
	if err != nil {
		return CacheEntry{}, err
	}
	if !ent.OK() {
		return ent, fmt.Errorf("%s: %w (%d)", rawURL, ErrUpstreamStatus, ent.Status)
	}
	return ent, nil
}

func (e CacheEntry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
