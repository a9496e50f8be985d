package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// StaticCache serves app-shell resources cache-first out of one generation.
type StaticCache struct {
	store       *Store
	fetcher     *fetcher
	origin      string
	concurrency int
	log         *zap.Logger
}

func newStaticCache(store *Store, f *fetcher, origin string, concurrency int, log *zap.Logger) *StaticCache {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &StaticCache{
		store:       store,
		fetcher:     f,
		origin:      strings.TrimRight(origin, "/"),
		concurrency: concurrency,
		log:         log,
	}
}

// resolve turns an origin-relative path into an absolute URL; absolute URLs
// pass through unchanged.
func (c *StaticCache) resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return c.origin + raw
}

// Warm fetches every URL into gen. It is all-or-nothing: on the first failure
// the remaining fetches are cancelled and everything written to gen is removed.
func (c *StaticCache) Warm(ctx context.Context, gen string, urls []string) error {
	if err := c.store.CreateGeneration(gen); err != nil {
		return fmt.Errorf("create generation %s: %w", gen, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		sem      = make(chan struct{}, c.concurrency)
		seen     = map[string]struct{}{}
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for _, raw := range urls {
		abs := c.resolve(raw)
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(abs string) {
			defer wg.Done()
			defer func() { <-sem }()

			ent, err := c.fetcher.fetchOK(ctx, abs, nil)
			if err != nil {
				fail(fmt.Errorf("fetch %s: %w", abs, err))
				return
			}
			if err := c.store.Put(gen, entryKey(http.MethodGet, abs), ent); err != nil {
				fail(fmt.Errorf("store %s: %w", abs, err))
				return
			}
			c.log.Debug("warmed", zap.String("generation", gen), zap.String("url", abs), zap.Int("bytes", len(ent.Body)))
		}(abs)
	}
	wg.Wait()

	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		if err := c.store.DeleteGeneration(gen); err != nil {
			c.log.Error("discard partial generation", zap.String("generation", gen), zap.Error(err))
		}
		return fmt.Errorf("warm %s: %w", gen, firstErr)
	}
	return nil
}

// Serve returns the entry stored in gen, or a live uncached network response.
// The bool reports whether the answer came from the cache.
func (c *StaticCache) Serve(ctx context.Context, gen, rawURL string, hdr http.Header) (CacheEntry, bool, error) {
	abs := c.resolve(rawURL)
	if gen != "" {
		ent, ok, err := c.store.Get(gen, entryKey(http.MethodGet, abs))
		if err != nil {
			c.log.Warn("static lookup failed, going to network", zap.String("url", abs), zap.Error(err))
		} else if ok {
			return ent, true, nil
		}
	}
	ent, err := c.fetcher.fetch(ctx, abs, hdr)
	if err != nil {
		return CacheEntry{}, false, err
	}
	return ent, false, nil
}

// EvictOthers deletes every generation except current and keep, and returns
// the names it removed.
func (c *StaticCache) EvictOthers(current string, keep ...string) ([]string, error) {
	gens, err := c.store.Generations()
	if err != nil {
		return nil, err
	}
	skip := map[string]struct{}{current: {}}
	for _, k := range keep {
		if k != "" {
			skip[k] = struct{}{}
		}
	}
	var removed []string
	var errs []error
	for _, g := range gens {
		if _, ok := skip[g]; ok {
			continue
		}
		if err := c.store.DeleteGeneration(g); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", g, err))
			continue
		}
		removed = append(removed, g)
	}
	return removed, errors.Join(errs...)
}
