package agent

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// shellDiscoverer expands sitemaps into app-shell paths on the configured
// origin. Nested sitemap indexes are followed once each.
type shellDiscoverer struct {
	client *http.Client
	origin *url.URL
	log    *zap.Logger
}

func newShellDiscoverer(client *http.Client, origin string, log *zap.Logger) (*shellDiscoverer, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	return &shellDiscoverer{client: client, origin: u, log: log}, nil
}

func (d *shellDiscoverer) discover(ctx context.Context, sitemaps []string) (paths []string, ignored int, _ error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, d.absolute(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, ignored, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := d.fetchSitemap(ctx, smURL)
		if err != nil {
			return paths, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, d.absolute(nested))
			}
		}

		before := len(paths)
		for _, loc := range doc.URLs {
			p, ok := d.sameOriginPath(loc)
			if !ok {
				ignored++
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			paths = append(paths, p)
		}
		d.log.Debug("sitemap read", zap.String("sitemap", smURL),
			zap.Int("urls", len(doc.URLs)), zap.Int("added", len(paths)-before))
	}
	return paths, ignored, nil
}

func (d *shellDiscoverer) absolute(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(d.origin.String(), "/") + u
}

// sameOriginPath returns the origin-relative request URI of loc, or false when
// loc points somewhere else.
func (d *shellDiscoverer) sameOriginPath(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.IsAbs() && !strings.EqualFold(u.Host, d.origin.Host) {
		return "", false
	}
	p := u.RequestURI()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p, true
}

func (d *shellDiscoverer) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("%w %d: %s", ErrUpstreamStatus, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decoded when the server also set
	// Content-Encoding, so sniff the magic bytes as well.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
