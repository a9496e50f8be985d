package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	cacheHeader = "X-Formulary-Cache"
	wsPath      = "/__agent/ws"
	statusPath  = "/__agent/status"
	fetchPath   = "/__agent/fetch"
)

// Service is the cache agent: it intercepts page requests, routes them by
// policy and talks to open pages over the client channel.
type Service struct {
	log *zap.Logger

	cfgMu sync.Mutex
	cfg   Config

	store      *Store
	fetcher    *fetcher
	classifier Classifier
	static     *StaticCache
	reval      *Revalidator
	lifecycle  *Lifecycle
	clients    *ClientSet
	discoverer *shellDiscoverer
	stats      *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.Storage.Path, cfg.RAMMax())
	if err != nil {
		return nil, err
	}
	s, err := newService(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func newService(cfg Config, store *Store, log *zap.Logger) (*Service, error) {
	classifier, err := NewClassifier(cfg.Dataset.Prefix)
	if err != nil {
		return nil, err
	}
	f := newFetcher(cfg.FetchTimeout())
	discoverer, err := newShellDiscoverer(f.client, cfg.Server.Origin, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		log:        log,
		cfg:        cfg,
		store:      store,
		fetcher:    f,
		classifier: classifier,
		clients:    NewClientSet(log),
		discoverer: discoverer,
		stats:      newStatsCollector(),
		stopCh:     make(chan struct{}),
	}
	s.static = newStaticCache(store, f, cfg.Server.Origin, cfg.Shell.WarmConcurrency, log)
	s.lifecycle, err = newLifecycle(store, s.static, s.clients, classifier, log)
	if err != nil {
		return nil, err
	}
	s.reval = newRevalidator(store, f, s.lifecycle.Active, s.clients.Broadcast, s.stats.ObserveOutcome, log)

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return s, nil
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.reval.Wait()
		for _, c := range s.clients.Snapshot() {
			s.clients.Remove(c.ID)
		}
		if err := s.store.Close(); err != nil {
			s.log.Warn("close store", zap.Error(err))
		}
	})
}

func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

func (s *Service) Clients() *ClientSet { return s.clients }

func (s *Service) config() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// InstallConfigured installs the configured generation: the static URL list
// plus whatever the configured sitemaps add.
func (s *Service) InstallConfigured(ctx context.Context) error {
	cfg := s.config()
	urls := append([]string(nil), cfg.Shell.URLs...)
	if len(cfg.Shell.Sitemaps) > 0 {
		found, ignored, err := s.discoverer.discover(ctx, cfg.Shell.Sitemaps)
		if err != nil {
			return fmt.Errorf("discover shell: %w", err)
		}
		s.log.Info("shell discovered", zap.Int("urls", len(found)), zap.Int("ignored", ignored))
		urls = append(urls, found...)
	}
	return s.lifecycle.Install(ctx, cfg.Generation, urls)
}

// Reload swaps in a new deploy description (generation and shell list) and
// installs it. Storage, server and dataset settings need a restart.
func (s *Service) Reload(ctx context.Context, next Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg.Generation = next.Generation
	s.cfg.Shell = next.Shell
	s.cfgMu.Unlock()
	return s.InstallConfigured(ctx)
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.serveWS)
	mux.HandleFunc(statusPath, s.serveStatus)
	mux.HandleFunc("/", s.handle)
	return mux
}

// requestURL is the absolute URL a page asked for. Proxy-form requests carry
// it directly, /__agent/fetch carries it in the url query parameter, and any
// other origin-form path belongs to the app-shell origin.
func (s *Service) requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	if r.URL.Path == fetchPath {
		if u := r.URL.Query().Get("url"); u != "" {
			return u
		}
	}
	return s.static.resolve(r.URL.RequestURI())
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	rawURL := s.requestURL(r)
	if r.Method != http.MethodGet {
		s.passThrough(w, r, rawURL)
		return
	}

	if s.classifier.Classify(rawURL) == PolicyDynamic {
		ent, outcome, err := s.reval.Handle(r.Context(), rawURL, r.Header)
		if err != nil && ent.Status == 0 {
			s.log.Info("dataset unavailable", zap.String("url", rawURL), zap.Error(err))
			badGateway(w)
			return
		}
		label := "network"
		if outcome == CacheHitNoNetworkYet {
			label = "hit"
		}
		s.writeEntryWithStats(w, ent, label)
		return
	}

	ent, hit, err := s.static.Serve(r.Context(), s.lifecycle.Active(), rawURL, r.Header)
	if err != nil {
		s.log.Info("static fetch failed", zap.String("url", rawURL), zap.Error(err))
		badGateway(w)
		return
	}
	s.stats.ObserveStatic(hit)
	label := "miss"
	if hit {
		label = "hit"
	}
	s.writeEntryWithStats(w, ent, label)
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request, rawURL string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, rawURL, r.Body)
	if err != nil {
		badGateway(w)
		return
	}
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.fetcher.client.Do(req)
	if err != nil {
		badGateway(w)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func badGateway(w http.ResponseWriter) {
	setCacheHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, label string) {
	writeEntry(w, ent, label)
	s.stats.Observe(len(ent.Body))
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, label string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), label)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)
}

func setCacheHeaders(h http.Header, label string) {
	if label != "" {
		h.Set(cacheHeader, label)
	}
	ensureExposedHeader(h, cacheHeader)
}

// ensureExposedHeader lets browser script read name in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) serveWS(w http.ResponseWriter, r *http.Request) {
	s.clients.ServeWS(w, r, s.lifecycle.Active(), s.onClientMessage)
}

func (s *Service) onClientMessage(c Client, msg Message) {
	switch msg.Type {
	case MsgSkipWaiting:
		s.log.Info("skip-waiting requested", zap.String("client", c.ID()))
		if err := s.lifecycle.SkipWaiting(); err != nil {
			s.log.Error("skip-waiting", zap.Error(err))
		}
	default:
		s.log.Debug("unhandled client message", zap.String("client", c.ID()), zap.String("type", string(msg.Type)))
	}
}

type statusDoc struct {
	Lifecycle LifecycleStatus `json:"lifecycle"`
	Clients   []ClientInfo    `json:"clients"`
	Stats     statsSnapshot   `json:"stats"`
}

func (s *Service) serveStatus(w http.ResponseWriter, _ *http.Request) {
	doc := statusDoc{
		Lifecycle: s.lifecycle.Status(),
		Clients:   s.clients.Snapshot(),
		Stats:     s.stats.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.log.Debug("write status", zap.Error(err))
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	active := s.lifecycle.Active()
	entries, size, err := s.store.Usage(active)
	if err != nil {
		s.log.Warn("store usage", zap.Error(err))
	}
	fields := []zap.Field{
		zap.String("generation", active),
		zap.Int("entries", entries),
		zap.String("disk", humanize.Bytes(uint64(size))),
		zap.String("ram", humanize.Bytes(uint64(s.store.ram.TotalSize()))),
		zap.Int("clients", s.clients.Len()),
		zap.Uint64("static_hits", ss.StaticHits),
		zap.Uint64("static_misses", ss.StaticMisses),
		zap.Any("outcomes", ss.Outcomes),
		zap.String("resp_min", humanize.Bytes(ss.MinRespBytes)),
		zap.String("resp_avg", humanize.Bytes(ss.AvgRespBytes)),
		zap.String("resp_max", humanize.Bytes(ss.MaxRespBytes)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", humanize.Bytes(rss)))
	}
	s.log.Info("cache stats", fields...)
}
