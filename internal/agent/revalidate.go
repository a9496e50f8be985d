package agent

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Revalidator runs stale-while-revalidate for the dataset endpoint. A cached
// copy is answered at once; the network copy replaces it, and pages are told,
// only when the bytes differ.
type Revalidator struct {
	store     *Store
	fetcher   *fetcher
	active    func() string
	broadcast func(Message) int
	observe   func(Outcome)
	log       *zap.Logger

	wg sync.WaitGroup
}

func newRevalidator(store *Store, f *fetcher, active func() string, broadcast func(Message) int, observe func(Outcome), log *zap.Logger) *Revalidator {
	if observe == nil {
		observe = func(Outcome) {}
	}
	return &Revalidator{
		store:     store,
		fetcher:   f,
		active:    active,
		broadcast: broadcast,
		observe:   observe,
		log:       log,
	}
}

type fetchResult struct {
	ent     CacheEntry
	err     error
	outcome Outcome
}

// Handle answers one dynamic request. On a miss the returned entry may carry a
// non-2xx upstream answer alongside a non-nil error; with a transport failure
// the entry is zero.
func (r *Revalidator) Handle(ctx context.Context, rawURL string, hdr http.Header) (CacheEntry, Outcome, error) {
	key := entryKey(http.MethodGet, rawURL)

	var (
		old    CacheEntry
		hasOld bool
	)
	if gen := r.active(); gen != "" {
		var err error
		old, hasOld, err = r.store.Get(gen, key)
		if err != nil {
			r.log.Warn("dataset lookup failed", zap.String("url", rawURL), zap.Error(err))
			hasOld = false
		}
	}

	done := make(chan fetchResult, 1)
	bctx := context.WithoutCancel(ctx)
	hdr = cloneHeader(hdr)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ent, err := r.fetcher.fetchOK(bctx, rawURL, hdr)
		outcome := r.settle(key, rawURL, old, hasOld, ent, err)
		r.observe(outcome)
		done <- fetchResult{ent: ent, err: err, outcome: outcome}
	}()

	if hasOld {
		r.observe(CacheHitNoNetworkYet)
		return old, CacheHitNoNetworkYet, nil
	}

	select {
	case res := <-done:
		return res.ent, res.outcome, res.err
	case <-ctx.Done():
		return CacheEntry{}, CacheMissNetworkFailed, ctx.Err()
	}
}

// settle applies a finished network fetch against the snapshot taken when the
// request arrived.
func (r *Revalidator) settle(key, rawURL string, old CacheEntry, hasOld bool, ent CacheEntry, fetchErr error) Outcome {
	if fetchErr != nil {
		r.log.Info("dataset fetch failed", zap.String("url", rawURL), zap.Bool("cached", hasOld), zap.Error(fetchErr))
		if hasOld {
			return CacheHitNetworkUnchanged
		}
		return CacheMissNetworkFailed
	}

	unlock := r.store.lockKey(key)
	defer unlock()

	// old is the snapshot served to this request, not the current stored value.
	// A late fetch equal to that snapshot leaves a newer stored entry alone.
	if hasOld && bytes.Equal(old.Body, ent.Body) {
		return CacheHitNetworkUnchanged
	}

	gen := r.active()
	if gen == "" {
		r.log.Debug("no active generation, dataset not cached", zap.String("url", rawURL))
		if hasOld {
			return CacheHitNetworkUnchanged
		}
		return CacheMissNetworkOK
	}
	if err := r.store.Put(gen, key, ent); err != nil {
		r.log.Error("store dataset", zap.String("url", rawURL), zap.Error(err))
		if hasOld {
			return CacheHitNetworkUnchanged
		}
		return CacheMissNetworkOK
	}

	if !hasOld {
		return CacheMissNetworkOK
	}
	n := r.broadcast(Message{Type: MsgNewData, Generation: gen})
	r.log.Info("dataset changed", zap.String("url", rawURL),
		zap.Int("old_bytes", len(old.Body)), zap.Int("new_bytes", len(ent.Body)), zap.Int("clients", n))
	return CacheHitNetworkUpdated
}

// Wait blocks until every background fetch has settled.
func (r *Revalidator) Wait() {
	r.wg.Wait()
}
