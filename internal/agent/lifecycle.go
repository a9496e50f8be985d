package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Lifecycle moves cache generations through install, waiting and activation.
// The active generation is the only one static and dynamic requests read from;
// a failed install never disturbs it.
type Lifecycle struct {
	store      *Store
	static     *StaticCache
	clients    *ClientSet
	classifier Classifier
	log        *zap.Logger

	// opMu serializes lifecycle transitions: install bookkeeping, activation
	// and skip-waiting. mu only guards the fields below.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	active        string
	installing    string
	waiting       string
	skipRequested bool
}

type LifecycleStatus struct {
	State      string `json:"state"`
	Active     string `json:"active"`
	Installing string `json:"installing,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
}

func newLifecycle(store *Store, static *StaticCache, clients *ClientSet, classifier Classifier, log *zap.Logger) (*Lifecycle, error) {
	active, err := store.Active()
	if err != nil {
		return nil, fmt.Errorf("read active generation: %w", err)
	}
	l := &Lifecycle{
		store:      store,
		static:     static,
		clients:    clients,
		classifier: classifier,
		log:        log,
		active:     active,
	}
	if active != "" {
		l.state = StateActive
	}
	return l, nil
}

func (l *Lifecycle) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Lifecycle) Status() LifecycleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LifecycleStatus{
		State:      l.state.String(),
		Active:     l.active,
		Installing: l.installing,
		Waiting:    l.waiting,
	}
}

// Install warms gen and leaves it waiting. It activates straight away when no
// generation is active yet or a skip was requested while warming.
func (l *Lifecycle) Install(ctx context.Context, gen string, urls []string) error {
	v, err := generationVersion(gen)
	if err != nil {
		return fmt.Errorf("install %q: %w", gen, err)
	}

	l.opMu.Lock()
	l.mu.Lock()
	if gen == l.active {
		l.mu.Unlock()
		l.opMu.Unlock()
		l.log.Debug("generation already active", zap.String("generation", gen))
		return nil
	}
	if l.active != "" {
		if av, err := generationVersion(l.active); err == nil && v <= av {
			active := l.active
			l.mu.Unlock()
			l.opMu.Unlock()
			return fmt.Errorf("install %s over %s: %w", gen, active, ErrStaleGeneration)
		}
	}
	if l.state == StateInstalling {
		cur := l.installing
		l.mu.Unlock()
		l.opMu.Unlock()
		return fmt.Errorf("install %s: %s is still installing", gen, cur)
	}
	superseded := l.waiting
	l.state = StateInstalling
	l.installing = gen
	l.waiting = ""
	l.skipRequested = false
	l.mu.Unlock()

	if superseded != "" && superseded != gen {
		if err := l.store.DeleteGeneration(superseded); err != nil {
			l.log.Warn("discard superseded waiting generation", zap.String("generation", superseded), zap.Error(err))
		}
	}
	l.opMu.Unlock()

	// Warm runs without opMu; nothing activates while the state is INSTALLING.
	l.log.Info("installing generation", zap.String("generation", gen), zap.Int("urls", len(urls)))
	werr := l.static.Warm(ctx, gen, urls)

	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	l.installing = ""
	if werr != nil {
		l.state = StateRedundant
		l.skipRequested = false
		active := l.active
		l.mu.Unlock()
		l.log.Error("install failed, keeping previous generation",
			zap.String("generation", gen), zap.String("active", active), zap.Error(werr))
		return werr
	}
	l.state = StateWaiting
	l.waiting = gen
	activateNow := l.active == "" || l.skipRequested
	l.skipRequested = false
	l.mu.Unlock()

	if activateNow {
		return l.activateLocked(gen)
	}
	n := l.clients.Broadcast(Message{Type: MsgUpdateWaiting, Generation: gen})
	l.log.Info("generation waiting", zap.String("generation", gen), zap.Int("clients", n))
	return nil
}

// SkipWaiting forces activation of the waiting generation regardless of open
// pages. While an install is still warming the request is remembered; in any
// other state it is ignored.
func (l *Lifecycle) SkipWaiting() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	switch l.state {
	case StateInstalling:
		l.skipRequested = true
		l.mu.Unlock()
		return nil
	case StateWaiting:
		gen := l.waiting
		l.mu.Unlock()
		return l.activateLocked(gen)
	default:
		state := l.state
		l.mu.Unlock()
		l.log.Debug("skip-waiting ignored", zap.String("state", state.String()))
		return nil
	}
}

// activateLocked switches gen in. The caller holds opMu for the whole
// transition, so no install can start or finish until eviction and claim are
// done.
func (l *Lifecycle) activateLocked(gen string) error {
	l.mu.Lock()
	if l.state != StateWaiting || l.waiting != gen {
		l.mu.Unlock()
		return nil
	}
	l.state = StateActivating
	prev := l.active
	l.mu.Unlock()

	if err := l.store.SetActive(gen); err != nil {
		l.mu.Lock()
		l.state = StateWaiting
		l.mu.Unlock()
		return fmt.Errorf("activate %s: %w", gen, err)
	}

	l.mu.Lock()
	l.active = gen
	l.waiting = ""
	keep := []string{l.installing}
	l.mu.Unlock()

	if prev != "" {
		l.carryDynamic(prev, gen)
	}
	removed, err := l.static.EvictOthers(gen, keep...)
	if err != nil {
		l.log.Warn("evict old generations", zap.String("generation", gen), zap.Error(err))
	}
	n := l.clients.Claim(gen)

	l.mu.Lock()
	l.state = StateActive
	l.mu.Unlock()

	l.log.Info("generation active",
		zap.String("generation", gen), zap.String("previous", prev),
		zap.Strings("evicted", removed), zap.Int("claimed", n))
	return nil
}

// carryDynamic copies dataset entries from the outgoing generation so the
// dataset stays available offline across upgrades. Entries already written
// into the new generation win.
func (l *Lifecycle) carryDynamic(from, to string) {
	keys, err := l.store.Keys(from)
	if err != nil {
		l.log.Warn("list outgoing generation", zap.String("generation", from), zap.Error(err))
		return
	}
	for _, key := range keys {
		_, rawURL, ok := strings.Cut(key, " ")
		if !ok || l.classifier.Classify(rawURL) != PolicyDynamic {
			continue
		}
		l.carryOne(from, to, key)
	}
}

func (l *Lifecycle) carryOne(from, to, key string) {
	unlock := l.store.lockKey(key)
	defer unlock()

	if _, exists, err := l.store.Get(to, key); err != nil || exists {
		return
	}
	ent, ok, err := l.store.Get(from, key)
	if err != nil || !ok {
		return
	}
	if err := l.store.Put(to, key, ent); err != nil {
		l.log.Warn("carry dataset entry", zap.String("key", key), zap.Error(err))
	}
}
