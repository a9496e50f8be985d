package agent

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClient records every message it is sent.
type fakeClient struct {
	id   string
	fail bool

	mu     sync.Mutex
	msgs   []Message
	closed bool
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *fakeClient) count(t MessageType) int {
	n := 0
	for _, m := range c.messages() {
		if m.Type == t {
			n++
		}
	}
	return n
}

// origin is a test upstream whose per-path answers can be changed between
// requests.
type origin struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	hits   map[string]*atomic.Int64
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{bodies: map[string]string{}, status: map[string]int{}, hits: map[string]*atomic.Int64{}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		body, ok := o.bodies[r.URL.Path]
		status := o.status[r.URL.Path]
		h := o.hits[r.URL.Path]
		if h == nil {
			h = &atomic.Int64{}
			o.hits[r.URL.Path] = h
		}
		o.mu.Unlock()
		h.Add(1)

		if !ok {
			http.NotFound(w, r)
			return
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) set(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	delete(o.status, path)
	o.mu.Unlock()
}

func (o *origin) fail(path string, status int) {
	o.mu.Lock()
	o.bodies[path] = "boom"
	o.status[path] = status
	o.mu.Unlock()
}

func (o *origin) hitCount(path string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h := o.hits[path]; h != nil {
		return h.Load()
	}
	return 0
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemStore(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testAgent wires the agent components the way Service does, around an
// in-memory store.
type testAgent struct {
	store     *Store
	static    *StaticCache
	clients   *ClientSet
	lifecycle *Lifecycle
	reval     *Revalidator
	outcomes  *outcomeLog
}

type outcomeLog struct {
	mu  sync.Mutex
	got []Outcome
}

func (l *outcomeLog) add(o Outcome) {
	l.mu.Lock()
	l.got = append(l.got, o)
	l.mu.Unlock()
}

func (l *outcomeLog) list() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome(nil), l.got...)
}

func newTestAgent(t *testing.T, originURL, datasetPrefix string) *testAgent {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := newTestStore(t)
	f := newFetcher(5 * time.Second)
	classifier, err := NewClassifier(datasetPrefix)
	require.NoError(t, err)

	a := &testAgent{store: store, clients: NewClientSet(log), outcomes: &outcomeLog{}}
	a.static = newStaticCache(store, f, originURL, 2, log)
	a.lifecycle, err = newLifecycle(store, a.static, a.clients, classifier, log)
	require.NoError(t, err)
	a.reval = newRevalidator(store, f, a.lifecycle.Active, a.clients.Broadcast, a.outcomes.add, log)
	t.Cleanup(a.reval.Wait)
	return a
}
