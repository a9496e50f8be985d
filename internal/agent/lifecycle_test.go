package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shell = []string{"/a.html", "/b.css"}

func newShellOrigin(t *testing.T) *origin {
	t.Helper()
	o := newOrigin(t)
	o.set("/a.html", "<html>v1</html>")
	o.set("/b.css", "body{color:red}")
	o.set(datasetPath, "B1")
	return o
}

func TestFirstInstallActivatesImmediately(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	page := &fakeClient{id: "p1"}
	a.clients.Add(page, "")

	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))

	st := a.lifecycle.Status()
	assert.Equal(t, "active", st.State)
	assert.Equal(t, "app-v1", st.Active)
	assert.Equal(t, 1, page.count(MsgControllerChange))
	assert.Zero(t, page.count(MsgUpdateWaiting))

	active, err := a.store.Active()
	require.NoError(t, err)
	assert.Equal(t, "app-v1", active)
}

func TestUpgradeWaitsUntilSkipWaiting(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))

	page := &fakeClient{id: "p1"}
	a.clients.Add(page, "app-v1")
	o.set("/a.html", "<html>v2</html>")

	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v2", shell))
	st := a.lifecycle.Status()
	assert.Equal(t, "waiting", st.State)
	assert.Equal(t, "app-v1", st.Active)
	assert.Equal(t, "app-v2", st.Waiting)
	assert.Equal(t, []Message{{Type: MsgUpdateWaiting, Generation: "app-v2"}}, page.messages())

	// pages keep being served by the old generation while v2 waits
	ent, hit, err := a.static.Serve(context.Background(), a.lifecycle.Active(), "/a.html", nil)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "<html>v1</html>", string(ent.Body))

	require.NoError(t, a.lifecycle.SkipWaiting())
	st = a.lifecycle.Status()
	assert.Equal(t, "active", st.State)
	assert.Equal(t, "app-v2", st.Active)
	assert.Empty(t, st.Waiting)

	gens, err := a.store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2"}, gens)
	assert.Equal(t, 1, page.count(MsgControllerChange))
	assert.Equal(t, "app-v2", a.clients.Snapshot()[0].Controller)

	ent, hit, err = a.static.Serve(context.Background(), a.lifecycle.Active(), "/a.html", nil)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "<html>v2</html>", string(ent.Body))
}

func TestFailedInstallKeepsPreviousGeneration(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))

	o.fail("/b.css", http.StatusInternalServerError)
	err := a.lifecycle.Install(context.Background(), "app-v2", shell)
	require.Error(t, err)

	st := a.lifecycle.Status()
	assert.Equal(t, "redundant", st.State)
	assert.Equal(t, "app-v1", st.Active)

	gens, err := a.store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1"}, gens)

	for _, p := range shell {
		_, hit, err := a.static.Serve(context.Background(), a.lifecycle.Active(), p, nil)
		require.NoError(t, err)
		assert.True(t, hit, p)
	}
}

func TestFailedFirstInstallLeavesNothingActive(t *testing.T) {
	o := newShellOrigin(t)
	o.fail("/b.css", http.StatusNotFound)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")

	require.Error(t, a.lifecycle.Install(context.Background(), "app-v1", shell))
	assert.Equal(t, "", a.lifecycle.Active())
	gens, err := a.store.Generations()
	require.NoError(t, err)
	assert.Empty(t, gens)
}

func TestInstallRejectsStaleGeneration(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v3", shell))

	assert.ErrorIs(t, a.lifecycle.Install(context.Background(), "app-v2", shell), ErrStaleGeneration)
	assert.NoError(t, a.lifecycle.Install(context.Background(), "app-v3", shell), "reinstalling the active generation is a no-op")
	assert.ErrorIs(t, a.lifecycle.Install(context.Background(), "app", shell), ErrBadGeneration)
	assert.Equal(t, "app-v3", a.lifecycle.Active())
}

func TestSkipWaitingDuringInstallIsRemembered(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("slow") == "1" {
			once.Do(func() { close(started) })
			<-release
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	a := newTestAgent(t, srv.URL, srv.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", []string{"/a.html"}))

	done := make(chan error, 1)
	go func() {
		done <- a.lifecycle.Install(context.Background(), "app-v2", []string{"/a.html?slow=1"})
	}()
	<-started
	assert.Equal(t, "installing", a.lifecycle.Status().State)
	require.NoError(t, a.lifecycle.SkipWaiting())
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, "app-v2", a.lifecycle.Active())
	assert.Equal(t, "active", a.lifecycle.Status().State)
}

func TestSkipWaitingIgnoredWhenNothingWaits(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.SkipWaiting())
	assert.Equal(t, "idle", a.lifecycle.Status().State)

	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))
	require.NoError(t, a.lifecycle.SkipWaiting())
	assert.Equal(t, "app-v1", a.lifecycle.Active())
}

func TestNewerInstallSupersedesWaitingGeneration(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v2", shell))
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v3", shell))

	st := a.lifecycle.Status()
	assert.Equal(t, "app-v3", st.Waiting)
	gens, err := a.store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1", "app-v3"}, gens)
}

func TestActivationCarriesDatasetForward(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))

	u := o.URL + datasetPath
	_, outcome, err := a.reval.Handle(context.Background(), u, nil)
	require.NoError(t, err)
	require.Equal(t, CacheMissNetworkOK, outcome)
	a.reval.Wait()

	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v2", shell))
	require.NoError(t, a.lifecycle.SkipWaiting())

	ent, ok, err := a.store.Get("app-v2", entryKey(http.MethodGet, u))
	require.NoError(t, err)
	require.True(t, ok, "dataset survives the upgrade")
	assert.Equal(t, "B1", string(ent.Body))

	// shell entries of the old generation are not copied
	keys, err := a.store.Keys("app-v2")
	require.NoError(t, err)
	assert.Len(t, keys, len(shell)+1)

	// and the next request is an offline-capable hit
	o.Close()
	ent, outcome, err = a.reval.Handle(context.Background(), u, nil)
	require.NoError(t, err)
	assert.Equal(t, CacheHitNoNetworkYet, outcome)
	assert.Equal(t, "B1", string(ent.Body))
}

func TestInstallWaitsForActivationInProgress(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))

	// enough dataset entries that carrying them forward takes a while
	for i := 0; i < 3000; i++ {
		key := entryKey(http.MethodGet, fmt.Sprintf("%s/spreadsheets/d/k%d/export", o.URL, i))
		require.NoError(t, a.store.Put("app-v1", key, CacheEntry{Status: http.StatusOK, Body: []byte("row")}))
	}
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v2", shell))
	require.Equal(t, "waiting", a.lifecycle.Status().State)

	skipped := make(chan error, 1)
	go func() { skipped <- a.lifecycle.SkipWaiting() }()
	require.Eventually(t, func() bool { return a.lifecycle.Active() == "app-v2" }, 5*time.Second, time.Millisecond)

	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v3", shell))
	require.NoError(t, <-skipped)

	st := a.lifecycle.Status()
	assert.Equal(t, "waiting", st.State)
	assert.Equal(t, "app-v2", st.Active)
	assert.Equal(t, "app-v3", st.Waiting)

	ok, err := a.store.HasGeneration("app-v3")
	require.NoError(t, err)
	assert.True(t, ok, "waiting generation keeps its marker")
	keys, err := a.store.Keys("app-v3")
	require.NoError(t, err)
	assert.Len(t, keys, len(shell))

	keys, err = a.store.Keys("app-v2")
	require.NoError(t, err)
	assert.Len(t, keys, len(shell)+3000)

	gens, err := a.store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2", "app-v3"}, gens)
}

func TestInstallDuringActivatingIsHeldBack(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))

	key := entryKey(http.MethodGet, o.URL+datasetPath)
	require.NoError(t, a.store.Put("app-v1", key, CacheEntry{Status: http.StatusOK, Body: []byte("B1")}))
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v2", shell))

	// holding the dataset key parks activation in the carry step
	unlock := a.store.lockKey(key)
	skipped := make(chan error, 1)
	go func() { skipped <- a.lifecycle.SkipWaiting() }()
	require.Eventually(t, func() bool { return a.lifecycle.Status().State == "activating" }, 5*time.Second, time.Millisecond)

	installed := make(chan error, 1)
	go func() { installed <- a.lifecycle.Install(context.Background(), "app-v3", shell) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "activating", a.lifecycle.Status().State)
	ok, err := a.store.HasGeneration("app-v3")
	require.NoError(t, err)
	assert.False(t, ok, "install does not start until activation is done")

	unlock()
	require.NoError(t, <-skipped)
	require.NoError(t, <-installed)

	st := a.lifecycle.Status()
	assert.Equal(t, "waiting", st.State)
	assert.Equal(t, "app-v2", st.Active)
	assert.Equal(t, "app-v3", st.Waiting)

	ent, ok, err := a.store.Get("app-v2", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B1", string(ent.Body))

	keys, err := a.store.Keys("app-v3")
	require.NoError(t, err)
	assert.Len(t, keys, len(shell))
	gens, err := a.store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2", "app-v3"}, gens)
}

func TestLifecycleResumesActiveFromStore(t *testing.T) {
	o := newShellOrigin(t)
	a := newTestAgent(t, o.URL, o.URL+"/spreadsheets/d/")
	require.NoError(t, a.lifecycle.Install(context.Background(), "app-v1", shell))

	again, err := newLifecycle(a.store, a.static, a.clients, Classifier{}, a.lifecycle.log)
	require.NoError(t, err)
	assert.Equal(t, "app-v1", again.Active())
	assert.Equal(t, "active", again.Status().State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "activating", StateActivating.String())
	assert.Equal(t, "unknown", State(42).String())
}
