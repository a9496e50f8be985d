package agent

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ent := CacheEntry{Status: 200, Header: http.Header{"Content-Type": {"text/csv"}}, Body: []byte("a,b\n1,2\n")}
	require.NoError(t, s.Put("app-v1", "GET https://x/y", ent))

	got, ok, err := s.Get("app-v1", "GET https://x/y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ent.Body, got.Body)
	assert.Equal(t, "text/csv", got.Header.Get("Content-Type"))

	_, ok, err = s.Get("app-v2", "GET https://x/y")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreGetReturnsPrivateCopy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("app-v1", "k", CacheEntry{Status: 200, Body: []byte("old")}))

	got, _, err := s.Get("app-v1", "k")
	require.NoError(t, err)
	got.Body[0] = 'X'

	again, _, err := s.Get("app-v1", "k")
	require.NoError(t, err)
	assert.Equal(t, "old", string(again.Body))
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := OpenStore(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.CreateGeneration("app-v1"))
	require.NoError(t, s.Put("app-v1", "k", CacheEntry{Status: 200, Body: []byte("body")}))
	require.NoError(t, s.SetActive("app-v1"))
	require.NoError(t, s.Close())

	s, err = OpenStore(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	active, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, "app-v1", active)
	got, ok, err := s.Get("app-v1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "body", string(got.Body))
}

func TestStoreGenerationsAndDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateGeneration("app-v1"))
	require.NoError(t, s.CreateGeneration("app-v2"))
	require.NoError(t, s.Put("app-v1", "a", CacheEntry{Body: []byte("1")}))
	require.NoError(t, s.Put("app-v2", "a", CacheEntry{Body: []byte("2")}))
	// entries without a marker still count as a generation
	require.NoError(t, s.Put("orphan-v9", "a", CacheEntry{Body: []byte("9")}))

	gens, err := s.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1", "app-v2", "orphan-v9"}, gens)

	require.NoError(t, s.DeleteGeneration("app-v1"))
	gens, err = s.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2", "orphan-v9"}, gens)

	_, ok, err := s.Get("app-v1", "a")
	require.NoError(t, err)
	assert.False(t, ok, "ram copy must go with the generation")

	keys, err := s.Keys("app-v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}

func TestCreateGenerationValidatesName(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.CreateGeneration("no-version"), ErrBadGeneration)
}

func TestActiveEmptyBeforeFirstActivation(t *testing.T) {
	s := newTestStore(t)
	active, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, "", active)
}

func TestRAMCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newRAMCache(30)
	c.Put("a", CacheEntry{Body: []byte("a")}, 10)
	c.Put("b", CacheEntry{Body: []byte("b")}, 10)
	c.Put("c", CacheEntry{Body: []byte("c")}, 10)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", CacheEntry{Body: []byte("d")}, 10)

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(30), c.TotalSize())
}

func TestRAMCacheSkipsOversizedAndDisabled(t *testing.T) {
	c := newRAMCache(5)
	c.Put("big", CacheEntry{}, 6)
	_, ok := c.Get("big")
	assert.False(t, ok)

	off := newRAMCache(0)
	off.Put("a", CacheEntry{}, 1)
	_, ok = off.Get("a")
	assert.False(t, ok)
}

func TestKeyLocksReleaseEntries(t *testing.T) {
	s := newTestStore(t)
	unlock := s.lockKey("k")
	unlock()
	s.keys.mu.Lock()
	defer s.keys.mu.Unlock()
	assert.Empty(t, s.keys.m)
}
