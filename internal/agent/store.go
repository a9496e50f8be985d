package agent

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	a:active            name of the active generation
//	g:<gen>             generationMeta
//	e:<gen>\x00<key>    CacheEntry
const (
	activeKey = "a:active"
	genPrefix = "g:"
	entPrefix = "e:"
)

type generationMeta struct {
	Name      string
	Version   int
	CreatedAt int64
}

// Store holds every cache generation in leveldb with a write-through RAM LRU
// in front of entry reads. Single-key reads and writes are atomic.
type Store struct {
	db   *leveldb.DB
	ram  *ramCache
	keys keyLocks
}

func OpenStore(path string, ramMax int64) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db, ram: newRAMCache(ramMax), keys: keyLocks{m: map[string]*keyLock{}}}, nil
}

// OpenMemStore returns a store backed by in-memory leveldb storage.
func OpenMemStore(ramMax int64) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, ram: newRAMCache(ramMax), keys: keyLocks{m: map[string]*keyLock{}}}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func entryDBKey(gen, key string) []byte {
	return []byte(entPrefix + gen + "\x00" + key)
}

func ramKey(gen, key string) string {
	return gen + "\x00" + key
}

// Get returns a private copy of the stored entry.
func (s *Store) Get(gen, key string) (CacheEntry, bool, error) {
	if ent, ok := s.ram.Get(ramKey(gen, key)); ok {
		return ent.Clone(), true, nil
	}
	b, err := s.db.Get(entryDBKey(gen, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	s.ram.Put(ramKey(gen, key), ent, int64(len(b)))
	return ent.Clone(), true, nil
}

func (s *Store) Put(gen, key string, ent CacheEntry) error {
	ent = ent.Clone()
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := s.db.Put(entryDBKey(gen, key), b, nil); err != nil {
		return err
	}
	s.ram.Put(ramKey(gen, key), ent, int64(len(b)))
	return nil
}

func (s *Store) Delete(gen, key string) error {
	s.ram.Delete(ramKey(gen, key))
	return s.db.Delete(entryDBKey(gen, key), nil)
}

// Keys lists the resource keys stored under gen, sorted.
func (s *Store) Keys(gen string) ([]string, error) {
	prefix := []byte(entPrefix + gen + "\x00")
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Usage reports entry count and encoded bytes stored under gen.
func (s *Store) Usage(gen string) (entries int, size int64, _ error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entPrefix+gen+"\x00")), nil)
	defer it.Release()
	for it.Next() {
		entries++
		size += int64(len(it.Value()))
	}
	return entries, size, it.Error()
}

func (s *Store) CreateGeneration(gen string) error {
	v, err := generationVersion(gen)
	if err != nil {
		return err
	}
	b, err := encodeGob(generationMeta{Name: gen, Version: v, CreatedAt: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	return s.db.Put([]byte(genPrefix+gen), b, nil)
}

func (s *Store) HasGeneration(gen string) (bool, error) {
	return s.db.Has([]byte(genPrefix+gen), nil)
}

// Generations lists every known generation name, including ones whose marker
// is missing but which still hold entries.
func (s *Store) Generations() ([]string, error) {
	seen := map[string]struct{}{}

	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		seen[strings.TrimPrefix(string(it.Key()), genPrefix)] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entPrefix)), nil)
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), entPrefix)
		if i := strings.IndexByte(rest, 0); i >= 0 {
			seen[rest[:i]] = struct{}{}
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteGeneration removes the generation marker and all of its entries in one batch.
func (s *Store) DeleteGeneration(gen string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + gen))

	it := s.db.NewIterator(util.BytesPrefix([]byte(entPrefix+gen+"\x00")), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.ram.DeletePrefix(gen + "\x00")
	return nil
}

// Active returns the active generation, or "" before the first activation.
func (s *Store) Active() (string, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) SetActive(gen string) error {
	return s.db.Put([]byte(activeKey), []byte(gen), nil)
}

// lockKey serializes read-compare-write sequences on one resource key across
// generations. The returned func releases it.
func (s *Store) lockKey(key string) (unlock func()) {
	return s.keys.lock(key)
}

// keyLocks serializes compare-and-write per resource key.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is an LRU bounded by encoded entry size. A zero budget disables it.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent CacheEntry, size int64) {
	if c.maxBytes <= 0 || size > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}

	for c.total > c.maxBytes && c.tail != nil {
		c.dropLocked(c.tail)
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(it)
		}
	}
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
