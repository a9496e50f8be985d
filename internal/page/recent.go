package page

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const MaxRecent = 5

var recentKey = []byte("recentMedications")

// PushRecent puts m at the front of list, dropping any older entry with the
// same generic name and trimming to max. list is not modified.
func PushRecent(list []Medication, m Medication, max int) []Medication {
	out := make([]Medication, 0, len(list)+1)
	out = append(out, m)
	for _, cur := range list {
		if cur.GenericName() == m.GenericName() {
			continue
		}
		out = append(out, cur)
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// RecentStore persists the recently viewed list in a local leveldb.
type RecentStore struct {
	db *leveldb.DB
}

func OpenRecentStore(path string) (*RecentStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open recent store %s: %w", path, err)
	}
	return &RecentStore{db: db}, nil
}

func OpenMemRecentStore() (*RecentStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &RecentStore{db: db}, nil
}

func (s *RecentStore) Close() error { return s.db.Close() }

// Load returns the saved list; a missing or unreadable record is an empty list.
func (s *RecentStore) Load() ([]Medication, error) {
	b, err := s.db.Get(recentKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Medication
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, nil
	}
	return out, nil
}

func (s *RecentStore) Save(list []Medication) error {
	if len(list) == 0 {
		return s.Clear()
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.db.Put(recentKey, b, nil)
}

func (s *RecentStore) Clear() error {
	return s.db.Delete(recentKey, nil)
}
