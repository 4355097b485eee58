// Package store is a local snapshot cache: the last known text of each
// document, kept so a host can show something before the first sync
// completes. It is a cache, not a source of truth; sync always wins.
package store

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

var ErrNotCached = errors.New("workspace: document not cached")

// 'T' for text snapshots; other record families get their own prefix.
const snapshotPrefix = byte('T')

type Store struct {
	db *pebble.DB

	// hash of the last written snapshot per document, so a session
	// re-saving an unchanged text does not hit the disk again
	mu     sync.Mutex
	hashes map[string]uint64
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot cache")
	}
	return &Store{db: db, hashes: make(map[string]uint64)}, nil
}

func snapshotKey(documentID string) []byte {
	key := make([]byte, 0, len(documentID)+1)
	key = append(key, snapshotPrefix)
	return append(key, documentID...)
}

func (s *Store) SaveSnapshot(documentID, text string) error {
	h := xxhash.Sum64String(text)
	s.mu.Lock()
	if prev, ok := s.hashes[documentID]; ok && prev == h {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.db.Set(snapshotKey(documentID), []byte(text), pebble.Sync); err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	s.mu.Lock()
	s.hashes[documentID] = h
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadSnapshot(documentID string) (string, error) {
	val, closer, err := s.db.Get(snapshotKey(documentID))
	if err == pebble.ErrNotFound {
		return "", ErrNotCached
	}
	if err != nil {
		return "", errors.Wrap(err, "load snapshot")
	}
	text := string(val)
	_ = closer.Close()
	return text, nil
}

func (s *Store) DeleteSnapshot(documentID string) error {
	if err := s.db.Delete(snapshotKey(documentID), pebble.Sync); err != nil {
		return errors.Wrap(err, "delete snapshot")
	}
	s.mu.Lock()
	delete(s.hashes, documentID)
	s.mu.Unlock()
	return nil
}

// Documents lists every cached document id.
func (s *Store) Documents() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{snapshotPrefix},
		UpperBound: []byte{snapshotPrefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterate snapshots")
	}
	defer it.Close()

	var ids []string
	for it.First(); it.Valid(); it.Next() {
		ids = append(ids, string(it.Key()[1:]))
	}
	return ids, errors.Wrap(it.Error(), "iterate snapshots")
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "close snapshot cache")
}
