package storage

import (
	"encoding/json"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/pkg/errors"
)

// maxConflictRetries bounds how often a conflicting transaction is replayed
const maxConflictRetries = 5

// ErrExists is returned by InsertIfAbsent when the key is already present
var ErrExists = errors.New("key already exists")

// Store represents a BadgerDB storage instance
type Store struct {
	db       *badger.DB
	logger   *logger.Logger
	inMemory bool
}

// New creates a new BadgerDB storage instance. An empty dataDir opens an in-memory database.
func New(dataDir string) (*Store, error) {
	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		absPath, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get absolute path")
		}
		opts = badger.DefaultOptions(absPath)
	}
	opts.Logger = nil // Disable Badger's internal logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open BadgerDB")
	}

	s := &Store{db: db, logger: logger.New("storage"), inMemory: dataDir == ""}
	if dataDir == "" {
		s.logger.Info("BadgerDB opened in memory")
	} else {
		s.logger.Info("BadgerDB opened at %s", opts.Dir)
	}
	return s, nil
}

// Close closes the BadgerDB database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertIfAbsent stores value under key only if the key does not exist yet.
// Concurrent inserts of the same key conflict in Badger; the loser is replayed
// and then observes ErrExists.
func (s *Store) InsertIfAbsent(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value")
	}

	for attempt := 0; ; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(key))
			if err == nil {
				return ErrExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set([]byte(key), data)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			s.logger.Debug("transaction conflict on %s, retrying", key)
			continue
		}
		return err
	}
}

// Has reports whether a key exists
func (s *Store) Has(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to look up key")
	}
	return true, nil
}

// List returns all keys with a given prefix
func (s *Store) List(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())
			keys = append(keys, key)
		}
		return nil
	})

	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}

	return keys, nil
}

// Count returns the number of keys with a given prefix
func (s *Store) Count(prefix string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to count keys")
	}
	return n, nil
}

// RunGC runs garbage collection on the database
func (s *Store) RunGC() error {
	if s.inMemory {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	// Only report when GC actually failed
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}
