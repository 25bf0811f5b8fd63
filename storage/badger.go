package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "checkpoint:"

// BadgerStore is a KeyValueStore backed by a Badger database.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
}

// OpenBadger opens (or creates) a Badger database in dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpenBadger",
		"dir":       dir,
		"in_memory": dir == "",
	}).Info("Opened checkpoint database")

	return &BadgerStore{db: db, ownsDB: true}, nil
}

// NewBadgerStore wraps an already open database. Close does not close db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get implements interfaces.KeyValueStore.
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out, nil
}

// Put implements interfaces.KeyValueStore.
func (s *BadgerStore) Put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Remove implements interfaces.KeyValueStore. Removing an absent key is not
// an error.
func (s *BadgerStore) Remove(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys returns every stored key, without the internal prefix.
func (s *BadgerStore) Keys() ([]string, error) {
	var keys []string
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Close closes the database if this store opened it.
func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
