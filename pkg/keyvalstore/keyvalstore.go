// Package keyvalstore wraps BadgerDB for the journal, index and
// content stores. It is the only package that talks to badger
// directly.
package keyvalstore

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Read when the key does not exist.
var ErrNotFound = errors.New("keyvalstore: key not found")

type StoreConfig struct {
	Path string
	// SyncWrites forces every write to disk before returning. The
	// journal store needs this; the index store does not, since the
	// index is allowed to lag committed filesystem state.
	SyncWrites bool
	// MinimumFreeGB refuses to open the store when the volume holding
	// Path has less free space than this.
	MinimumFreeGB uint
	Logger        *logrus.Logger
}

type Store struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func Open(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}
	if config.Path == "" {
		return nil, fmt.Errorf("keyvalstore: path must not be empty")
	}
	if err := os.MkdirAll(config.Path, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", config.Path, err)
	}
	if err := checkFreeSpace(config.Path, config.MinimumFreeGB); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", config.Path, err)
	}

	return &Store{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}, nil
}

func (s *Store) Write(key []byte, content []byte) error {
	atomic.AddUint64(&s.writeCounter, 1)
	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

// WriteBatch writes all pairs in a single transaction; either all land
// or none do.
func (s *Store) WriteBatch(batch [][2][]byte) error {
	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			atomic.AddUint64(&s.writeCounter, 1)
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write batch of %d keys: %w", len(batch), err)
	}
	return nil
}

// WriteStream writes pairs through badger's write batcher, which
// splits them across as many transactions as needed and so never hits
// the single-transaction size limit. Unlike WriteBatch it is not
// atomic; callers sequence a final marker write when they need
// all-or-nothing visibility.
func (s *Store) WriteStream(batch [][2][]byte) error {
	wb := s.badgerDB.NewWriteBatch()
	defer wb.Cancel()
	for _, kv := range batch {
		atomic.AddUint64(&s.writeCounter, 1)
		if err := wb.Set(kv[0], kv[1]); err != nil {
			return fmt.Errorf("stream key %q: %w", kv[0], err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush stream of %d keys: %w", len(batch), err)
	}
	return nil
}

func (s *Store) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&s.readCounter, 1)
	var value []byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Has(key []byte) (bool, error) {
	atomic.AddUint64(&s.readCounter, 1)
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check key %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) Delete(key []byte) error {
	atomic.AddUint64(&s.writeCounter, 1)
	err := s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

// Update exposes a read-modify-write transaction for callers that need
// atomicity across a read and a dependent write (the content store's
// refcounts).
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&s.writeCounter, 1)
	return s.badgerDB.Update(fn)
}

// GetItemsWithPrefix returns all key/value pairs under the given
// prefix, in key order.
func (s *Store) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	atomic.AddUint64(&s.readCounter, 1)
	var keysAndValues [][2][]byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [2][]byte{k, v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan prefix %q: %w", prefix, err)
	}
	return keysAndValues, nil
}

// DeleteWithPrefix removes every key under the given prefix.
func (s *Store) DeleteWithPrefix(prefix []byte) error {
	items, err := s.GetItemsWithPrefix(prefix)
	if err != nil {
		return err
	}
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range items {
			atomic.AddUint64(&s.writeCounter, 1)
			if err := txn.Delete(kv[0]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Sync() error {
	if err := s.badgerDB.Sync(); err != nil {
		return fmt.Errorf("sync db: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.badgerDB.Sync(); err != nil {
		s.log.WithError(err).Warn("sync before close failed")
	}
	return s.badgerDB.Close()
}

// Clean syncs, flattens and garbage-collects the value log. Called on
// idle engines, not on every batch.
func (s *Store) Clean() error {
	if err := s.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	if err := s.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	s.log.Info("DB flattened")
	if err := s.badgerDB.RunValueLogGC(0.1); err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}
