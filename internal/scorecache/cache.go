// Package scorecache persists predicted stability scores in BadgerDB so a
// gateway restart or a repeated candidate does not re-run the predictor.
package scorecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("scorecache: closed")

const keyPrefix = byte(0x01)

// Cache is a badger-backed score cache. Safe for concurrent use.
type Cache struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a cache in dir. An empty dir gives an in-memory cache.
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open score cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func cacheKey(sequence string) []byte {
	return append([]byte{keyPrefix}, sequence...)
}

// Get returns the cached score for sequence. Read errors count as misses.
func (c *Cache) Get(sequence string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, false
	}

	var score float64
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(sequence))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt score entry: %d bytes", len(val))
			}
			score = math.Float64frombits(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return 0, false
	}
	return score, true
}

// Put stores the score for sequence.
func (c *Cache) Put(sequence string, score float64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(score))
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(sequence), buf[:])
	})
}

// Len counts cached entries.
func (c *Cache) Len() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}

	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{keyPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close flushes and closes the underlying database. Safe to call twice.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
