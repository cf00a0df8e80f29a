package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a persistent Database backed by LevelDB. LevelDB batches are atomic
// but have no read-modify-write, so Apply serialises batches behind a mutex while
// it resolves increments and expectations.
type LevelDB struct {
	db *leveldb.DB
	mu sync.Mutex
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Get retrieves the value for a given key.
func (l *LevelDB) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, err := l.db.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return nil, ErrClosed
	case err != nil:
		return nil, fmt.Errorf("storage: leveldb get: %w", err)
	}
	return value, nil
}

// Iterate walks a consistent snapshot of the keys under prefix.
func (l *LevelDB) Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("storage: leveldb snapshot: %w", err)
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := string(iter.Key())
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("storage: leveldb iterate: %w", err)
	}
	return nil
}

// Apply resolves the batch and writes it with a single synced leveldb.Batch.
func (l *LevelDB) Apply(ctx context.Context, batch []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	order, staged, err := plan(batch, func(key string) ([]byte, bool, error) {
		value, err := l.db.Get([]byte(key), nil)
		switch {
		case errors.Is(err, leveldb.ErrNotFound):
			return nil, false, nil
		case err != nil:
			return nil, false, fmt.Errorf("storage: leveldb read %s: %w", key, err)
		}
		return value, true, nil
	})
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return nil
	}
	wb := new(leveldb.Batch)
	for _, key := range order {
		wb.Put([]byte(key), staged[key])
	}
	if err := l.db.Write(wb, &opt.WriteOptions{Sync: true}); err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("storage: leveldb write: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
