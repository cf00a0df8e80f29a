package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	require.NoError(t, err)
	boltDB, err := NewBoltDB(filepath.Join(dir, "wallet.bolt"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = level.Close()
		_ = boltDB.Close()
	})
	return map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
		"bolt":    boltDB,
	}
}

func TestApplySetIncrementExpect(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Apply(ctx, []Mutation{
				Set("status/a", []byte("pending")),
				Increment("balance/a", 80),
				Increment("balance/a", 35),
			}))
			raw, err := db.Get(ctx, "balance/a")
			require.NoError(t, err)
			value, err := DecodeCounter(raw)
			require.NoError(t, err)
			require.Equal(t, int64(115), value)

			require.NoError(t, db.Apply(ctx, []Mutation{
				Expect("status/a", []byte("pending")),
				Set("status/a", []byte("approved")),
			}))
			raw, err = db.Get(ctx, "status/a")
			require.NoError(t, err)
			require.Equal(t, "approved", string(raw))

			_, err = db.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Apply(ctx, []Mutation{Set("status/r1", []byte("approved"))}))

			err := db.Apply(ctx, []Mutation{
				Increment("balance/b", 50),
				Expect("status/r1", []byte("pending")),
				Set("status/r1", []byte("approved")),
			})
			require.ErrorIs(t, err, ErrConflict)
			_, err = db.Get(ctx, "balance/b")
			require.ErrorIs(t, err, ErrNotFound, "increment before failed expectation must not land")

			err = db.Apply(ctx, []Mutation{
				Set("marker", []byte("x")),
				IncrementFloor("balance/b", -10, 0),
			})
			require.ErrorIs(t, err, ErrConflict)
			_, err = db.Get(ctx, "marker")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestExpectAbsent(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Apply(ctx, []Mutation{
				ExpectAbsent("account/a"),
				Set("account/a", []byte("{}")),
				Set("balance/a", EncodeCounter(0)),
			}))
			require.NoError(t, db.Apply(ctx, []Mutation{Increment("balance/a", 80)}))

			err := db.Apply(ctx, []Mutation{
				ExpectAbsent("account/a"),
				Set("account/a", []byte("{}")),
				Set("balance/a", EncodeCounter(0)),
			})
			require.ErrorIs(t, err, ErrConflict)
			raw, err := db.Get(ctx, "balance/a")
			require.NoError(t, err)
			require.Equal(t, "80", string(raw))

			err = db.Apply(ctx, []Mutation{
				Set("account/b", []byte("{}")),
				ExpectAbsent("account/b"),
			})
			require.ErrorIs(t, err, ErrConflict, "keys staged earlier in the batch count as present")
			_, err = db.Get(ctx, "account/b")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			const workers = 16
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- db.Apply(ctx, []Mutation{Increment("balance/shared", 2)})
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}
			raw, err := db.Get(ctx, "balance/shared")
			require.NoError(t, err)
			value, err := DecodeCounter(raw)
			require.NoError(t, err)
			require.Equal(t, int64(workers*2), value)
		})
	}
}

func TestIterateOrdersByKey(t *testing.T) {
	ctx := context.Background()
	for name, db := range backends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Apply(ctx, []Mutation{
				Set("account/c", []byte("3")),
				Set("account/a", []byte("1")),
				Set("account/b", []byte("2")),
				Set("balance/a", []byte("9")),
			}))
			var keys []string
			require.NoError(t, db.Iterate(ctx, "account/", func(key string, _ []byte) error {
				keys = append(keys, key)
				return nil
			}))
			require.Equal(t, []string{"account/a", "account/b", "account/c"}, keys)

			stop := errors.New("stop")
			err := db.Iterate(ctx, "account/", func(string, []byte) error { return stop })
			require.ErrorIs(t, err, stop)
		})
	}
}

func TestApplyHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	db := NewMemDB()
	err := db.Apply(ctx, []Mutation{Set("k", []byte("v"))})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCorruptCounterRejected(t *testing.T) {
	ctx := context.Background()
	db := NewMemDB()
	require.NoError(t, db.Apply(ctx, []Mutation{Set("balance/x", []byte("not-a-number"))}))
	err := db.Apply(ctx, []Mutation{Increment("balance/x", 1)})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConflict)
}

func TestPartialWriteErrorUnwraps(t *testing.T) {
	cause := errors.New("shard offline")
	err := error(&PartialWriteError{Applied: []string{"a"}, Pending: []string{"b"}, Err: cause})
	require.ErrorIs(t, err, cause)
	var partial *PartialWriteError
	require.True(t, errors.As(err, &partial))
	require.Equal(t, []string{"b"}, partial.Pending)
}

func TestOpenBackends(t *testing.T) {
	db, err := Open("memory", "")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open("cassandra", "x")
	require.Error(t, err)

	db, err = Open("bolt", filepath.Join(t.TempDir(), "x.bolt"))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
