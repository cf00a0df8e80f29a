package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict is returned by Apply when an expectation or increment floor fails.
	// Nothing from the batch is written in that case.
	ErrConflict = errors.New("storage: precondition failed")
	// ErrClosed is returned once the database has been closed.
	ErrClosed = errors.New("storage: database closed")
)

// Op identifies the kind of change a Mutation applies.
type Op uint8

const (
	// OpSet overwrites the key with Value.
	OpSet Op = iota + 1
	// OpIncrement adds Delta to the decimal counter stored under the key. A missing
	// key counts as zero.
	OpIncrement
	// OpExpect asserts the key currently holds Value. It writes nothing.
	OpExpect
	// OpAbsent asserts the key does not exist yet. It writes nothing.
	OpAbsent
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpIncrement:
		return "increment"
	case OpExpect:
		return "expect"
	case OpAbsent:
		return "absent"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Mutation is a single keyed change inside an atomic batch.
type Mutation struct {
	Key   string
	Op    Op
	Value []byte
	Delta int64
	// Floor, when set on an increment, rejects the batch if the result would drop
	// below it.
	Floor *int64
}

// Set builds an absolute write.
func Set(key string, value []byte) Mutation {
	return Mutation{Key: key, Op: OpSet, Value: value}
}

// Increment builds a relative counter update.
func Increment(key string, delta int64) Mutation {
	return Mutation{Key: key, Op: OpIncrement, Delta: delta}
}

// IncrementFloor builds a relative counter update that must not leave the counter
// below floor.
func IncrementFloor(key string, delta, floor int64) Mutation {
	f := floor
	return Mutation{Key: key, Op: OpIncrement, Delta: delta, Floor: &f}
}

// Expect builds a compare precondition.
func Expect(key string, value []byte) Mutation {
	return Mutation{Key: key, Op: OpExpect, Value: value}
}

// ExpectAbsent builds a precondition that the key is missing, including from
// earlier mutations in the same batch.
func ExpectAbsent(key string) Mutation {
	return Mutation{Key: key, Op: OpAbsent}
}

// PartialWriteError reports that a backend without multi-key transactions applied
// only part of a batch. State has diverged and needs reconciliation.
type PartialWriteError struct {
	Applied []string
	Pending []string
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("storage: partial write (%d applied, %d pending): %v", len(e.Applied), len(e.Pending), e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Database is the key-value contract shared by every backend. Apply must commit a
// batch all-or-nothing and serialise concurrent batches so increments never lose
// updates; a backend that cannot guarantee this reports *PartialWriteError.
// MemDB, LevelDB and BoltDB commit atomically and never return it.
type Database interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Iterate visits every key with the prefix in ascending key order. Returning a
	// non-nil error from fn stops the iteration and is returned as-is.
	Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Apply(ctx context.Context, batch []Mutation) error
	Close() error
}

// DecodeCounter parses a counter value written by OpIncrement. Nil reads as zero.
func DecodeCounter(raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("storage: decode counter: %w", err)
	}
	return value, nil
}

// EncodeCounter renders a counter value.
func EncodeCounter(value int64) []byte {
	return []byte(strconv.FormatInt(value, 10))
}

// reader exposes the current value of a key while a batch is being planned.
type reader func(key string) ([]byte, bool, error)

// plan resolves a batch against the current state and returns the final values to
// write, in first-touched order. Later mutations on the same key observe earlier
// ones. Nothing is written by plan itself.
func plan(batch []Mutation, read reader) ([]string, map[string][]byte, error) {
	order := make([]string, 0, len(batch))
	staged := make(map[string][]byte, len(batch))
	current := func(key string) ([]byte, bool, error) {
		if value, ok := staged[key]; ok {
			return value, true, nil
		}
		return read(key)
	}
	for i, m := range batch {
		if strings.TrimSpace(m.Key) == "" {
			return nil, nil, fmt.Errorf("storage: mutation %d: key required", i)
		}
		switch m.Op {
		case OpSet:
			if _, ok := staged[m.Key]; !ok {
				order = append(order, m.Key)
			}
			staged[m.Key] = append([]byte(nil), m.Value...)
		case OpIncrement:
			raw, _, err := current(m.Key)
			if err != nil {
				return nil, nil, err
			}
			value, err := DecodeCounter(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("%w (key %s)", err, m.Key)
			}
			next := value + m.Delta
			if m.Floor != nil && next < *m.Floor {
				return nil, nil, fmt.Errorf("%w: %s would drop to %d", ErrConflict, m.Key, next)
			}
			if _, ok := staged[m.Key]; !ok {
				order = append(order, m.Key)
			}
			staged[m.Key] = EncodeCounter(next)
		case OpExpect:
			raw, ok, err := current(m.Key)
			if err != nil {
				return nil, nil, err
			}
			if !ok || string(raw) != string(m.Value) {
				return nil, nil, fmt.Errorf("%w: %s", ErrConflict, m.Key)
			}
		case OpAbsent:
			_, ok, err := current(m.Key)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				return nil, nil, fmt.Errorf("%w: %s exists", ErrConflict, m.Key)
			}
		default:
			return nil, nil, fmt.Errorf("storage: mutation %d: unsupported op %s", i, m.Op)
		}
	}
	return order, staged, nil
}
