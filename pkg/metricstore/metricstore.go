// Package metricstore is the MetricStore of spec §4.3: a concurrent keyed
// aggregator over reals, exposing only the atomic single-key primitives
// named in §4.3 and §5 ("MetricStore is the only shared mutable structure;
// it exposes only atomic single-key primitives"). It generalizes the
// source system's global ETS-table idiom (§9) into a single-mutex map.
package metricstore

import (
	"errors"
	"fmt"
	"sync"
)

// Op is an aggregation operation applied by Add.
type Op string

const (
	OpSum     Op = "SUM"
	OpMin     Op = "MIN"
	OpMax     Op = "MAX"
	OpCount   Op = "COUNT"
	OpAverage Op = "AVERAGE"
	OpLast    Op = "LAST"
)

// ErrEntryNotFound and ErrTableNotFound are the two failure modes named in §4.3.
var (
	ErrEntryNotFound = errors.New("metricstore: entry not found")
	ErrTableNotFound = errors.New("metricstore: table not found")
)

type entry struct {
	op    Op
	value float64
	// sum/count back the AVERAGE op's running (sum,count) state (§4.3).
	sum   float64
	count float64
}

// Store is the concurrent keyed aggregator. The zero value is not usable;
// construct with New.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string]*entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]map[string]*entry)}
}

// CreateTable registers table if it does not already exist. Idempotent:
// callers (BatchStore, MetricActor startup) may call it unconditionally.
func (s *Store) CreateTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[string]*entry)
	}
}

// Create initializes key in table with op and an initial value. Fails if the
// key already exists (§4.3: "add never implicitly creates" implies the
// inverse too — create must not silently overwrite).
func (s *Store) Create(table, key string, op Op, initial float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	if _, exists := t[key]; exists {
		return fmt.Errorf("metricstore: key %q already exists in table %q", key, table)
	}

	e := &entry{op: op, value: initial}
	if op == OpAverage {
		e.sum = initial
		e.count = 0
	}
	t[key] = e
	return nil
}

// Add applies op to key's current value and returns the new value (§4.3):
//   - sum: value += delta
//   - min/max: monotone update
//   - count: value += 1, ignoring delta
//   - last: value = delta
//   - average: running (sum, count); returns sum/count
//
// Add never implicitly creates a key — callers must Create first under their
// own per-key guard (§4.3).
func (s *Store) Add(table, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	e, ok := t[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrEntryNotFound, table, key)
	}

	switch e.op {
	case OpSum:
		e.value += delta
	case OpMin:
		if delta < e.value {
			e.value = delta
		}
	case OpMax:
		if delta > e.value {
			e.value = delta
		}
	case OpCount:
		e.value++
	case OpLast:
		e.value = delta
	case OpAverage:
		e.sum += delta
		e.count++
		if e.count > 0 {
			e.value = e.sum / e.count
		}
	default:
		return 0, fmt.Errorf("metricstore: unknown op %q", e.op)
	}

	return e.value, nil
}

// Get returns key's current value.
func (s *Store) Get(table, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	e, ok := t[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrEntryNotFound, table, key)
	}
	return e.value, nil
}

// Reset replaces key's value (used by "reset" metric types on flush, §4.5).
func (s *Store) Reset(table, key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	e, ok := t[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrEntryNotFound, table, key)
	}
	e.value = value
	if e.op == OpAverage {
		e.sum = value
		e.count = 0
	}
	return nil
}

// Delete removes key from table, if present. Deleting a missing key is not
// an error (used by BatchStore.ClearInterval, which scans then deletes).
func (s *Store) Delete(table, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[table]; ok {
		delete(t, key)
	}
}

// ScanKeys returns every key currently in table.
func (s *Store) ScanKeys(table string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	return keys, nil
}

// ScanPrefix returns every key in table with the given prefix, used by
// BatchStore to enumerate one tick's staged entries (§4.4).
func (s *Store) ScanPrefix(table, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	var keys []string
	for k := range t {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
