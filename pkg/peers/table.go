// Package peers holds the perceived network state of one participant: the
// latest accepted record per peer key. The table only stores; deciding what
// to accept is up to the owner.
package peers

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryandielhenn/impulse/internal/telemetry"
)

// Table maps peer keys (addresses or UUIDs) to the most recently accepted
// record. Entries are never removed.
type Table[T any] struct {
	mu    sync.Mutex
	data  map[string]T
	gauge prometheus.Gauge
}

// New returns an empty table reporting its size under the given metric
// label.
func New[T any](name string) *Table[T] {
	return &Table[T]{
		data:  make(map[string]T),
		gauge: telemetry.Peers.WithLabelValues(name),
	}
}

// Upsert stores v under key, replacing any previous entry. It reports
// whether the key was new.
func (t *Table[T]) Upsert(key string, v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.data[key]
	t.data[key] = v
	t.gauge.Set(float64(len(t.data)))
	return !ok
}

// Update applies fn to the current entry for key and stores the result.
// fn sees the zero value and ok=false for a missing key.
func (t *Table[T]) Update(key string, fn func(cur T, ok bool) T) T {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.data[key]
	next := fn(cur, ok)
	t.data[key] = next
	t.gauge.Set(float64(len(t.data)))
	return next
}

func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[key]
	return v, ok
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

// Snapshot returns a consistent copy of the whole table.
func (t *Table[T]) Snapshot() map[string]T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]T, len(t.data))
	for k, v := range t.data {
		out[k] = v
	}
	return out
}

// Keys returns the peer keys in sorted order.
func (t *Table[T]) Keys() []string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Entry is one row of an ordered snapshot.
type Entry[T any] struct {
	Key   string
	Value T
}

// Sorted returns a consistent snapshot ordered by key.
func (t *Table[T]) Sorted() []Entry[T] {
	t.mu.Lock()
	out := make([]Entry[T], 0, len(t.data))
	for k, v := range t.data {
		out = append(out, Entry[T]{Key: k, Value: v})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
