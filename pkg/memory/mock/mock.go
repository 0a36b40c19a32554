// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control failures. Unlike the real backends it does not
// embed text: Query ranks records by the number of words they share with the
// query text, breaking ties by insertion order. All methods are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.New()
//	store.QueryErr[memory.PartitionNPCMemory] = errors.New("boom")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Store"); got != 1 {
//	    t.Errorf("expected 1 Store call, got %d", got)
//	}
package mock

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/koschei/pkg/memory"
	"github.com/MrWong99/koschei/pkg/provider/embeddings"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	records map[memory.Partition][]memory.Record
	nextID  int

	// BindErr is returned by [Store.Bind] when non-nil.
	BindErr error

	// StoreErr is returned by [Store.Store] for the given partition when
	// present. The record is not written.
	StoreErr map[memory.Partition]error

	// QueryErr is returned by [Store.Query] for the given partition when
	// present.
	QueryErr map[memory.Partition]error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records:  make(map[memory.Partition][]memory.Record),
		StoreErr: make(map[memory.Partition]error),
		QueryErr: make(map[memory.Partition]error),
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Records returns a copy of everything stored in p, in insertion order.
func (m *Store) Records(p memory.Partition) []memory.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.Record, 0, len(m.records[p]))
	for _, r := range m.records[p] {
		r.Metadata = maps.Clone(r.Metadata)
		out = append(out, r)
	}
	return out
}

// Reset clears all recorded calls without altering stored records or
// response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Bind implements [memory.Store].
func (m *Store) Bind(_ context.Context, p memory.Partition, e embeddings.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Bind", p, e)
	if !p.Valid() {
		return fmt.Errorf("mock: %q: %w", p, memory.ErrInvalidPartition)
	}
	return m.BindErr
}

// Store implements [memory.Store].
func (m *Store) Store(_ context.Context, p memory.Partition, text string, metadata map[string]string, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Store", p, text, maps.Clone(metadata), id)
	if !p.Valid() {
		return "", fmt.Errorf("mock: %q: %w", p, memory.ErrInvalidPartition)
	}
	if err := m.StoreErr[p]; err != nil {
		return "", err
	}
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("%s-%d", p.IDPrefix(), m.nextID)
	}
	rec := memory.Record{ID: id, Text: text, Metadata: memory.PrepareMetadata(metadata, id)}
	recs := m.records[p]
	if i := slices.IndexFunc(recs, func(r memory.Record) bool { return r.ID == id }); i >= 0 {
		recs[i] = rec
	} else {
		m.records[p] = append(recs, rec)
	}
	return id, nil
}

// Query implements [memory.Store].
func (m *Store) Query(_ context.Context, p memory.Partition, text string, k int, filter map[string]string) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Query", p, text, k, maps.Clone(filter))
	if !p.Valid() {
		return nil, fmt.Errorf("mock: %q: %w", p, memory.ErrInvalidPartition)
	}
	if k <= 0 {
		return nil, fmt.Errorf("mock: k=%d: %w", k, memory.ErrInvalidK)
	}
	if err := m.QueryErr[p]; err != nil {
		return nil, err
	}

	query := wordSet(text)
	type scored struct {
		rec   memory.Record
		score int
		pos   int
	}
	var hits []scored
	for i, r := range m.records[p] {
		if !memory.Matches(r.Metadata, filter) {
			continue
		}
		score := 0
		for w := range wordSet(r.Text) {
			if query[w] {
				score++
			}
		}
		r.Metadata = maps.Clone(r.Metadata)
		hits = append(hits, scored{rec: r, score: score, pos: i})
	}
	slices.SortStableFunc(hits, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.pos, b.pos)
	})

	out := make([]memory.Record, 0, min(k, len(hits)))
	for _, h := range hits[:min(k, len(hits))] {
		h.rec.Similarity = float32(h.score)
		out = append(out, h.rec)
	}
	return out, nil
}

// Count implements [memory.Store].
func (m *Store) Count(_ context.Context, p memory.Partition) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Count", p)
	if !p.Valid() {
		return 0, fmt.Errorf("mock: %q: %w", p, memory.ErrInvalidPartition)
	}
	return len(m.records[p]), nil
}

// Ping implements [memory.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	return nil
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ".,!?:;\"'")] = true
	}
	return out
}

var _ memory.Store = (*Store)(nil)
