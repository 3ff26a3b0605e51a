// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handletable provides a hash-sharded table of entries keyed by an
// opaque 64-bit handle.
//
// Each shard has its own lock, so operations on unrelated handles never
// contend. Callers that keep per-entry state (reference counts, waiters)
// mutate it inside Do, under the lock of the shard that owns the handle.
// That lock is held whether or not the entry is still linked, so state of
// an entry that has been removed can still be updated consistently.
package handletable

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry is an object stored in a Table.
type Entry interface {
	// Handle returns the entry's own identity. It must not change while
	// the entry is linked.
	Handle() uint64
}

// Table is a hash-sharded table of entries.
type Table[E Entry] struct {
	seed   uint64
	shards []Bucket[E]
}

// Bucket is one shard of a Table. Its methods may only be called from
// within Table.Do or Table.ForEach, which hold mu.
type Bucket[E Entry] struct {
	mu sync.Mutex

	// entries is the shard's chain.
	//
	// +checklocks:mu
	entries map[uint64]E
}

// New returns a table with n shards. seed perturbs shard selection.
func New[E Entry](n int, seed uint64) *Table[E] {
	if n <= 0 {
		panic(fmt.Sprintf("handletable: invalid shard count %d", n))
	}
	t := &Table[E]{
		seed:   seed,
		shards: make([]Bucket[E], n),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint64]E)
	}
	return t
}

// Shards returns the number of shards.
func (t *Table[E]) Shards() int {
	return len(t.shards)
}

// shardIndex returns the index of the shard that owns h.
func (t *Table[E]) shardIndex(h uint64) int {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], t.seed)
	binary.LittleEndian.PutUint64(b[8:], h)
	return int(xxhash.Sum64(b[:]) % uint64(len(t.shards)))
}

// Do calls fn with the lock of h's shard held. fn must not block.
func (t *Table[E]) Do(h uint64, fn func(b *Bucket[E])) {
	b := &t.shards[t.shardIndex(h)]
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// Insert links e. It panics if e's handle is already linked.
func (t *Table[E]) Insert(e E) {
	t.Do(e.Handle(), func(b *Bucket[E]) { b.Insert(e) })
}

// Lookup returns the entry for h. If fn is not nil, it is called with the
// entry before the shard lock is released, so that a reference can be taken
// atomically with the search.
func (t *Table[E]) Lookup(h uint64, fn func(e E)) (E, bool) {
	var (
		e  E
		ok bool
	)
	t.Do(h, func(b *Bucket[E]) {
		if e, ok = b.Get(h); ok && fn != nil {
			fn(e)
		}
	})
	return e, ok
}

// Remove unlinks the entry for h and returns it.
func (t *Table[E]) Remove(h uint64) (E, bool) {
	var (
		e  E
		ok bool
	)
	t.Do(h, func(b *Bucket[E]) {
		e, ok = b.Remove(h)
	})
	return e, ok
}

// ForEach calls fn for every linked entry, one shard at a time, with that
// shard's lock held. Entries are visited in no particular order. fn must
// not block.
func (t *Table[E]) ForEach(fn func(e E)) {
	for i := range t.shards {
		b := &t.shards[i]
		b.mu.Lock()
		for _, e := range b.entries {
			fn(e)
		}
		b.mu.Unlock()
	}
}

// Len returns the number of linked entries.
func (t *Table[E]) Len() int {
	n := 0
	for i := range t.shards {
		b := &t.shards[i]
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}

// Get returns the entry for h.
//
// Precondition: b.mu must be locked.
func (b *Bucket[E]) Get(h uint64) (E, bool) {
	e, ok := b.entries[h]
	if ok && e.Handle() != h {
		panic(fmt.Sprintf("handletable: entry linked as %#x reports handle %#x", h, e.Handle()))
	}
	return e, ok
}

// Insert links e.
//
// Precondition: b.mu must be locked.
func (b *Bucket[E]) Insert(e E) {
	h := e.Handle()
	if _, ok := b.entries[h]; ok {
		panic(fmt.Sprintf("handletable: handle %#x is already linked", h))
	}
	b.entries[h] = e
}

// Remove unlinks the entry for h.
//
// Precondition: b.mu must be locked.
func (b *Bucket[E]) Remove(h uint64) (E, bool) {
	e, ok := b.Get(h)
	if ok {
		delete(b.entries, h)
	}
	return e, ok
}
