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

package handletable

import (
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type entry struct {
	handle uint64
	uses   int
}

func (e *entry) Handle() uint64 { return e.handle }

func TestInsertLookupRemove(t *testing.T) {
	tbl := New[*entry](48, 0x20140702)
	for h := uint64(1); h <= 100; h++ {
		tbl.Insert(&entry{handle: h << 12})
	}
	if got, want := tbl.Len(), 100; got != want {
		t.Fatalf("Len got %d, want %d", got, want)
	}

	e, ok := tbl.Lookup(7<<12, func(e *entry) { e.uses++ })
	if !ok {
		t.Fatalf("Lookup(%#x) failed", 7<<12)
	}
	if e.uses != 1 {
		t.Errorf("uses got %d, want 1", e.uses)
	}

	if _, ok := tbl.Remove(7 << 12); !ok {
		t.Fatalf("Remove(%#x) failed", 7<<12)
	}
	if _, ok := tbl.Lookup(7<<12, nil); ok {
		t.Errorf("Lookup after Remove succeeded")
	}
	if _, ok := tbl.Remove(7 << 12); ok {
		t.Errorf("second Remove succeeded")
	}
	if got, want := tbl.Len(), 99; got != want {
		t.Errorf("Len got %d, want %d", got, want)
	}
}

func TestForEach(t *testing.T) {
	tbl := New[*entry](3, 1)
	want := []uint64{1, 2, 3, 5, 8, 13}
	for _, h := range want {
		tbl.Insert(&entry{handle: h})
	}
	var got []uint64
	tbl.ForEach(func(e *entry) { got = append(got, e.handle) })
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ForEach mismatch (-want +got):\n%s", diff)
	}
}

func TestShardSpread(t *testing.T) {
	tbl := New[*entry](100, 0x20120106)
	used := make(map[int]bool)
	for h := uint64(1); h <= 1000; h++ {
		used[tbl.shardIndex(h)] = true
	}
	// Sequential handles must not collapse onto a few shards.
	if len(used) < 90 {
		t.Errorf("1000 handles landed on %d of 100 shards", len(used))
	}
}

func TestDoOnUnlinked(t *testing.T) {
	tbl := New[*entry](4, 0)
	e := &entry{handle: 42}
	tbl.Insert(e)
	tbl.Remove(42)
	called := false
	tbl.Do(42, func(b *Bucket[*entry]) {
		called = true
		if _, ok := b.Get(42); ok {
			t.Errorf("Get found a removed entry")
		}
	})
	if !called {
		t.Errorf("Do did not call fn")
	}
}

func TestDuplicateInsertPanics(t *testing.T) {
	tbl := New[*entry](4, 0)
	tbl.Insert(&entry{handle: 1})
	defer func() {
		if recover() == nil {
			t.Errorf("duplicate Insert did not panic")
		}
	}()
	tbl.Insert(&entry{handle: 1})
}

func TestHandleMismatchPanics(t *testing.T) {
	tbl := New[*entry](4, 0)
	e := &entry{handle: 1}
	tbl.Insert(e)
	e.handle = 2
	defer func() {
		if recover() == nil {
			t.Errorf("Lookup of an entry with a changed handle did not panic")
		}
	}()
	tbl.Lookup(1, nil)
}

func TestConcurrent(t *testing.T) {
	tbl := New[*entry](8, 7)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := uint64(g*1000 + i + 1)
				tbl.Insert(&entry{handle: h})
				if _, ok := tbl.Lookup(h, func(e *entry) { e.uses++ }); !ok {
					t.Errorf("Lookup(%d) failed", h)
				}
				if i%2 == 0 {
					tbl.Remove(h)
				}
			}
		}(g)
	}
	wg.Wait()
	if got, want := tbl.Len(), 8*100; got != want {
		t.Errorf("Len got %d, want %d", got, want)
	}
}
