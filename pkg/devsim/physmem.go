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

package devsim

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
)

// region is a physically contiguous range backed by data.
type region struct {
	start uint64
	data  []byte
}

func (r region) end() uint64 { return r.start + uint64(len(r.data)) }

func regionLess(a, b region) bool { return a.start < b.start }

// physMem is a sparse physical address space.
type physMem struct {
	name string

	mu sync.RWMutex

	// regions is indexed by start address. Regions never overlap.
	//
	// +checklocks:mu
	regions *btree.BTreeG[region]
}

func newPhysMem(name string) *physMem {
	return &physMem{
		name:    name,
		regions: btree.NewG(8, regionLess),
	}
}

// add backs [start, start+len(data)) with data.
func (p *physMem) add(start uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions.ReplaceOrInsert(region{start: start, data: data})
}

// remove drops the region starting at start.
func (p *physMem) remove(start uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions.Delete(region{start: start})
}

// find returns the region containing addr.
//
// Preconditions: p.mu must be locked.
func (p *physMem) find(addr uint64) (region, bool) {
	var (
		r     region
		found bool
	)
	p.regions.DescendLessOrEqual(region{start: addr}, func(item region) bool {
		r, found = item, addr < item.end()
		return false
	})
	return r, found
}

// access calls fn on each backing slice of [addr, addr+n) in order.
func (p *physMem) access(addr, n uint64, fn func(b []byte)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for n > 0 {
		r, ok := p.find(addr)
		if !ok {
			return fmt.Errorf("%s: no memory at physical address %#x: %w", p.name, addr, linuxerr.EFAULT)
		}
		off := addr - r.start
		m := min(n, uint64(len(r.data))-off)
		fn(r.data[off : off+m])
		addr += m
		n -= m
	}
	return nil
}

// read copies [addr, addr+n) out of physical memory.
func (p *physMem) read(addr, n uint64) ([]byte, error) {
	out := make([]byte, 0, n)
	err := p.access(addr, n, func(b []byte) { out = append(out, b...) })
	return out, err
}

// write copies data to physical memory at addr.
func (p *physMem) write(addr uint64, data []byte) error {
	return p.access(addr, uint64(len(data)), func(b []byte) {
		n := copy(b, data)
		data = data[n:]
	})
}
