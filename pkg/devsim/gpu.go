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

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/log"
	"github.com/lycheenice/nvme-kmod/pkg/p2p"
)

const (
	// gpuVABase is the first GPU virtual address handed out.
	gpuVABase = 0x7f0000000000

	// gpuPhysBase is the bus address of the first device page.
	gpuPhysBase = 0xd000000000
)

// gpuAlloc is one GPU memory allocation.
type gpuAlloc struct {
	va    uint64
	size  uint64
	pages []uint64
}

// gpuPin is a page table handed out by GetPages.
type gpuPin struct {
	alloc *gpuAlloc
	free  func()
}

// GPU simulates GPU device memory and the P2P pinning facility.
type GPU struct {
	pageCode strom.P2PPageSize
	pageSize uint64
	scatter  bool
	phys     *physMem

	mu sync.Mutex

	// +checklocks:mu
	nextVA uint64

	// +checklocks:mu
	nextPhys uint64

	// +checklocks:mu
	allocs map[uint64]*gpuAlloc

	// +checklocks:mu
	pins map[*p2p.PageTable]*gpuPin
}

// NewGPU returns a GPU whose P2P page tables report pageCode. If scatter is
// set, consecutive device pages are not physically adjacent.
func NewGPU(pageCode strom.P2PPageSize, scatter bool) *GPU {
	size := pageCode.Bytes()
	if size == 0 {
		// Unknown codes are still reported as-is, over 64K pages.
		size = 64 << 10
	}
	return &GPU{
		pageCode: pageCode,
		pageSize: size,
		scatter:  scatter,
		phys:     newPhysMem("gpu"),
		nextVA:   gpuVABase,
		nextPhys: gpuPhysBase,
		allocs:   make(map[uint64]*gpuAlloc),
		pins:     make(map[*p2p.PageTable]*gpuPin),
	}
}

// PageSize returns the device page size in bytes.
func (g *GPU) PageSize() uint64 { return g.pageSize }

// Alloc allocates size bytes of device memory and returns its virtual
// address, which is aligned to the GPU bound.
func (g *GPU) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, linuxerr.EINVAL
	}
	align := max(g.pageSize, hostarch.GPUPageSize)
	rounded, ok := hostarch.Addr(size).AlignUp(align)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := &gpuAlloc{va: g.nextVA, size: uint64(rounded)}
	g.nextVA += uint64(rounded) + align
	for off := uint64(0); off < a.size; off += g.pageSize {
		phys := g.nextPhys
		g.nextPhys += g.pageSize
		if g.scatter {
			g.nextPhys += g.pageSize
		}
		a.pages = append(a.pages, phys)
		g.phys.add(phys, make([]byte, g.pageSize))
	}
	g.allocs[a.va] = a
	return a.va, nil
}

// findAlloc returns the allocation containing [va, va+length).
//
// Preconditions: g.mu must be locked.
func (g *GPU) findAlloc(va, length uint64) (*gpuAlloc, bool) {
	for _, a := range g.allocs {
		if va >= a.va && va+length <= a.va+a.size {
			return a, true
		}
	}
	return nil, false
}

// Free releases the allocation at va. Every page table pinned on it is
// revoked first, as the GPU driver does; Free blocks until the revocation
// callbacks return.
func (g *GPU) Free(va uint64) error {
	g.mu.Lock()
	a, ok := g.allocs[va]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("devsim: no GPU allocation at %#x: %w", va, linuxerr.EINVAL)
	}
	var callbacks []func()
	for _, pin := range g.pins {
		if pin.alloc == a {
			callbacks = append(callbacks, pin.free)
		}
	}
	g.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for pt, pin := range g.pins {
		if pin.alloc == a {
			log.Warningf("devsim: page table %p of GPU allocation %#x was not released by its revocation callback", pt, va)
			delete(g.pins, pt)
		}
	}
	for _, phys := range a.pages {
		g.phys.remove(phys)
	}
	delete(g.allocs, va)
	return nil
}

// Read returns n bytes of device memory at va.
func (g *GPU) Read(va, n uint64) ([]byte, error) {
	g.mu.Lock()
	a, ok := g.findAlloc(va, n)
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("devsim: GPU range %#x+%#x is not allocated: %w", va, n, linuxerr.EFAULT)
	}
	out := make([]byte, 0, n)
	for n > 0 {
		off := va - a.va
		idx := off / g.pageSize
		in := off % g.pageSize
		m := min(n, g.pageSize-in)
		b, err := g.phys.read(a.pages[idx]+in, m)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		va += m
		n -= m
	}
	return out, nil
}

// write stores data at device bus address addr.
func (g *GPU) write(addr uint64, data []byte) error {
	return g.phys.write(addr, data)
}

// GetPages implements p2p.Pinner.GetPages. Device pages are handed out
// whole: the page table covers every device page overlapping
// [vaddr, vaddr+length), so entry 0 starts at vaddr rounded down to the
// device page size.
func (g *GPU) GetPages(vaddr, length uint64, free func()) (*p2p.PageTable, error) {
	if vaddr%hostarch.GPUPageSize != 0 || length%hostarch.GPUPageSize != 0 || length == 0 {
		return nil, fmt.Errorf("devsim: unaligned P2P range %#x+%#x: %w", vaddr, length, linuxerr.EINVAL)
	}
	start := hostarch.Addr(vaddr).AlignDown(g.pageSize)
	end, ok := hostarch.Addr(vaddr + length).AlignUp(g.pageSize)
	if !ok || uint64(end) < vaddr {
		return nil, fmt.Errorf("devsim: P2P range %#x+%#x overflows: %w", vaddr, length, linuxerr.EINVAL)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.findAlloc(uint64(start), uint64(end-start))
	if !ok {
		return nil, fmt.Errorf("devsim: GPU range %#x+%#x is not allocated: %w", vaddr, length, linuxerr.EINVAL)
	}
	pt := &p2p.PageTable{Version: 0x00010001, PageSize: g.pageCode}
	first := (uint64(start) - a.va) / g.pageSize
	for i := uint64(0); i < uint64(end-start)/g.pageSize; i++ {
		pt.Pages = append(pt.Pages, p2p.Page{PhysicalAddress: a.pages[first+i]})
	}
	g.pins[pt] = &gpuPin{alloc: a, free: free}
	return pt, nil
}

// PutPages implements p2p.Pinner.PutPages.
func (g *GPU) PutPages(vaddr uint64, pt *p2p.PageTable) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pins[pt]; !ok {
		return fmt.Errorf("devsim: page table %p for %#x is not pinned: %w", pt, vaddr, linuxerr.EINVAL)
	}
	delete(g.pins, pt)
	return nil
}

// FreePageTable implements p2p.Pinner.FreePageTable.
func (g *GPU) FreePageTable(pt *p2p.PageTable) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pins[pt]; !ok {
		return fmt.Errorf("devsim: page table %p is not pinned: %w", pt, linuxerr.EINVAL)
	}
	delete(g.pins, pt)
	return nil
}

// Pins returns the number of outstanding page tables.
func (g *GPU) Pins() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pins)
}
