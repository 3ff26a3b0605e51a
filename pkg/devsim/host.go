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

	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
)

const (
	// hostVABase is the first host virtual address handed out.
	hostVABase = 0x10000000

	// hostPhysBase is the first host physical page.
	hostPhysBase = 0x100000000
)

// Host simulates the memory of the calling process and the host page
// allocator.
type Host struct {
	// scatter leaves a hole after every scatter pages. Zero means physical
	// pages are handed out contiguously.
	scatter int

	phys *physMem

	mu sync.Mutex

	// +checklocks:mu
	nextVA uint64

	// +checklocks:mu
	nextPhys uint64

	// +checklocks:mu
	allocated int

	// pageTable maps virtual to physical pages.
	//
	// +checklocks:mu
	pageTable map[uint64]uint64

	// pinned counts pins per physical page.
	//
	// +checklocks:mu
	pinned map[uint64]int
}

// NewHost returns a Host. If scatter is positive, a physical hole follows
// every scatter pages.
func NewHost(scatter int) *Host {
	return &Host{
		scatter:   scatter,
		phys:      newPhysMem("host"),
		nextVA:    hostVABase,
		nextPhys:  hostPhysBase,
		pageTable: make(map[uint64]uint64),
		pinned:    make(map[uint64]int),
	}
}

// allocPhys returns a fresh physical page.
//
// Preconditions: h.mu must be locked.
func (h *Host) allocPhys() uint64 {
	phys := h.nextPhys
	h.nextPhys += hostarch.PageSize
	h.allocated++
	if h.scatter > 0 && h.allocated%h.scatter == 0 {
		h.nextPhys += hostarch.PageSize
	}
	h.phys.add(phys, make([]byte, hostarch.PageSize))
	return phys
}

// Alloc maps size bytes of zeroed memory and returns its page aligned
// virtual address.
func (h *Host) Alloc(size uint64) hostarch.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	va := h.nextVA
	npages := (size + hostarch.PageSize - 1) / hostarch.PageSize
	for i := uint64(0); i < npages; i++ {
		h.pageTable[va+i*hostarch.PageSize] = h.allocPhys()
	}
	// Leave an unmapped guard page between allocations.
	h.nextVA += (npages + 1) * hostarch.PageSize
	return hostarch.Addr(va)
}

// access calls fn for each page piece of [addr, addr+n).
func (h *Host) access(addr hostarch.Addr, n uint64, fn func(phys, n uint64) error) error {
	for n > 0 {
		h.mu.Lock()
		phys, ok := h.pageTable[uint64(addr.RoundDown())]
		h.mu.Unlock()
		if !ok {
			return fmt.Errorf("devsim: host address %v is not mapped: %w", addr, linuxerr.EFAULT)
		}
		m := min(n, hostarch.PageSize-addr.PageOffset())
		if err := fn(phys+addr.PageOffset(), m); err != nil {
			return err
		}
		addr += hostarch.Addr(m)
		n -= m
	}
	return nil
}

// Write copies data to host memory at addr.
func (h *Host) Write(addr hostarch.Addr, data []byte) error {
	return h.access(addr, uint64(len(data)), func(phys, n uint64) error {
		err := h.phys.write(phys, data[:n])
		data = data[n:]
		return err
	})
}

// Read returns n bytes of host memory at addr.
func (h *Host) Read(addr hostarch.Addr, n uint64) ([]byte, error) {
	out := make([]byte, 0, n)
	err := h.access(addr, n, func(phys, n uint64) error {
		b, err := h.phys.read(phys, n)
		out = append(out, b...)
		return err
	})
	return out, err
}

// Pin implements dma.HostMemory.Pin.
func (h *Host) Pin(addr hostarch.Addr, npages int) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pages := make([]uint64, 0, npages)
	for i := 0; i < npages; i++ {
		va := uint64(addr) + uint64(i)*hostarch.PageSize
		phys, ok := h.pageTable[va]
		if !ok {
			return pages, fmt.Errorf("devsim: host address %#x is not mapped: %w", va, linuxerr.EFAULT)
		}
		h.pinned[phys]++
		pages = append(pages, phys)
	}
	return pages, nil
}

// Unpin implements dma.HostMemory.Unpin.
func (h *Host) Unpin(pages []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, phys := range pages {
		switch n := h.pinned[phys]; {
		case n <= 0:
			panic(fmt.Sprintf("devsim: unpin of unpinned host page %#x", phys))
		case n == 1:
			delete(h.pinned, phys)
		default:
			h.pinned[phys] = n - 1
		}
	}
}

// PinnedPages returns the number of distinct pinned physical pages.
func (h *Host) PinnedPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pinned)
}

// newPage allocates a physical page holding data, for the page cache.
func (h *Host) newPage(data []byte) uint64 {
	h.mu.Lock()
	phys := h.allocPhys()
	h.mu.Unlock()
	if err := h.phys.write(phys, data); err != nil {
		panic(fmt.Sprintf("devsim: fresh page %#x: %v", phys, err))
	}
	return phys
}
