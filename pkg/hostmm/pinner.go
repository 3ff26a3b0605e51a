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

//go:build linux
// +build linux

// Package hostmm provides the Linux host backends of the DMA engine: host
// page pinning, page cache residency, file block mapping and the copy source
// eligibility facts of open files.
//
// Physical addresses come from /proc/self/pagemap, which only reports them
// to processes with CAP_SYS_ADMIN.
package hostmm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
)

const (
	pagemapEntrySize = 8
	pagemapPresent   = 1 << 63
	pagemapPFNMask   = 1<<55 - 1
)

// Pinner pins pages of the calling process with mlock and resolves their
// physical addresses through /proc/self/pagemap. It implements
// dma.HostMemory.
type Pinner struct {
	pagemap *os.File

	mu sync.Mutex

	// pinned maps pinned physical pages to their virtual address and pin
	// count.
	//
	// +checklocks:mu
	pinned map[uint64]*pin
}

type pin struct {
	addr  hostarch.Addr
	count int
}

// NewPinner opens the pagemap of the calling process.
func NewPinner() (*Pinner, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("hostmm: opening pagemap: %w", err)
	}
	return &Pinner{pagemap: f, pinned: make(map[uint64]*pin)}, nil
}

// Close releases the pagemap. Pages still pinned stay locked.
func (p *Pinner) Close() error {
	return p.pagemap.Close()
}

func mlock(addr hostarch.Addr, length uint64) error {
	if _, _, errno := unix.Syscall(unix.SYS_MLOCK, uintptr(addr), uintptr(length), 0); errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	return nil
}

func munlock(addr hostarch.Addr, length uint64) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNLOCK, uintptr(addr), uintptr(length), 0); errno != 0 {
		return linuxerr.ErrorFromUnix(errno)
	}
	return nil
}

// physical returns the physical address of the page at addr, which must be
// resident.
func (p *Pinner) physical(addr hostarch.Addr) (uint64, error) {
	var buf [pagemapEntrySize]byte
	off := int64(addr>>hostarch.PageShift) * pagemapEntrySize
	if _, err := p.pagemap.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("hostmm: reading pagemap at %v: %w", addr, err)
	}
	e := binary.LittleEndian.Uint64(buf[:])
	if e&pagemapPresent == 0 {
		return 0, fmt.Errorf("hostmm: page %v is not present: %w", addr, linuxerr.EFAULT)
	}
	pfn := e & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("hostmm: physical address of %v is hidden: %w", addr, linuxerr.EPERM)
	}
	return pfn << hostarch.PageShift, nil
}

// Pin implements dma.HostMemory.Pin.
func (p *Pinner) Pin(addr hostarch.Addr, npages int) ([]uint64, error) {
	pages := make([]uint64, 0, npages)
	for i := 0; i < npages; i++ {
		va := addr + hostarch.Addr(uint64(i)*hostarch.PageSize)
		phys, err := p.pinOne(va)
		if err != nil {
			return pages, err
		}
		pages = append(pages, phys)
	}
	return pages, nil
}

func (p *Pinner) pinOne(va hostarch.Addr) (uint64, error) {
	// mlock faults the page in and keeps it resident at a fixed physical
	// address.
	if err := mlock(va, hostarch.PageSize); err != nil {
		return 0, fmt.Errorf("hostmm: mlock %v: %w", va, err)
	}
	phys, err := p.physical(va)
	if err != nil {
		munlock(va, hostarch.PageSize)
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.pinned[phys]; ok {
		pp.count++
	} else {
		p.pinned[phys] = &pin{addr: va, count: 1}
	}
	return phys, nil
}

// Unpin implements dma.HostMemory.Unpin.
func (p *Pinner) Unpin(pages []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, phys := range pages {
		pp, ok := p.pinned[phys]
		if !ok {
			panic(fmt.Sprintf("hostmm: unpin of unpinned page %#x", phys))
		}
		// mlock does not nest. Unlock only when the last pin goes.
		pp.count--
		if pp.count == 0 {
			delete(p.pinned, phys)
			munlock(pp.addr, hostarch.PageSize)
		}
	}
}
