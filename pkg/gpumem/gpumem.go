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

// Package gpumem maps GPU device memory for peer-to-peer DMA and tracks the
// mapped segments.
//
// A segment is looked up by handle and pinned for use with Acquire, and
// released with Release. Teardown, either explicit (Unmap) or requested by
// the GPU driver (Revoke), first unlinks the segment so that no new Acquire
// can find it, then waits for existing users to drain, then releases the
// device pin.
//
// Lock order:
//
//	handletable.Bucket.mu
//	  (no locks nest inside)
package gpumem

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/handletable"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/log"
	"github.com/lycheenice/nvme-kmod/pkg/metric"
	"github.com/lycheenice/nvme-kmod/pkg/p2p"
)

// segmentState is the registration state of a Segment.
type segmentState int

const (
	// segmentPending means the device pin is held but the segment is not
	// yet linked.
	segmentPending segmentState = iota

	// segmentLinked means the segment can be found by Acquire.
	segmentLinked

	// segmentUnlinked means teardown has started.
	segmentUnlinked
)

// Segment is a mapped range of GPU device memory.
type Segment struct {
	handle     uint64
	owner      int32
	mapAddress hostarch.Addr
	mapOffset  uint64
	mapLength  uint64
	pageSize   uint64
	pageTable  *p2p.PageTable

	// The fields below are protected by the lock of the segment table shard
	// that owns handle.

	state segmentState

	// revoked is set if the GPU driver revoked the pin before the segment
	// was linked.
	revoked bool

	// refs is the number of in-flight users.
	refs int64

	// waiter is closed by the Release that drops refs to zero. There is at
	// most one, since only the goroutine that unlinked the segment waits.
	waiter chan struct{}

	// teardown is closed once the segment is unpinned or its page table is
	// freed. Immutable.
	teardown chan struct{}
}

// Handle implements handletable.Entry.Handle.
func (s *Segment) Handle() uint64 { return s.handle }

// Owner returns the pid of the process that mapped the segment.
func (s *Segment) Owner() int32 { return s.owner }

// MapAddress returns the GPU virtual address of the first device page.
func (s *Segment) MapAddress() hostarch.Addr { return s.mapAddress }

// MapOffset returns the offset of the caller's virtual address into the
// first device page.
func (s *Segment) MapOffset() uint64 { return s.mapOffset }

// MapLength returns MapOffset plus the caller's length.
func (s *Segment) MapLength() uint64 { return s.mapLength }

// PageSize returns the device page size in bytes.
func (s *Segment) PageSize() uint64 { return s.pageSize }

// PageTable returns the device page table. It must not be modified, and is
// only valid while the caller holds a reference.
func (s *Segment) PageTable() *p2p.PageTable { return s.pageTable }

// Mapper owns the table of mapped segments.
type Mapper struct {
	pinner p2p.Pinner
	table  *handletable.Table[*Segment]

	// lastHandle is the last handle handed out. Handles are never reused.
	lastHandle atomic.Uint64
}

// Options configures a Mapper.
type Options struct {
	// Shards is the number of table shards. Zero means strom.SegmentShards.
	Shards int

	// Seed is the shard hash seed.
	Seed uint64
}

// NewMapper returns a Mapper that pins memory through pinner.
func NewMapper(pinner p2p.Pinner, opts Options) *Mapper {
	if opts.Shards == 0 {
		opts.Shards = strom.SegmentShards
		opts.Seed = strom.SegmentSeed
	}
	return &Mapper{
		pinner: pinner,
		table:  handletable.New[*Segment](opts.Shards, opts.Seed),
	}
}

// nextHandle returns a fresh handle. Handles are page aligned so they read
// like the addresses they historically were.
func (m *Mapper) nextHandle() uint64 {
	return m.lastHandle.Add(1) << hostarch.PageShift
}

// Map pins [vaddr, vaddr+length) of GPU memory on behalf of owner and links
// a new segment for it. The range is widened to the GPU bound, or to the
// device page size if that is larger.
func (m *Mapper) Map(owner int32, vaddr, length uint64) (*Segment, error) {
	if length == 0 {
		return nil, fmt.Errorf("gpumem: empty mapping: %w", linuxerr.EINVAL)
	}
	va := hostarch.Addr(vaddr)
	if _, ok := va.AddLength(length); !ok {
		return nil, fmt.Errorf("gpumem: range %#x+%#x overflows: %w", vaddr, length, linuxerr.EINVAL)
	}
	s := &Segment{
		handle:   m.nextHandle(),
		owner:    owner,
		teardown: make(chan struct{}),
	}
	if err := m.pin(s, va, length); err != nil {
		return nil, err
	}
	pt := s.pageTable
	if covered := uint64(pt.Entries()) * s.pageSize; covered < s.mapLength {
		m.putPages(s)
		return nil, fmt.Errorf("gpumem: page table of %d entries covers %#x bytes, want %#x: %w",
			pt.Entries(), covered, s.mapLength, linuxerr.EINVAL)
	}

	var revoked bool
	m.table.Do(s.handle, func(b *handletable.Bucket[*Segment]) {
		if s.revoked {
			revoked = true
			s.state = segmentUnlinked
			return
		}
		s.state = segmentLinked
		b.Insert(s)
	})
	if revoked {
		m.freePageTable(s)
		close(s.teardown)
		return nil, fmt.Errorf("gpumem: mapping at %v revoked before registration: %w", s.mapAddress, linuxerr.EFAULT)
	}
	metric.SegmentsMapped.Inc()

	log.Infof("gpumem: P2P GPU memory (handle=%#x) mapped, version=%d, page_size=%d, entries=%d",
		s.handle, pt.Version, s.pageSize, pt.Entries())
	if log.IsLogging(log.Debug) {
		for i, p := range pt.Pages {
			log.Debugf("gpumem:   V:%v <--> P:%#x", s.mapAddress+hostarch.Addr(uint64(i)*s.pageSize), p.PhysicalAddress)
		}
	}
	return s, nil
}

// pin pins [va, va+length) for s, aligned to the GPU bound. The device page
// size is only known once a page table is returned; if it exceeds the
// bound, the first page table is put back and the range is pinned again on
// the device page grid so that entry 0 starts at s.mapAddress.
func (m *Mapper) pin(s *Segment, va hostarch.Addr, length uint64) error {
	bound := uint64(hostarch.GPUPageSize)
	for {
		s.mapAddress = va.AlignDown(bound)
		s.mapOffset = uint64(va - s.mapAddress)
		s.mapLength = s.mapOffset + length
		pinLength, ok := hostarch.Addr(s.mapLength).AlignUp(bound)
		if !ok {
			return fmt.Errorf("gpumem: range %#x+%#x overflows: %w", uint64(va), length, linuxerr.EINVAL)
		}

		pt, err := m.pinner.GetPages(uint64(s.mapAddress), uint64(pinLength), func() { m.revoke(s) })
		if err != nil {
			log.Warningf("gpumem: failed to pin GPU memory (addr=%v, length=%#x): %v", s.mapAddress, uint64(pinLength), err)
			return err
		}
		s.pageTable = pt
		s.pageSize = pt.PageSize.Bytes()
		if s.pageSize == 0 {
			m.putPages(s)
			return fmt.Errorf("gpumem: unsupported device page size code %d: %w", pt.PageSize, linuxerr.EINVAL)
		}
		if s.pageSize <= bound {
			return nil
		}

		var revoked bool
		m.table.Do(s.handle, func(*handletable.Bucket[*Segment]) {
			revoked = s.revoked
		})
		if revoked {
			m.freePageTable(s)
			return fmt.Errorf("gpumem: mapping at %v revoked before registration: %w", s.mapAddress, linuxerr.EFAULT)
		}
		log.Debugf("gpumem: device pages of %#x bytes exceed the GPU bound, pinning %v+%#x again", s.pageSize, va, length)
		m.putPages(s)
		bound = s.pageSize
	}
}

// Acquire returns the segment for handle with a reference held.
func (m *Mapper) Acquire(handle uint64) (*Segment, error) {
	s, ok := m.table.Lookup(handle, func(s *Segment) {
		s.refs++
	})
	if !ok {
		return nil, fmt.Errorf("gpumem: handle %#x: %w", handle, linuxerr.ENOENT)
	}
	return s, nil
}

// Release drops a reference obtained by Acquire. If it is the last one and
// teardown is waiting, the waiter is woken.
func (m *Mapper) Release(s *Segment) {
	m.table.Do(s.handle, func(*handletable.Bucket[*Segment]) {
		s.refs--
		if s.refs < 0 {
			panic(fmt.Sprintf("gpumem: segment %#x reference count went negative", s.handle))
		}
		if s.refs == 0 && s.waiter != nil {
			close(s.waiter)
			s.waiter = nil
		}
	})
}

// unlink removes the segment for handle from the table. It returns a
// channel that is closed once the last user releases the segment, or nil if
// there are no users.
func (m *Mapper) unlink(handle uint64, want *Segment) (*Segment, <-chan struct{}, bool) {
	var (
		s    *Segment
		wait chan struct{}
		ok   bool
	)
	m.table.Do(handle, func(b *handletable.Bucket[*Segment]) {
		s, ok = b.Get(handle)
		if !ok || (want != nil && s != want) {
			ok = false
			return
		}
		b.Remove(handle)
		s.state = segmentUnlinked
		if s.refs > 0 {
			if s.waiter != nil {
				panic(fmt.Sprintf("gpumem: segment %#x already has a teardown waiter", handle))
			}
			s.waiter = make(chan struct{})
			wait = s.waiter
		}
	})
	if ok {
		metric.SegmentsMapped.Dec()
	}
	return s, wait, ok
}

// drain blocks until wait, if any, is closed.
func drain(s *Segment, wait <-chan struct{}) {
	if wait == nil {
		return
	}
	start := time.Now()
	log.Debugf("gpumem: segment %#x waiting for in-flight tasks", s.handle)
	<-wait
	metric.ObserveDrain(start)
}

// Unmap tears down the segment for handle. It blocks until every in-flight
// user has released the segment.
func (m *Mapper) Unmap(handle uint64) error {
	s, wait, ok := m.unlink(handle, nil)
	if !ok {
		return fmt.Errorf("gpumem: unmap handle %#x: %w", handle, linuxerr.ENOENT)
	}
	drain(s, wait)
	m.putPages(s)
	close(s.teardown)
	log.Infof("gpumem: P2P GPU memory (handle=%#x) unmapped", handle)
	return nil
}

// Revoke tears down the segment for handle as if the GPU driver had revoked
// it. Unlike Unmap, the device page table is freed rather than unpinned.
func (m *Mapper) Revoke(handle uint64) error {
	s, wait, ok := m.unlink(handle, nil)
	if !ok {
		return fmt.Errorf("gpumem: revoke handle %#x: %w", handle, linuxerr.ENOENT)
	}
	m.finishRevoke(s, wait)
	return nil
}

// revoke is the callback installed with the pinner.
func (m *Mapper) revoke(s *Segment) {
	var early, dying bool
	m.table.Do(s.handle, func(*handletable.Bucket[*Segment]) {
		switch s.state {
		case segmentPending:
			s.revoked = true
			early = true
		case segmentUnlinked:
			dying = true
		}
	})
	switch {
	case early:
		// Map frees the page table once it observes revoked.
		log.Infof("gpumem: pending segment %#x revoked during map", s.handle)
		return
	case dying:
		m.awaitTeardown(s)
		return
	}
	_, wait, ok := m.unlink(s.handle, s)
	if !ok {
		m.awaitTeardown(s)
		return
	}
	m.finishRevoke(s, wait)
}

// awaitTeardown blocks the revocation callback until the teardown already
// in progress has drained in-flight tasks and released the pin. The device
// memory must stay in place until then.
func (m *Mapper) awaitTeardown(s *Segment) {
	log.Infof("gpumem: segment %#x revoked during teardown, waiting for it to finish", s.handle)
	<-s.teardown
}

func (m *Mapper) finishRevoke(s *Segment, wait <-chan struct{}) {
	drain(s, wait)
	m.freePageTable(s)
	close(s.teardown)
	metric.SegmentRevocations.Inc()
	log.Infof("gpumem: P2P GPU memory (handle=%#x) revoked", s.handle)
}

func (m *Mapper) putPages(s *Segment) {
	if err := m.pinner.PutPages(uint64(s.mapAddress), s.pageTable); err != nil {
		log.Warningf("gpumem: failed to unpin segment %#x: %v", s.handle, err)
	}
}

func (m *Mapper) freePageTable(s *Segment) {
	if err := m.pinner.FreePageTable(s.pageTable); err != nil {
		log.Warningf("gpumem: failed to free page table of segment %#x: %v", s.handle, err)
	}
}

// Info describes the segment for handle. At most nrooms physical addresses
// are returned; Entries reports the full count.
func (m *Mapper) Info(handle uint64, nrooms uint32) (strom.InfoGpuMemory, error) {
	s, err := m.Acquire(handle)
	if err != nil {
		return strom.InfoGpuMemory{}, err
	}
	defer m.Release(s)

	pt := s.pageTable
	info := strom.InfoGpuMemory{
		Handle:   handle,
		NRooms:   nrooms,
		Version:  pt.Version,
		PageSize: uint32(s.pageSize),
		Entries:  uint32(pt.Entries()),
	}
	n := min(int(nrooms), pt.Entries())
	info.PhysicalAddress = make([]uint64, n)
	for i := 0; i < n; i++ {
		info.PhysicalAddress[i] = pt.Pages[i].PhysicalAddress
	}
	return info, nil
}

// RefCount returns the number of in-flight users of the segment for handle.
func (m *Mapper) RefCount(handle uint64) (int64, error) {
	var refs int64
	if _, ok := m.table.Lookup(handle, func(s *Segment) { refs = s.refs }); !ok {
		return 0, fmt.Errorf("gpumem: handle %#x: %w", handle, linuxerr.ENOENT)
	}
	return refs, nil
}

// Len returns the number of linked segments.
func (m *Mapper) Len() int {
	return m.table.Len()
}
