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

package gpumem

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/p2p"
)

// fakePinner hands out page tables with physically scattered pages.
type fakePinner struct {
	code strom.P2PPageSize

	// revokeEarly makes GetPages call the revocation callback before it
	// returns.
	revokeEarly bool

	// short is the number of trailing entries GetPages leaves out.
	short int

	mu         sync.Mutex
	callbacks  map[*p2p.PageTable]func()
	put        []*p2p.PageTable
	freed      []*p2p.PageTable
	lastVaddr  uint64
	lastLength uint64
}

func newFakePinner(code strom.P2PPageSize) *fakePinner {
	return &fakePinner{
		code:      code,
		callbacks: make(map[*p2p.PageTable]func()),
	}
}

func (f *fakePinner) GetPages(vaddr, length uint64, free func()) (*p2p.PageTable, error) {
	size := f.code.Bytes()
	if size == 0 {
		size = 64 << 10
	}
	pt := &p2p.PageTable{Version: 0x00010002, PageSize: f.code}
	for i := uint64(0); i < length/size; i++ {
		// Every other page, so adjacent entries are never contiguous.
		pt.Pages = append(pt.Pages, p2p.Page{PhysicalAddress: 0xd0000000 + 2*i*size})
	}
	pt.Pages = pt.Pages[:max(0, len(pt.Pages)-f.short)]
	f.mu.Lock()
	f.callbacks[pt] = free
	f.lastVaddr, f.lastLength = vaddr, length
	f.mu.Unlock()
	if f.revokeEarly {
		free()
	}
	return pt, nil
}

func (f *fakePinner) PutPages(vaddr uint64, pt *p2p.PageTable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put = append(f.put, pt)
	return nil
}

func (f *fakePinner) FreePageTable(pt *p2p.PageTable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed = append(f.freed, pt)
	return nil
}

// revoke runs the revocation callback of pt, as the GPU driver would.
func (f *fakePinner) revoke(pt *p2p.PageTable) {
	f.mu.Lock()
	cb := f.callbacks[pt]
	f.mu.Unlock()
	cb()
}

func (f *fakePinner) counts() (put, freed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.put), len(f.freed)
}

func TestMapMisaligned(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	const vaddr = 0x7f0000012345
	s, err := m.Map(100, vaddr, 256<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got, want := s.MapOffset(), uint64(vaddr%65536); got != want {
		t.Errorf("MapOffset got %#x, want %#x", got, want)
	}
	if got, want := uint64(s.MapAddress()), uint64(vaddr&^0xffff); got != want {
		t.Errorf("MapAddress got %#x, want %#x", got, want)
	}
	if got, want := s.MapLength(), uint64(vaddr%65536+256<<10); got != want {
		t.Errorf("MapLength got %#x, want %#x", got, want)
	}
	if got, want := p.lastLength, uint64(5*64<<10); got != want {
		t.Errorf("pinned length got %#x, want %#x", got, want)
	}
	if got, want := s.PageTable().Entries(), 5; got != want {
		t.Errorf("entries got %d, want %d", got, want)
	}
	if got, want := s.PageSize(), uint64(64<<10); got != want {
		t.Errorf("PageSize got %d, want %d", got, want)
	}
	if got, want := m.Len(), 1; got != want {
		t.Errorf("Len got %d, want %d", got, want)
	}
}

func TestMapPageSizes(t *testing.T) {
	for _, tc := range []struct {
		code    strom.P2PPageSize
		want    uint64
		wantErr bool
	}{
		{strom.NVIDIA_P2P_PAGE_SIZE_4KB, 4 << 10, false},
		{strom.NVIDIA_P2P_PAGE_SIZE_64KB, 64 << 10, false},
		{strom.NVIDIA_P2P_PAGE_SIZE_128KB, 128 << 10, false},
		{strom.P2PPageSize(3), 0, true},
	} {
		t.Run(fmt.Sprintf("code%d", tc.code), func(t *testing.T) {
			p := newFakePinner(tc.code)
			m := NewMapper(p, Options{})
			s, err := m.Map(1, 0x100000, 256<<10)
			if tc.wantErr {
				if !linuxerr.Equals(linuxerr.EINVAL, err) {
					t.Fatalf("Map got err %v, want EINVAL", err)
				}
				// The pin must not leak.
				if put, _ := p.counts(); put != 1 {
					t.Errorf("PutPages called %d times, want 1", put)
				}
				if m.Len() != 0 {
					t.Errorf("failed Map left %d segments", m.Len())
				}
				return
			}
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if got := s.PageSize(); got != tc.want {
				t.Errorf("PageSize got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMapRejectsEmpty(t *testing.T) {
	m := NewMapper(newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB), Options{})
	if _, err := m.Map(1, 0x10000, 0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Map of zero length got err %v, want EINVAL", err)
	}
}

func TestUnmap(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	s, err := m.Map(1, 0x10000, 64<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := m.Unmap(s.Handle()); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if _, err := m.Acquire(s.Handle()); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Acquire after Unmap got err %v, want ENOENT", err)
	}
	if err := m.Unmap(s.Handle()); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("second Unmap got err %v, want ENOENT", err)
	}
	if put, freed := p.counts(); put != 1 || freed != 0 {
		t.Errorf("got %d PutPages and %d FreePageTable, want 1 and 0", put, freed)
	}
}

func TestUnmapDrains(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	s, err := m.Map(1, 0x10000, 64<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := m.Acquire(s.Handle()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	done := make(chan error)
	go func() { done <- m.Unmap(s.Handle()) }()

	// Unmap unlinks before it waits.
	deadline := time.Now().Add(10 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("segment still linked")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := m.Acquire(s.Handle()); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Acquire during teardown got err %v, want ENOENT", err)
	}
	select {
	case err := <-done:
		t.Fatalf("Unmap returned %v before the last release", err)
	case <-time.After(50 * time.Millisecond):
	}
	if put, _ := p.counts(); put != 0 {
		t.Errorf("pages unpinned while in use")
	}

	m.Release(s)
	if err := <-done; err != nil {
		t.Errorf("Unmap failed: %v", err)
	}
	if put, _ := p.counts(); put != 1 {
		t.Errorf("PutPages called %d times, want 1", put)
	}
}

func TestRevokeWhileInUse(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	s, err := m.Map(1, 0x10000, 128<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := m.Acquire(s.Handle()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.revoke(s.PageTable())
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("revocation completed while the segment was in use")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := m.Acquire(s.Handle()); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Acquire during revocation got err %v, want ENOENT", err)
	}

	m.Release(s)
	<-done
	if put, freed := p.counts(); put != 0 || freed != 1 {
		t.Errorf("got %d PutPages and %d FreePageTable, want 0 and 1", put, freed)
	}
	if err := m.Unmap(s.Handle()); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Unmap after revocation got err %v, want ENOENT", err)
	}
}

func TestRevokeByHandle(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	s, err := m.Map(1, 0x10000, 64<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := m.Revoke(s.Handle()); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := m.Revoke(s.Handle()); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("second Revoke got err %v, want ENOENT", err)
	}
	if _, freed := p.counts(); freed != 1 {
		t.Errorf("FreePageTable called %d times, want 1", freed)
	}
}

func TestRevokeBeforeLink(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	p.revokeEarly = true
	m := NewMapper(p, Options{})
	if _, err := m.Map(1, 0x10000, 64<<10); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("Map got err %v, want EFAULT", err)
	}
	if put, freed := p.counts(); put != 0 || freed != 1 {
		t.Errorf("got %d PutPages and %d FreePageTable, want 0 and 1", put, freed)
	}
	if m.Len() != 0 {
		t.Errorf("revoked mapping left %d segments", m.Len())
	}
}

func TestRevokeDuringUnmap(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	s, err := m.Map(1, 0x10000, 64<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := m.Acquire(s.Handle()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	done := make(chan error)
	go func() { done <- m.Unmap(s.Handle()) }()
	for m.Len() != 0 {
		time.Sleep(time.Millisecond)
	}

	// The GPU driver may reclaim the memory once the callback returns, so
	// it must wait for the pending teardown to drain.
	revoked := make(chan struct{})
	go func() {
		p.revoke(s.PageTable())
		close(revoked)
	}()
	select {
	case <-revoked:
		t.Fatalf("revocation callback returned while the segment was still in use")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(s)
	if err := <-done; err != nil {
		t.Errorf("Unmap failed: %v", err)
	}
	<-revoked
	if put, freed := p.counts(); put != 1 || freed != 0 {
		t.Errorf("got %d PutPages and %d FreePageTable, want 1 and 0", put, freed)
	}
}

func TestMapLargePagesRealigns(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_128KB)
	m := NewMapper(p, Options{})
	// Aligned to the 64K bound but not to the 128K device page.
	const vaddr = 0x7f0000010000
	s, err := m.Map(1, vaddr, 256<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got, want := uint64(s.MapAddress()), uint64(0x7f0000000000); got != want {
		t.Errorf("MapAddress got %#x, want %#x", got, want)
	}
	if got, want := s.MapOffset(), uint64(64<<10); got != want {
		t.Errorf("MapOffset got %#x, want %#x", got, want)
	}
	p.mu.Lock()
	lastVaddr, lastLength := p.lastVaddr, p.lastLength
	p.mu.Unlock()
	if lastVaddr != 0x7f0000000000 || lastLength != 384<<10 {
		t.Errorf("last GetPages(%#x, %#x), want (%#x, %#x)", lastVaddr, lastLength, 0x7f0000000000, 384<<10)
	}
	if got := s.PageTable().Entries(); got != 3 {
		t.Errorf("Entries got %d, want 3", got)
	}
	// The page table pinned on the 64K bound is put back.
	if put, _ := p.counts(); put != 1 {
		t.Errorf("PutPages called %d times, want 1", put)
	}
	if err := m.Unmap(s.Handle()); err != nil {
		t.Errorf("Unmap failed: %v", err)
	}
}

func TestMapRejectsShortPageTable(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	p.short = 1
	m := NewMapper(p, Options{})
	if _, err := m.Map(1, 0x100000, 128<<10); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Fatalf("Map got %v, want EINVAL", err)
	}
	if put, _ := p.counts(); put != 1 {
		t.Errorf("PutPages called %d times, want 1", put)
	}
	if m.Len() != 0 {
		t.Errorf("failed Map left %d segments", m.Len())
	}
}

func TestRevokeBeforeRealign(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_128KB)
	p.revokeEarly = true
	m := NewMapper(p, Options{})
	if _, err := m.Map(1, 0x7f0000010000, 64<<10); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("Map got %v, want EFAULT", err)
	}
	if put, freed := p.counts(); put != 0 || freed != 1 {
		t.Errorf("got %d PutPages and %d FreePageTable, want 0 and 1", put, freed)
	}
	if m.Len() != 0 {
		t.Errorf("failed Map left %d segments", m.Len())
	}
}

func TestInfo(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	s, err := m.Map(1, 0x10000, 5*64<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	info, err := m.Info(s.Handle(), 2)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	want := strom.InfoGpuMemory{
		Handle:          s.Handle(),
		NRooms:          2,
		Version:         0x00010002,
		PageSize:        64 << 10,
		Entries:         5,
		PhysicalAddress: []uint64{0xd0000000, 0xd0020000},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}

	again, err := m.Info(s.Handle(), 2)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if diff := cmp.Diff(info, again); diff != "" {
		t.Errorf("repeated Info differs (-first +second):\n%s", diff)
	}

	full, err := m.Info(s.Handle(), 100)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if got, want := len(full.PhysicalAddress), 5; got != want {
		t.Errorf("got %d addresses, want %d", got, want)
	}

	// Info must not leave a reference behind.
	if refs, err := m.RefCount(s.Handle()); err != nil || refs != 0 {
		t.Errorf("RefCount got (%d, %v), want (0, nil)", refs, err)
	}
	if _, err := m.Info(0xdead000, 1); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Info of unknown handle got err %v, want ENOENT", err)
	}
}

func TestGenerate(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{})
	s, err := m.Map(1, 0x30000, 2*64<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	var buf bytes.Buffer
	if err := m.Generate(context.Background(), &buf); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		strom.StatusHeader + "\n",
		fmt.Sprintf("handle: %#x\n", s.Handle()),
		"refcnt: 0\n",
		"page_size: 65536\n",
		"entries: 2\n",
		"PTE: V:0x30000 <--> P:0xd0000000\n",
		"PTE: V:0x40000 <--> P:0xd0020000\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status does not contain %q:\n%s", want, out)
		}
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	m := NewMapper(newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB), Options{})
	s, err := m.Map(1, 0x10000, 64<<10)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Release without Acquire did not panic")
		}
	}()
	m.Release(s)
}

func TestConcurrentMapUnmap(t *testing.T) {
	p := newFakePinner(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	m := NewMapper(p, Options{Shards: 4, Seed: 1})
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				s, err := m.Map(1, 0x10000, 64<<10)
				if err != nil {
					return err
				}
				if _, err := m.Acquire(s.Handle()); err != nil {
					return err
				}
				m.Release(s)
				if err := m.Unmap(s.Handle()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if got := m.Len(); got != 0 {
		t.Errorf("Len got %d, want 0", got)
	}
	if put, _ := p.counts(); put != 16*50 {
		t.Errorf("PutPages called %d times, want %d", put, 16*50)
	}
}
