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

package dma

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/gpumem"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/metric"
	"github.com/lycheenice/nvme-kmod/pkg/p2p"
)

// hostPhysBase is where fakeHost places user pages in physical memory.
const hostPhysBase = 0x400000000

// fakePinner pins GPU memory as 64K pages spaced 1M apart.
type fakePinner struct{}

func (fakePinner) GetPages(vaddr, length uint64, free func()) (*p2p.PageTable, error) {
	pt := &p2p.PageTable{PageSize: strom.NVIDIA_P2P_PAGE_SIZE_64KB}
	for i := uint64(0); i < length/(64<<10); i++ {
		pt.Pages = append(pt.Pages, p2p.Page{PhysicalAddress: 0xd0000000 + i*(1<<20)})
	}
	return pt, nil
}

func (fakePinner) PutPages(uint64, *p2p.PageTable) error { return nil }
func (fakePinner) FreePageTable(*p2p.PageTable) error   { return nil }

// fakeHost maps user page v to physical page hostPhysBase+v.
type fakeHost struct {
	mu     sync.Mutex
	failAt hostarch.Addr
	pinned map[uint64]int
}

func newFakeHost() *fakeHost {
	return &fakeHost{pinned: make(map[uint64]int)}
}

func (h *fakeHost) Pin(addr hostarch.Addr, npages int) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var pages []uint64
	for i := 0; i < npages; i++ {
		a := addr + hostarch.Addr(i*hostarch.PageSize)
		if h.failAt != 0 && a == h.failAt {
			return pages, linuxerr.EFAULT
		}
		phys := hostPhysBase + uint64(a)
		h.pinned[phys]++
		pages = append(pages, phys)
	}
	return pages, nil
}

func (h *fakeHost) Unpin(pages []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range pages {
		h.pinned[p]--
		if h.pinned[p] == 0 {
			delete(h.pinned, p)
		}
	}
}

func (h *fakeHost) pinnedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pinned)
}

// fakeCopier records descriptors. If hold is set, completions are deferred
// until complete is called; otherwise they run on a new goroutine.
type fakeCopier struct {
	mu     sync.Mutex
	hold   bool
	fail   error
	descs  []Descriptor
	queued []func(error)
}

func (c *fakeCopier) Submit(d Descriptor, done func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.descs = append(c.descs, d)
	if c.hold {
		c.queued = append(c.queued, done)
		return nil
	}
	go done(nil)
	return nil
}

// complete runs every deferred completion with err.
func (c *fakeCopier) complete(err error) {
	c.mu.Lock()
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()
	for _, done := range queued {
		done(err)
	}
}

func (c *fakeCopier) descriptors() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Descriptor(nil), c.descs...)
}

// fakeFile has resident pages at the given indexes; other pages map to
// device block 1000+index.
type fakeFile struct {
	mu       sync.Mutex
	resident map[uint64]bool
	refs     int
	gets     int
}

func (f *fakeFile) FindPage(index uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resident[index] {
		return 0, false
	}
	f.gets++
	return 0x200000000 + index*hostarch.PageSize, true
}

func (f *fakeFile) PutPage(uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets--
}

func (f *fakeFile) BlockSize() uint64 { return hostarch.PageSize }

func (f *fakeFile) Bmap(blk uint64) (uint64, error) { return 1000 + blk, nil }

func (f *fakeFile) counts() (refs, gets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs, f.gets
}

func (f *fakeFile) IncRef() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
}

func (f *fakeFile) DecRef() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
}

type testEnv struct {
	mapper *gpumem.Mapper
	host   *fakeHost
	copier *fakeCopier
	engine *Engine
	seg    *gpumem.Segment
}

func newTestEnv(t *testing.T, hold bool) *testEnv {
	t.Helper()
	env := &testEnv{
		mapper: gpumem.NewMapper(fakePinner{}, gpumem.Options{}),
		host:   newFakeHost(),
		copier: &fakeCopier{hold: hold},
	}
	env.engine = NewEngine(env.mapper, env.host, env.copier, Options{})
	seg, err := env.mapper.Map(1, 0x7f0000000000, 1<<20)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	env.seg = seg
	return env
}

func (env *testEnv) refs(t *testing.T) int64 {
	t.Helper()
	refs, err := env.mapper.RefCount(env.seg.Handle())
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}
	return refs
}

// eventually polls cond until it holds. Completion releases resources after
// the task is deregistered, so a waiter may return slightly before then.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitIdle waits until every task has been reaped and has released its
// host pages and segment reference.
func (env *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	eventually(t, "tasks to be reaped", func() bool { return env.engine.Len() == 0 })
	eventually(t, "host pages to be unpinned", func() bool { return env.host.pinnedCount() == 0 })
	if _, err := env.mapper.RefCount(env.seg.Handle()); err == nil {
		eventually(t, "segment references to drop", func() bool { return env.refs(t) == 0 })
	}
}

// waitRegistered waits until task id has a waiter.
func (env *testEnv) waitRegistered(t *testing.T, id uint64) {
	t.Helper()
	eventually(t, "a waiter to register", func() bool {
		registered := false
		env.engine.tasks.Lookup(id, func(task *Task) { registered = task.waiter != nil })
		return registered
	})
}

func TestCopyThreeContiguousChunks(t *testing.T) {
	env := newTestEnv(t, false)
	id, err := env.engine.Copy(context.Background(), Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{
			{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x1000, Offset: 0},
			{Source: strom.SourceMemory, HostAddr: 0x11000, Length: 0x1000, Offset: 0x1000},
			{Source: strom.SourceMemory, HostAddr: 0x12000, Length: 0x1000, Offset: 0x2000},
		},
	})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	descs := env.copier.descriptors()
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1: %+v", len(descs), descs)
	}
	want := Descriptor{TaskID: id, Source: SourceHost, Src: hostPhysBase + 0x10000, Dst: 0xd0000000, Length: 0x3000}
	if descs[0] != want {
		t.Errorf("descriptor got %+v, want %+v", descs[0], want)
	}
	env.waitIdle(t)
}

func TestCopyStraddlesOneBoundary(t *testing.T) {
	env := newTestEnv(t, false)
	// 128K from destination offset 0 crosses only the 64K boundary.
	if _, err := env.engine.Copy(context.Background(), Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{
			{Source: strom.SourceMemory, HostAddr: 0x100000, Length: 128 << 10, Offset: 0},
		},
	}); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	descs := env.copier.descriptors()
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2: %+v", len(descs), descs)
	}
	if descs[0].Length != 64<<10 || descs[1].Length != 64<<10 {
		t.Errorf("lengths got %#x and %#x, want 64K each", descs[0].Length, descs[1].Length)
	}
	if descs[0].Src+descs[0].Length != descs[1].Src {
		t.Errorf("source extents are not contiguous: %+v", descs)
	}
	if descs[0].Dst != 0xd0000000 || descs[1].Dst != 0xd0100000 {
		t.Errorf("destinations got %#x and %#x, want 0xd0000000 and 0xd0100000", descs[0].Dst, descs[1].Dst)
	}
}

func TestCopyMisalignedHostAddress(t *testing.T) {
	env := newTestEnv(t, false)
	if _, err := env.engine.Copy(context.Background(), Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{
			{Source: strom.SourceMemory, HostAddr: 0x10800, Length: 0x2000, Offset: 0x100},
		},
	}); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	descs := env.copier.descriptors()
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1: %+v", len(descs), descs)
	}
	want := Descriptor{TaskID: descs[0].TaskID, Source: SourceHost, Src: hostPhysBase + 0x10800, Dst: 0xd0000100, Length: 0x2000}
	if descs[0] != want {
		t.Errorf("descriptor got %+v, want %+v", descs[0], want)
	}
}

func TestCopyFile(t *testing.T) {
	env := newTestEnv(t, false)
	f := &fakeFile{resident: map[uint64]bool{0: true, 1: true}}
	if _, err := env.engine.Copy(context.Background(), Request{
		Handle: env.seg.Handle(),
		File:   f,
		Chunks: []strom.Chunk{
			{Source: strom.SourceFile, FilePos: 0, Length: 4 * hostarch.PageSize, Offset: 0},
		},
	}); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	descs := env.copier.descriptors()
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2: %+v", len(descs), descs)
	}
	wantCache := Descriptor{TaskID: descs[0].TaskID, Source: SourceHost, Src: 0x200000000, Dst: 0xd0000000, Length: 2 * hostarch.PageSize}
	wantDisk := Descriptor{TaskID: descs[0].TaskID, Source: SourceDevice, Src: 1002 * hostarch.PageSize, Dst: 0xd0002000, Length: 2 * hostarch.PageSize}
	if descs[0] != wantCache {
		t.Errorf("page cache descriptor got %+v, want %+v", descs[0], wantCache)
	}
	if descs[1] != wantDisk {
		t.Errorf("device descriptor got %+v, want %+v", descs[1], wantDisk)
	}
	eventually(t, "file references to drop", func() bool {
		refs, gets := f.counts()
		return refs == 0 && gets == 0
	})
}

func TestSubmitErrors(t *testing.T) {
	env := newTestEnv(t, false)
	for _, tc := range []struct {
		name string
		req  Request
		want error
	}{
		{
			name: "unknown handle",
			req:  Request{Handle: 0xdead000, Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x1000, Length: 1}}},
			want: linuxerr.ENOENT,
		},
		{
			name: "bad source",
			req:  Request{Handle: env.seg.Handle(), Chunks: []strom.Chunk{{Source: 'x', Length: 1}}},
			want: linuxerr.EINVAL,
		},
		{
			name: "file chunk without file",
			req:  Request{Handle: env.seg.Handle(), Chunks: []strom.Chunk{{Source: strom.SourceFile, Length: 1}}},
			want: linuxerr.EINVAL,
		},
		{
			name: "past end of segment",
			req:  Request{Handle: env.seg.Handle(), Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x1000, Length: 2, Offset: 1<<20 - 1}}},
			want: linuxerr.EINVAL,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.engine.Submit(tc.req); !errors.Is(err, tc.want) {
				t.Errorf("Submit got err %v, want %v", err, tc.want)
			}
			if got := env.host.pinnedCount(); got != 0 {
				t.Errorf("%d pages pinned after a rejected request", got)
			}
			if got := env.refs(t); got != 0 {
				t.Errorf("refcount got %d, want 0", got)
			}
			if env.engine.Len() != 0 {
				t.Errorf("rejected request left a task registered")
			}
		})
	}
}

func TestPinFailureBeforeSubmission(t *testing.T) {
	env := newTestEnv(t, false)
	env.host.failAt = 0x12000
	_, err := env.engine.Submit(Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{
			{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x4000, Offset: 0},
		},
	})
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("Submit got err %v, want EFAULT", err)
	}
	if got := len(env.copier.descriptors()); got != 0 {
		t.Errorf("got %d descriptors, want 0", got)
	}
	env.waitIdle(t)
}

func TestPinFailureAfterPartialSubmission(t *testing.T) {
	env := newTestEnv(t, true)
	env.host.failAt = 0x90000
	_, err := env.engine.Submit(Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{
			// Fills the first device page, so it is flushed at once.
			{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 64 << 10, Offset: 0},
			{Source: strom.SourceMemory, HostAddr: 0x90000, Length: 0x1000, Offset: 64 << 10},
		},
	})
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("Submit got err %v, want EFAULT", err)
	}
	if got := len(env.copier.descriptors()); got != 1 {
		t.Fatalf("got %d descriptors, want 1", got)
	}
	// The submitted descriptor still holds the task and its resources.
	if env.engine.Len() != 1 {
		t.Errorf("task was reaped with a descriptor in flight")
	}
	if got := env.refs(t); got != 1 {
		t.Errorf("refcount got %d, want 1", got)
	}
	env.copier.complete(nil)
	env.waitIdle(t)
}

func TestCopyEngineRejects(t *testing.T) {
	env := newTestEnv(t, false)
	env.copier.fail = linuxerr.EBUSY
	if _, err := env.engine.Submit(Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x1000}},
	}); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Fatalf("Submit got err %v, want EBUSY", err)
	}
	env.waitIdle(t)
}

func TestWaitReturnsCopyError(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.engine.Submit(Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x1000}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	done := make(chan error)
	go func() { done <- env.engine.Wait(context.Background(), id) }()
	env.waitRegistered(t, id)
	env.copier.complete(linuxerr.EIO)
	if err := <-done; !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Wait got err %v, want EIO", err)
	}
}

func TestWaitAfterReaped(t *testing.T) {
	env := newTestEnv(t, false)
	id, err := env.engine.Copy(context.Background(), Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x1000}},
	})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	before := testutil.ToFloat64(metric.WaitNotFound)
	if err := env.engine.Wait(context.Background(), id); err != nil {
		t.Errorf("Wait on a reaped task got err %v, want nil", err)
	}
	if got := testutil.ToFloat64(metric.WaitNotFound); got != before+1 {
		t.Errorf("wait_not_found_total got %v, want %v", got, before+1)
	}
}

func TestWaitChained(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.engine.Submit(Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x1000}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error { return env.engine.Wait(context.Background(), id) })
	}
	env.waitRegistered(t, id)
	// Give the other waiters a chance to chain before completing.
	time.Sleep(20 * time.Millisecond)
	env.copier.complete(nil)
	if err := g.Wait(); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
}

func TestWaitCancelled(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.engine.Submit(Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x1000}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := env.engine.Wait(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait got err %v, want %v", err, context.DeadlineExceeded)
	}
	// Cancellation does not cancel the task.
	if env.engine.Len() != 1 {
		t.Errorf("task was reaped by a cancelled Wait")
	}
	done := make(chan error)
	go func() { done <- env.engine.Wait(context.Background(), id) }()
	env.waitRegistered(t, id)
	env.copier.complete(nil)
	if err := <-done; err != nil {
		t.Errorf("Wait failed: %v", err)
	}
}

func TestConcurrentTasksRestoreRefcount(t *testing.T) {
	env := newTestEnv(t, true)
	const n = 32
	ids := make([]uint64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			id, err := env.engine.Submit(Request{
				Handle: env.seg.Handle(),
				Chunks: []strom.Chunk{{
					Source:   strom.SourceMemory,
					HostAddr: uint64(0x100000 + i*0x10000),
					Length:   0x8000,
					Offset:   uint64(i) * 0x8000,
				}},
			})
			ids[i] = id
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := env.refs(t); got != n {
		t.Errorf("refcount with %d tasks in flight got %d", n, got)
	}
	// Unmap must wait for every task.
	unmapped := make(chan error)
	go func() { unmapped <- env.mapper.Unmap(env.seg.Handle()) }()
	select {
	case err := <-unmapped:
		t.Fatalf("Unmap returned %v with tasks in flight", err)
	case <-time.After(20 * time.Millisecond):
	}

	env.copier.complete(nil)
	var wg errgroup.Group
	for _, id := range ids {
		wg.Go(func() error { return env.engine.Wait(context.Background(), id) })
	}
	if err := wg.Wait(); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
	if err := <-unmapped; err != nil {
		t.Errorf("Unmap failed: %v", err)
	}
	env.waitIdle(t)
}

func TestSubmitAfterUnmap(t *testing.T) {
	env := newTestEnv(t, false)
	if err := env.mapper.Unmap(env.seg.Handle()); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if _, err := env.engine.Submit(Request{
		Handle: env.seg.Handle(),
		Chunks: []strom.Chunk{{Source: strom.SourceMemory, HostAddr: 0x10000, Length: 0x1000}},
	}); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Submit got err %v, want ENOENT", err)
	}
	if got := env.host.pinnedCount(); got != 0 {
		t.Errorf("pinned %d pages for an unmapped destination", got)
	}
}
