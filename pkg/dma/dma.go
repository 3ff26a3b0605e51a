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

// Package dma implements asynchronous copies from host memory, page cache
// and NVMe blocks into mapped GPU memory.
//
// A copy request becomes a task. The task holds a reference on its
// destination segment, the host and page cache pages it reads, and its
// source file, until every copy descriptor it submitted has completed.
// Completion runs on whatever goroutine the copy engine uses to report it.
//
// Lock order:
//
//	handletable.Bucket.mu (task table)
//	  Task.mu
package dma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/cleanup"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/gpumem"
	"github.com/lycheenice/nvme-kmod/pkg/handletable"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/log"
	"github.com/lycheenice/nvme-kmod/pkg/metric"
)

// SourceKind is the kind of memory a descriptor reads from.
type SourceKind int

// Source kinds.
const (
	// SourceHost is host physical memory: pinned user pages or page cache.
	SourceHost SourceKind = iota

	// SourceDevice is an NVMe device byte address.
	SourceDevice
)

// String implements fmt.Stringer.String. It doubles as the metric label.
func (k SourceKind) String() string {
	switch k {
	case SourceHost:
		return metric.SourceHost
	case SourceDevice:
		return metric.SourceDevice
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// Descriptor is one contiguous copy.
type Descriptor struct {
	// TaskID is the task that submitted the descriptor.
	TaskID uint64

	// Source selects the address space of Src.
	Source SourceKind

	// Src is the first source byte.
	Src uint64

	// Dst is the first destination byte, a GPU bus address.
	Dst uint64

	// Length is the number of bytes to copy.
	Length uint64
}

// CopyEngine performs descriptors asynchronously.
type CopyEngine interface {
	// Submit queues d. done is called exactly once, on any goroutine, when
	// the copy finished. If Submit returns an error, done is not called.
	Submit(d Descriptor, done func(error)) error
}

// HostMemory pins user memory of the calling process.
type HostMemory interface {
	// Pin pins npages pages starting at the page aligned addr and returns
	// their physical addresses. On failure it returns the pages pinned so
	// far, which the caller must still Unpin.
	Pin(addr hostarch.Addr, npages int) ([]uint64, error)

	// Unpin releases pages returned by Pin.
	Unpin(pages []uint64)
}

// PageCache looks up resident pages of a file.
type PageCache interface {
	// FindPage returns the physical address of page index of the file if
	// it is resident. The page stays resident until PutPage.
	FindPage(index uint64) (uint64, bool)

	// PutPage releases a page returned by FindPage.
	PutPage(phys uint64)
}

// BlockMapper resolves file blocks to device blocks.
type BlockMapper interface {
	// BlockSize returns the filesystem block size.
	BlockSize() uint64

	// Bmap returns the device block that backs file block blk.
	Bmap(blk uint64) (uint64, error)
}

// File is an open source file.
type File interface {
	PageCache
	BlockMapper

	// IncRef takes a reference on the open file.
	IncRef()

	// DecRef drops a reference taken with IncRef.
	DecRef()
}

// Request describes a copy into a mapped segment.
type Request struct {
	// Handle names the destination segment.
	Handle uint64

	// File is the source of SourceFile chunks. It may be nil if there are
	// none.
	File File

	// Chunks are processed in order.
	Chunks []strom.Chunk
}

// Task is an in-flight copy.
type Task struct {
	id     uint64
	seg    *gpumem.Segment
	file   File
	chunks []strom.Chunk

	// pending is the number of submitted descriptors that have not
	// completed, plus one while submission is in progress. The task
	// finishes when it drops to zero.
	pending atomic.Int64

	// hostPages and filePages are appended only during submission, and
	// read only once pending reaches zero.
	hostPages []uint64
	filePages []uint64

	// waiter is protected by the lock of the task table shard that owns
	// id. It is closed when the task finishes.
	waiter chan struct{}

	mu sync.Mutex

	// err is the first error of the task.
	//
	// +checklocks:mu
	err error
}

// Handle implements handletable.Entry.Handle.
func (t *Task) Handle() uint64 { return t.id }

// ID returns the task id.
func (t *Task) ID() uint64 { return t.id }

// Err returns the first error the task encountered.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// waitLog reports waits on tasks that were already reaped. Those are
// expected, so they are rate limited.
var waitLog = log.BasicRateLimitedLogger(time.Second)

// Engine submits and tracks copy tasks.
type Engine struct {
	mapper *gpumem.Mapper
	host   HostMemory
	copier CopyEngine
	tasks  *handletable.Table[*Task]

	// lastID is the last task id handed out. Ids are never reused.
	lastID atomic.Uint64
}

// Options configures an Engine.
type Options struct {
	// Shards is the number of task table shards. Zero means
	// strom.TaskShards.
	Shards int

	// Seed is the shard hash seed.
	Seed uint64
}

// NewEngine returns an Engine that copies into segments of mapper.
func NewEngine(mapper *gpumem.Mapper, host HostMemory, copier CopyEngine, opts Options) *Engine {
	if opts.Shards == 0 {
		opts.Shards = strom.TaskShards
		opts.Seed = strom.TaskSeed
	}
	return &Engine{
		mapper: mapper,
		host:   host,
		copier: copier,
		tasks:  handletable.New[*Task](opts.Shards, opts.Seed),
	}
}

// Len returns the number of registered tasks.
func (e *Engine) Len() int {
	return e.tasks.Len()
}

// checkChunks validates chunks against the destination segment.
func checkChunks(req *Request, seg *gpumem.Segment) error {
	for i, ch := range req.Chunks {
		switch ch.Source {
		case strom.SourceMemory:
		case strom.SourceFile:
			if req.File == nil {
				return fmt.Errorf("dma: chunk %d reads a file but no file was given: %w", i, linuxerr.EINVAL)
			}
		default:
			return fmt.Errorf("dma: chunk %d has invalid source %q: %w", i, byte(ch.Source), linuxerr.EINVAL)
		}
		start := seg.MapOffset() + ch.Offset
		end := start + ch.Length
		if start < ch.Offset || end < start || end > seg.MapLength() {
			return fmt.Errorf("dma: chunk %d [%#x, %#x) is outside the mapped range of %#x bytes: %w",
				i, ch.Offset, ch.Offset+ch.Length, seg.MapLength()-seg.MapOffset(), linuxerr.EINVAL)
		}
	}
	return nil
}

// Submit starts the copy described by req and returns the task id once all
// of its descriptors are queued. Completion may still be pending.
//
// If Submit fails after some descriptors were queued, those descriptors
// still run, and the task releases its resources when they complete.
func (e *Engine) Submit(req Request) (uint64, error) {
	seg, err := e.mapper.Acquire(req.Handle)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { e.mapper.Release(seg) })
	defer cu.Clean()

	if err := checkChunks(&req, seg); err != nil {
		return 0, err
	}

	t := &Task{
		id:     e.lastID.Add(1),
		seg:    seg,
		file:   req.File,
		chunks: req.Chunks,
	}
	t.pending.Store(1)
	if t.file != nil {
		t.file.IncRef()
	}
	e.tasks.Insert(t)
	cu.Release()
	metric.TasksSubmitted.Inc()

	// From here on, the task may be finished by a completion callback as
	// soon as the submission reference is dropped.
	err = e.run(t)
	if err != nil {
		log.Warningf("dma: task %#x failed during submission: %v", t.id, err)
	}
	id := t.id
	e.put(t, err)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// run feeds the task's chunks through the coalescer.
func (e *Engine) run(t *Task) error {
	c := &coalescer{
		pageSize: t.seg.PageSize(),
		pages:    t.seg.PageTable().Pages,
		emit: func(x extent) error {
			return e.submitDescriptor(t, x)
		},
	}
	for i, ch := range t.chunks {
		if err := c.seek(t.seg.MapOffset() + ch.Offset); err != nil {
			return err
		}
		var err error
		switch ch.Source {
		case strom.SourceMemory:
			err = e.copyMemory(t, c, ch)
		case strom.SourceFile:
			err = e.copyFile(t, c, ch)
		}
		if err != nil {
			c.discard()
			return fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	return c.flush()
}

// copyMemory pins the host pages of ch and adds them to c.
func (e *Engine) copyMemory(t *Task, c *coalescer, ch strom.Chunk) error {
	if ch.Length == 0 {
		return nil
	}
	addr := hostarch.Addr(ch.HostAddr)
	end, ok := addr.AddLength(ch.Length)
	if !ok {
		return fmt.Errorf("host range %v+%#x overflows: %w", addr, ch.Length, linuxerr.EINVAL)
	}
	last, ok := end.RoundUp()
	if !ok {
		return fmt.Errorf("host range %v+%#x overflows: %w", addr, ch.Length, linuxerr.EINVAL)
	}
	first := addr.RoundDown()
	npages := int((last - first) / hostarch.PageSize)

	pages, err := e.host.Pin(first, npages)
	t.hostPages = append(t.hostPages, pages...)
	if err != nil {
		return err
	}
	if len(pages) < npages {
		return fmt.Errorf("pinned %d of %d pages at %v: %w", len(pages), npages, first, linuxerr.EFAULT)
	}

	off := addr.PageOffset()
	remain := ch.Length
	for _, phys := range pages {
		n := min(hostarch.PageSize-off, remain)
		if err := c.add(SourceHost, phys+off, n); err != nil {
			return err
		}
		remain -= n
		off = 0
	}
	return nil
}

// copyFile adds the file range of ch to c. Resident pages are copied from
// the page cache, others directly from the device blocks backing them.
func (e *Engine) copyFile(t *Task, c *coalescer, ch strom.Chunk) error {
	f := t.file
	pos := ch.FilePos
	end := pos + ch.Length
	if end < pos {
		return fmt.Errorf("file range %#x+%#x overflows: %w", pos, ch.Length, linuxerr.EINVAL)
	}
	for pos < end {
		off := pos % hostarch.PageSize
		n := min(hostarch.PageSize-off, end-pos)
		if phys, ok := f.FindPage(pos / hostarch.PageSize); ok {
			t.filePages = append(t.filePages, phys)
			if err := c.add(SourceHost, phys+off, n); err != nil {
				return err
			}
		} else if err := addBlocks(c, f, pos, n); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// addBlocks adds the device blocks backing file range [pos, pos+n) to c.
func addBlocks(c *coalescer, f BlockMapper, pos, n uint64) error {
	bs := f.BlockSize()
	for end := pos + n; pos < end; {
		boff := pos % bs
		m := min(bs-boff, end-pos)
		blk, err := f.Bmap(pos / bs)
		if err != nil {
			return fmt.Errorf("block map of file offset %#x: %w", pos, err)
		}
		if err := c.add(SourceDevice, blk*bs+boff, m); err != nil {
			return err
		}
		pos += m
	}
	return nil
}

// submitDescriptor hands one extent of t to the copy engine.
func (e *Engine) submitDescriptor(t *Task, x extent) error {
	d := Descriptor{
		TaskID: t.id,
		Source: x.source,
		Src:    x.src,
		Dst:    x.dst,
		Length: x.length,
	}
	t.pending.Add(1)
	if err := e.copier.Submit(d, func(err error) { e.put(t, err) }); err != nil {
		// The submission reference keeps pending above zero.
		t.pending.Add(-1)
		return err
	}
	metric.DescriptorsSubmitted.WithLabelValues(x.source.String()).Inc()
	metric.BytesSubmitted.WithLabelValues(x.source.String()).Add(float64(x.length))
	return nil
}

// put records err, if any, and drops one pending reference of t.
func (e *Engine) put(t *Task, err error) {
	if err != nil {
		t.setErr(err)
	}
	switch n := t.pending.Add(-1); {
	case n == 0:
		e.finish(t)
	case n < 0:
		panic(fmt.Sprintf("dma: task %#x completed more descriptors than it submitted", t.id))
	}
}

// finish deregisters t, releases everything it holds and wakes its waiter.
func (e *Engine) finish(t *Task) {
	var wake chan struct{}
	e.tasks.Do(t.id, func(b *handletable.Bucket[*Task]) {
		if _, ok := b.Remove(t.id); !ok {
			panic(fmt.Sprintf("dma: finished task %#x is not registered", t.id))
		}
		wake = t.waiter
		t.waiter = nil
	})

	e.mapper.Release(t.seg)
	if len(t.hostPages) > 0 {
		e.host.Unpin(t.hostPages)
	}
	if t.file != nil {
		for _, phys := range t.filePages {
			t.file.PutPage(phys)
		}
		t.file.DecRef()
	}

	err := t.Err()
	metric.TasksCompleted.WithLabelValues(linuxerr.KindOf(err).String()).Inc()
	if err != nil {
		log.Infof("dma: task %#x completed with error: %v", t.id, err)
	} else if log.IsLogging(log.Debug) {
		log.Debugf("dma: task %#x completed", t.id)
	}

	if wake != nil {
		close(wake)
	}
}

// Wait blocks until task id completes and returns its error. A task that
// cannot be found has already completed, which is reported as success.
//
// At most one waiter is registered per task. A later waiter takes over the
// slot and wakes the earlier one after it is woken itself.
func (e *Engine) Wait(ctx context.Context, id uint64) error {
	var (
		t     *Task
		found bool
		mine  = make(chan struct{})
		prev  chan struct{}
	)
	e.tasks.Do(id, func(b *handletable.Bucket[*Task]) {
		if t, found = b.Get(id); found {
			prev = t.waiter
			t.waiter = mine
		}
	})
	if !found {
		metric.WaitNotFound.Inc()
		waitLog.Infof("dma: task %#x not found, it has likely completed already", id)
		return nil
	}

	select {
	case <-mine:
		if prev != nil {
			close(prev)
		}
		return t.Err()
	case <-ctx.Done():
	}

	restored := false
	e.tasks.Do(id, func(*handletable.Bucket[*Task]) {
		if t.waiter == mine {
			t.waiter = prev
			restored = true
		}
	})
	if !restored {
		// Either the task finished or a later waiter chained on mine; in
		// both cases mine will be closed, and prev must follow.
		go func() {
			<-mine
			if prev != nil {
				close(prev)
			}
		}()
	}
	return ctx.Err()
}

// Copy submits req and waits for it to complete.
func (e *Engine) Copy(ctx context.Context, req Request) (uint64, error) {
	id, err := e.Submit(req)
	if err != nil {
		return 0, err
	}
	return id, e.Wait(ctx, id)
}
