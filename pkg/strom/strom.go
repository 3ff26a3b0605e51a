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

// Package strom implements the NVMe-Strom control verbs on top of the GPU
// memory mapper and the DMA engine.
//
// Callers refer to source files through descriptors installed in the
// driver's file table, and to GPU memory through the handles returned by
// MapGpuMemory.
package strom

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/dma"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/gpumem"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/log"
	"github.com/lycheenice/nvme-kmod/pkg/p2p"
)

// File is an open source file.
type File interface {
	dma.File

	// Info returns the facts that decide whether the file can be a copy
	// source.
	Info() strom.FileInfo
}

// Options configures a Driver.
type Options struct {
	// Owner is recorded as the owner of mapped segments. Zero means the
	// current process.
	Owner int32

	// Eligibility decides whether a file can be a copy source. Nil means
	// CheckFileInfo.
	Eligibility func(strom.FileInfo) error

	// CopyOut publishes verb results to the caller. A failure is reported
	// to the caller of the verb. Nil means results are published by
	// updating the argument in place only.
	CopyOut func(arg any) error

	// Segments configures the segment table.
	Segments gpumem.Options

	// Tasks configures the task table.
	Tasks dma.Options
}

// Driver serves the control verbs.
type Driver struct {
	owner    int32
	eligible func(strom.FileInfo) error
	copyOut  func(arg any) error
	mapper   *gpumem.Mapper
	engine   *dma.Engine

	mu sync.Mutex

	// +checklocks:mu
	lastFD int32

	// +checklocks:mu
	files map[int32]File
}

// New returns a Driver that maps GPU memory through pinner, pins host memory
// through host and copies through copier.
func New(pinner p2p.Pinner, host dma.HostMemory, copier dma.CopyEngine, opts Options) *Driver {
	if opts.Owner == 0 {
		opts.Owner = int32(os.Getpid())
	}
	if opts.Eligibility == nil {
		opts.Eligibility = CheckFileInfo
	}
	if opts.CopyOut == nil {
		opts.CopyOut = func(any) error { return nil }
	}
	mapper := gpumem.NewMapper(pinner, opts.Segments)
	return &Driver{
		owner:    opts.Owner,
		eligible: opts.Eligibility,
		copyOut:  opts.CopyOut,
		mapper:   mapper,
		engine:   dma.NewEngine(mapper, host, copier, opts.Tasks),
		files:    make(map[int32]File),
	}
}

// Mapper returns the GPU memory mapper.
func (d *Driver) Mapper() *gpumem.Mapper { return d.mapper }

// Engine returns the DMA engine.
func (d *Driver) Engine() *dma.Engine { return d.engine }

// InstallFD adds f to the file table and returns its descriptor. The table
// takes over the caller's reference on f.
func (d *Driver) InstallFD(f File) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastFD++
	d.files[d.lastFD] = f
	return d.lastFD
}

// CloseFD removes fd from the file table and drops its reference. Tasks
// reading the file keep their own references.
func (d *Driver) CloseFD(fd int32) error {
	d.mu.Lock()
	f, ok := d.files[fd]
	delete(d.files, fd)
	d.mu.Unlock()
	if !ok {
		return linuxerr.EBADF
	}
	f.DecRef()
	return nil
}

// getFile returns the file for fd with a reference held.
func (d *Driver) getFile(fd int32) (File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fd]
	if !ok {
		return nil, fmt.Errorf("strom: file descriptor %d: %w", fd, linuxerr.EBADF)
	}
	f.IncRef()
	return f, nil
}

// CheckFile reports whether the file behind arg.FD can be a copy source.
func (d *Driver) CheckFile(ctx context.Context, arg *strom.CheckFile) error {
	f, err := d.getFile(arg.FD)
	if err != nil {
		return err
	}
	defer f.DecRef()
	return d.eligible(f.Info())
}

// MapGpuMemory maps GPU memory and sets arg.Handle.
func (d *Driver) MapGpuMemory(ctx context.Context, arg *strom.MapGpuMemory) error {
	s, err := d.mapper.Map(d.owner, arg.VAddress, arg.Length)
	if err != nil {
		return err
	}
	arg.Handle = s.Handle()
	if err := d.copyOut(arg); err != nil {
		if uerr := d.mapper.Unmap(s.Handle()); uerr != nil {
			log.Warningf("strom: failed to unmap handle %#x after copy out failure: %v", s.Handle(), uerr)
		}
		return err
	}
	return nil
}

// UnmapGpuMemory unmaps the segment for arg.Handle. It blocks until in-flight
// tasks release the segment.
func (d *Driver) UnmapGpuMemory(ctx context.Context, arg *strom.UnmapGpuMemory) error {
	return d.mapper.Unmap(arg.Handle)
}

// InfoGpuMemory fills in the page table description of arg.Handle.
func (d *Driver) InfoGpuMemory(ctx context.Context, arg *strom.InfoGpuMemory) error {
	info, err := d.mapper.Info(arg.Handle, arg.NRooms)
	if err != nil {
		return err
	}
	*arg = info
	return d.copyOut(arg)
}

// request builds the engine request for arg. If the returned file is not
// nil, the caller must DecRef it.
func (d *Driver) request(arg *strom.MemCpySsdToGpu) (dma.Request, File, error) {
	req := dma.Request{
		Handle: arg.Handle,
		Chunks: arg.Chunks,
	}
	if arg.FD < 0 {
		return req, nil, nil
	}
	f, err := d.getFile(arg.FD)
	if err != nil {
		return req, nil, err
	}
	if err := d.eligible(f.Info()); err != nil {
		f.DecRef()
		return req, nil, err
	}
	req.File = f
	return req, f, nil
}

func (d *Driver) submit(arg *strom.MemCpySsdToGpu) (uint64, error) {
	req, f, err := d.request(arg)
	if err != nil {
		return 0, err
	}
	if f != nil {
		defer f.DecRef()
	}
	return d.engine.Submit(req)
}

// MemCpySsdToGpu copies arg.Chunks into the segment and waits for the copy
// to complete. arg.DMATaskID is published before waiting.
func (d *Driver) MemCpySsdToGpu(ctx context.Context, arg *strom.MemCpySsdToGpu) error {
	id, err := d.submit(arg)
	if err != nil {
		return err
	}
	arg.DMATaskID = id
	perr := d.copyOut(arg)
	if err := d.engine.Wait(ctx, id); err != nil {
		return err
	}
	return perr
}

// MemCpySsdToGpuAsync starts copying arg.Chunks into the segment and sets
// arg.DMATaskID. If the task id cannot be published, it waits for the task
// so that no caller is left holding an unknown task.
func (d *Driver) MemCpySsdToGpuAsync(ctx context.Context, arg *strom.MemCpySsdToGpu) error {
	id, err := d.submit(arg)
	if err != nil {
		return err
	}
	arg.DMATaskID = id
	if err := d.copyOut(arg); err != nil {
		if werr := d.engine.Wait(ctx, id); werr != nil {
			log.Warningf("strom: task %#x failed after copy out failure: %v", id, werr)
		}
		return err
	}
	return nil
}

// MemCpySsdToGpuWait waits for arg.DMATaskID and returns its error. A task
// that already completed and was reaped reports success.
func (d *Driver) MemCpySsdToGpuWait(ctx context.Context, arg *strom.MemCpySsdToGpuWait) error {
	return d.engine.Wait(ctx, arg.DMATaskID)
}

// Debug walks the file pages of [arg.Offset, arg.Offset+arg.Length) of
// arg.FD. See DebugFile.
func (d *Driver) Debug(ctx context.Context, arg *strom.Debug) ([]strom.DebugPage, error) {
	f, err := d.getFile(arg.FD)
	if err != nil {
		return nil, err
	}
	defer f.DecRef()
	return DebugFile(ctx, f, arg.Offset, arg.Length)
}

// DebugFile walks the pages of f covering [offset, offset+length) and reports
// for each whether it is in the page cache, or which device block holds it.
func DebugFile(ctx context.Context, f dma.File, offset, length uint64) ([]strom.DebugPage, error) {
	if length == 0 {
		return nil, nil
	}
	if offset+length < offset {
		return nil, fmt.Errorf("strom: range %#x+%#x overflows: %w", offset, length, linuxerr.EINVAL)
	}
	bs := f.BlockSize()
	if bs == 0 {
		return nil, fmt.Errorf("strom: file has no block size: %w", linuxerr.EINVAL)
	}
	first := offset >> hostarch.PageShift
	last := (offset + length - 1) >> hostarch.PageShift
	var pages []strom.DebugPage
	for index := first; index <= last; index++ {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		p := strom.DebugPage{Index: index}
		if phys, ok := f.FindPage(index); ok {
			f.PutPage(phys)
			p.Cached = true
			p.Physical = phys
			log.Infof("strom: file page %d: page cache hit (phys=%#x)", index, phys)
		} else {
			p.Block, p.Err = f.Bmap(index * hostarch.PageSize / bs)
			if p.Err != nil {
				log.Infof("strom: file page %d: block lookup failed: %v", index, p.Err)
			} else {
				log.Infof("strom: file page %d: block %d", index, p.Block)
			}
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// Status returns the status text listing every mapped segment.
func (d *Driver) Status(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := d.mapper.Generate(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
