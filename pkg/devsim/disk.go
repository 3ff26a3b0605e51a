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
	"sync/atomic"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
)

// Disk simulates an NVMe namespace.
type Disk struct {
	name      string
	blockSize uint64
	minor     uint32

	mu sync.RWMutex

	// +checklocks:mu
	data []byte

	// +checklocks:mu
	nextBlock uint64
}

// NewDisk returns a disk of nblocks blocks of blockSize bytes.
func NewDisk(name string, blockSize, nblocks uint64) *Disk {
	return &Disk{
		name:      name,
		blockSize: blockSize,
		data:      make([]byte, blockSize*nblocks),
		// Block zero is never handed out; it reads as a hole.
		nextBlock: 1,
	}
}

// Name returns the disk name.
func (d *Disk) Name() string { return d.name }

// BlockSize returns the block size in bytes.
func (d *Disk) BlockSize() uint64 { return d.blockSize }

// allocBlock returns a free block number.
//
// Preconditions: d.mu must be locked.
func (d *Disk) allocBlock(gap bool) (uint64, error) {
	blk := d.nextBlock
	if (blk+1)*d.blockSize > uint64(len(d.data)) {
		return 0, fmt.Errorf("devsim: disk %s is full: %w", d.name, linuxerr.ENOSPC)
	}
	d.nextBlock++
	if gap {
		d.nextBlock++
	}
	return blk, nil
}

// read returns n bytes at byte offset off.
func (d *Disk) read(off, n uint64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off+n < off || off+n > uint64(len(d.data)) {
		return nil, fmt.Errorf("devsim: disk %s read %#x+%#x out of range: %w", d.name, off, n, linuxerr.EIO)
	}
	return append([]byte(nil), d.data[off:off+n]...), nil
}

// FileOptions configures a simulated file.
type FileOptions struct {
	// Resident lists the page indexes present in the page cache.
	Resident []uint64

	// AllResident puts every page in the page cache.
	AllResident bool

	// Fragment leaves a free block after every data block, so no two file
	// blocks are adjacent on the disk.
	Fragment bool

	// FSMagic overrides the reported filesystem magic. Zero means ext4.
	FSMagic int64

	// WriteOnly reports the file as not opened for reading.
	WriteOnly bool
}

// File is a file stored on a Disk, with a page cache in Host memory. It
// implements dma.File.
type File struct {
	disk *Disk
	host *Host
	size uint64
	info strom.FileInfo

	// blocks maps file blocks to disk blocks.
	blocks []uint64

	refs atomic.Int64

	mu sync.Mutex

	// cache maps page indexes to host physical pages.
	//
	// +checklocks:mu
	cache map[uint64]uint64

	// pageRefs counts FindPage references per physical page.
	//
	// +checklocks:mu
	pageRefs map[uint64]int
}

// NewFile writes data to the disk and returns a file holding it. Page cache
// pages are allocated from host.
func (d *Disk) NewFile(host *Host, data []byte, opts FileOptions) (*File, error) {
	f := &File{
		disk:     d,
		host:     host,
		size:     uint64(len(data)),
		cache:    make(map[uint64]uint64),
		pageRefs: make(map[uint64]int),
	}
	magic := opts.FSMagic
	if magic == 0 {
		magic = strom.EXT4_SUPER_MAGIC
	}
	f.info = strom.FileInfo{
		Readable:  !opts.WriteOnly,
		FSMagic:   magic,
		Size:      int64(len(data)),
		BlockSize: int64(d.blockSize),
		DevMajor:  strom.BLOCK_EXT_MAJOR,
		DevMinor:  d.minor,
		DiskName:  d.name,
	}

	d.mu.Lock()
	for off := uint64(0); off < f.size; off += d.blockSize {
		blk, err := d.allocBlock(opts.Fragment)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		end := min(off+d.blockSize, f.size)
		copy(d.data[blk*d.blockSize:], data[off:end])
		f.blocks = append(f.blocks, blk)
	}
	d.mu.Unlock()

	npages := (f.size + hostarch.PageSize - 1) / hostarch.PageSize
	resident := make(map[uint64]bool)
	for _, idx := range opts.Resident {
		resident[idx] = true
	}
	for idx := uint64(0); idx < npages; idx++ {
		if !opts.AllResident && !resident[idx] {
			continue
		}
		start := idx * hostarch.PageSize
		end := min(start+hostarch.PageSize, f.size)
		f.cache[idx] = host.newPage(data[start:end])
	}
	f.refs.Store(1)
	return f, nil
}

// Info returns the eligibility facts of the file.
func (f *File) Info() strom.FileInfo { return f.info }

// Size returns the file size in bytes.
func (f *File) Size() uint64 { return f.size }

// FindPage implements dma.PageCache.FindPage.
func (f *File) FindPage(index uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	phys, ok := f.cache[index]
	if ok {
		f.pageRefs[phys]++
	}
	return phys, ok
}

// PutPage implements dma.PageCache.PutPage.
func (f *File) PutPage(phys uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch n := f.pageRefs[phys]; {
	case n <= 0:
		panic(fmt.Sprintf("devsim: put of unreferenced page cache page %#x", phys))
	case n == 1:
		delete(f.pageRefs, phys)
	default:
		f.pageRefs[phys] = n - 1
	}
}

// PageRefs returns the number of page cache pages with references held.
func (f *File) PageRefs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pageRefs)
}

// Evict drops page index from the page cache. It fails if the page is in
// use.
func (f *File) Evict(index uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	phys, ok := f.cache[index]
	if !ok {
		return nil
	}
	if f.pageRefs[phys] > 0 {
		return linuxerr.EBUSY
	}
	delete(f.cache, index)
	return nil
}

// BlockSize implements dma.BlockMapper.BlockSize.
func (f *File) BlockSize() uint64 { return f.disk.blockSize }

// Bmap implements dma.BlockMapper.Bmap.
func (f *File) Bmap(blk uint64) (uint64, error) {
	if blk >= uint64(len(f.blocks)) {
		return 0, fmt.Errorf("devsim: file block %d is past the end of file: %w", blk, linuxerr.EINVAL)
	}
	return f.blocks[blk], nil
}

// IncRef implements dma.File.IncRef.
func (f *File) IncRef() {
	f.refs.Add(1)
}

// DecRef implements dma.File.DecRef.
func (f *File) DecRef() {
	if f.refs.Add(-1) < 0 {
		panic("devsim: file reference count went negative")
	}
}

// Refs returns the number of references on the file.
func (f *File) Refs() int64 {
	return f.refs.Load()
}
