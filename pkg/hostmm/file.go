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

package hostmm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/log"
)

// File is an open host file usable as a copy source. Page cache residency
// comes from mincore on a shared read-only mapping of the file, and block
// locations from FIEMAP.
type File struct {
	fd      int
	info    strom.FileInfo
	pinner  *Pinner
	mapping []byte

	refs atomic.Int64
}

// Open opens path for reading. Resident pages are pinned through pinner. If
// pinner is nil, resident pages are reported at physical address zero, which
// only serves inspection.
func Open(path string, pinner *Pinner) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	f, err := NewFile(fd, pinner)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return f, nil
}

// NewFile wraps the open file fd, and takes ownership of it on success.
func NewFile(fd int, pinner *Pinner) (*File, error) {
	info, err := Stat(fd)
	if err != nil {
		return nil, err
	}
	f := &File{fd: fd, info: info, pinner: pinner}
	if info.Size > 0 && info.Readable {
		m, err := unix.Mmap(fd, 0, int(info.Size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("hostmm: mmap of %d bytes: %w", info.Size, err)
		}
		f.mapping = m
	}
	f.refs.Store(1)
	return f, nil
}

// Info returns the eligibility facts of the file.
func (f *File) Info() strom.FileInfo { return f.info }

// Resident reports whether page index of the file is in the page cache.
func (f *File) Resident(index uint64) (bool, error) {
	off := index * hostarch.PageSize
	if off >= uint64(len(f.mapping)) {
		return false, nil
	}
	end := min(off+hostarch.PageSize, uint64(len(f.mapping)))
	var vec [1]byte
	if err := mincore(f.mapping[off:end], vec[:]); err != nil {
		return false, fmt.Errorf("hostmm: mincore of page %d: %w", index, err)
	}
	return vec[0]&1 != 0, nil
}

// mincore reports residency of the pages of b in vec, one byte per page.
//
// Preconditions: b starts on a page boundary and vec has room for every
// page of b.
func mincore(b, vec []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

func (f *File) pageAddr(index uint64) hostarch.Addr {
	return hostarch.Addr(uintptr(unsafe.Pointer(&f.mapping[0]))) + hostarch.Addr(index*hostarch.PageSize)
}

// FindPage implements dma.PageCache.FindPage.
func (f *File) FindPage(index uint64) (uint64, bool) {
	resident, err := f.Resident(index)
	if err != nil {
		log.Warningf("%v", err)
		return 0, false
	}
	if !resident {
		return 0, false
	}
	if f.pinner == nil {
		return 0, true
	}
	pages, err := f.pinner.Pin(f.pageAddr(index), 1)
	if err != nil {
		f.pinner.Unpin(pages)
		log.Debugf("hostmm: pinning resident page %d: %v", index, err)
		return 0, false
	}
	return pages[0], true
}

// PutPage implements dma.PageCache.PutPage.
func (f *File) PutPage(phys uint64) {
	if f.pinner != nil {
		f.pinner.Unpin([]uint64{phys})
	}
}

// BlockSize implements dma.BlockMapper.BlockSize.
func (f *File) BlockSize() uint64 { return uint64(f.info.BlockSize) }

// Bmap implements dma.BlockMapper.Bmap.
func (f *File) Bmap(blk uint64) (uint64, error) {
	bs := f.BlockSize()
	if bs == 0 {
		return 0, linuxerr.EINVAL
	}
	addr, err := bmap(f.fd, blk*bs)
	if err != nil {
		return 0, err
	}
	return addr / bs, nil
}

// IncRef implements dma.File.IncRef.
func (f *File) IncRef() {
	f.refs.Add(1)
}

// DecRef implements dma.File.DecRef. The last reference unmaps and closes
// the file.
func (f *File) DecRef() {
	switch n := f.refs.Add(-1); {
	case n == 0:
		if f.mapping != nil {
			if err := unix.Munmap(f.mapping); err != nil {
				log.Warningf("hostmm: munmap: %v", err)
			}
		}
		if err := unix.Close(f.fd); err != nil {
			log.Warningf("hostmm: close: %v", err)
		}
	case n < 0:
		panic("hostmm: file reference count went negative")
	}
}
