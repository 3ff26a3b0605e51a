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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
)

// FS_IOC_FIEMAP is _IOWR('f', 11, struct fiemap), from
// include/uapi/linux/fs.h.
const FS_IOC_FIEMAP = 0xc020660b

// FIEMAP_FLAG_SYNC flushes dirty data before mapping.
const FIEMAP_FLAG_SYNC = 0x1

// FIEMAP_EXTENT_UNKNOWN marks extents whose location is not known yet, e.g.
// delayed allocations.
const FIEMAP_EXTENT_UNKNOWN = 0x2

// fiemapExtent is struct fiemap_extent.
type fiemapExtent struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved   [3]uint32
}

// fiemap is struct fiemap with room for one extent.
type fiemap struct {
	Start         uint64
	Length        uint64
	Flags         uint32
	MappedExtents uint32
	ExtentCount   uint32
	Reserved      uint32
	Extents       [1]fiemapExtent
}

// bmap returns the device byte address backing file offset off of fd.
func bmap(fd int, off uint64) (uint64, error) {
	fm := fiemap{
		Start:       off,
		Length:      1,
		Flags:       FIEMAP_FLAG_SYNC,
		ExtentCount: 1,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), FS_IOC_FIEMAP, uintptr(unsafe.Pointer(&fm))); errno != 0 {
		return 0, fmt.Errorf("hostmm: FIEMAP at %#x: %w", off, linuxerr.ErrorFromUnix(errno))
	}
	if fm.MappedExtents == 0 {
		return 0, fmt.Errorf("hostmm: file offset %#x is a hole: %w", off, linuxerr.ENOENT)
	}
	e := fm.Extents[0]
	if e.Flags&FIEMAP_EXTENT_UNKNOWN != 0 || off < e.Logical || off >= e.Logical+e.Length {
		return 0, fmt.Errorf("hostmm: file offset %#x has no known location: %w", off, linuxerr.EIO)
	}
	return e.Physical + (off - e.Logical), nil
}
