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

// Package strom contains the argument and result types of the NVMe-Strom
// control verbs, and the constants shared between the driver core and its
// callers.
package strom

// Driver constants.
const (
	// Version is reported by the status surface and the CLI.
	Version = "0.9"

	// StatusHeader is the first line of the status text.
	StatusHeader = "# NVMe-Strom Mapped GPU Memory"

	// SegmentShards is the default number of mapped segment shards.
	SegmentShards = 48

	// SegmentSeed is the default hash seed of the segment table.
	SegmentSeed = 0x20140702

	// TaskShards is the default number of DMA task shards.
	TaskShards = 100

	// TaskSeed is the default hash seed of the DMA task table.
	TaskSeed = 0x20120106
)

// Filesystem magic numbers accepted as copy sources, from
// include/uapi/linux/magic.h and fs/xfs/libxfs/xfs_format.h.
const (
	EXT4_SUPER_MAGIC = 0xef53
	XFS_SB_MAGIC     = 0x58465342
)

// BLOCK_EXT_MAJOR is the major number of extended block devices, which is
// where NVMe namespaces live.
const BLOCK_EXT_MAJOR = 259

// P2PPageSize is the page size code reported by the GPU P2P facility, from
// nv-p2p.h.
type P2PPageSize uint32

// P2P page size codes.
const (
	NVIDIA_P2P_PAGE_SIZE_4KB   P2PPageSize = 0
	NVIDIA_P2P_PAGE_SIZE_64KB  P2PPageSize = 1
	NVIDIA_P2P_PAGE_SIZE_128KB P2PPageSize = 2
)

// Bytes returns the page size in bytes, or 0 if the code is unknown.
func (p P2PPageSize) Bytes() uint64 {
	switch p {
	case NVIDIA_P2P_PAGE_SIZE_4KB:
		return 4 << 10
	case NVIDIA_P2P_PAGE_SIZE_64KB:
		return 64 << 10
	case NVIDIA_P2P_PAGE_SIZE_128KB:
		return 128 << 10
	default:
		return 0
	}
}

// ChunkSource tags where a chunk's bytes come from.
type ChunkSource byte

// Chunk sources.
const (
	SourceMemory ChunkSource = 'm'
	SourceFile   ChunkSource = 'f'
)

// String implements fmt.Stringer.String.
func (s ChunkSource) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceFile:
		return "file"
	default:
		return "invalid"
	}
}

// Chunk is one sub-request of a copy.
type Chunk struct {
	// Source selects HostAddr or FilePos.
	Source ChunkSource

	// HostAddr is the host virtual address for SourceMemory chunks.
	HostAddr uint64

	// FilePos is the file offset for SourceFile chunks.
	FilePos uint64

	// Length is the number of bytes to copy.
	Length uint64

	// Offset is the destination byte offset within the mapped segment,
	// relative to the caller's virtual address.
	Offset uint64
}

// CheckFile is the argument of the CheckFile verb.
type CheckFile struct {
	FD int32
}

// MapGpuMemory is the argument and result of the MapGpuMemory verb.
type MapGpuMemory struct {
	// VAddress is the GPU virtual address to map.
	VAddress uint64

	// Length is the number of bytes to map from VAddress.
	Length uint64

	// Handle is set on success.
	Handle uint64
}

// UnmapGpuMemory is the argument of the UnmapGpuMemory verb.
type UnmapGpuMemory struct {
	Handle uint64
}

// InfoGpuMemory is the argument and result of the InfoGpuMemory verb.
type InfoGpuMemory struct {
	// Handle names the segment.
	Handle uint64

	// NRooms is the capacity the caller provides for physical addresses.
	NRooms uint32

	// Version is the page table version.
	Version uint32

	// PageSize is the device page size in bytes.
	PageSize uint32

	// Entries is the number of page table entries, which may exceed
	// len(PhysicalAddress).
	Entries uint32

	// PhysicalAddress holds the first min(NRooms, Entries) addresses.
	PhysicalAddress []uint64
}

// FileInfo holds the facts about an open file that decide whether it can be
// a copy source.
type FileInfo struct {
	// Readable is true if the file was opened for reading.
	Readable bool

	// FSMagic is the filesystem magic number.
	FSMagic int64

	// Size is the file size in bytes.
	Size int64

	// BlockSize is the filesystem block size.
	BlockSize int64

	// DevMajor and DevMinor identify the block device backing the
	// filesystem.
	DevMajor uint32
	DevMinor uint32

	// DiskName is the name of the whole disk holding that block device,
	// e.g. "nvme0n1".
	DiskName string
}

// MemCpySsdToGpu is the argument and result of the copy verbs.
type MemCpySsdToGpu struct {
	// Handle names the destination segment.
	Handle uint64

	// FD is the source file descriptor, or -1 if no chunk reads a file.
	FD int32

	// Chunks are processed in order.
	Chunks []Chunk

	// DMATaskID is set once the task is kicked.
	DMATaskID uint64
}

// MemCpySsdToGpuWait is the argument of the wait verb.
type MemCpySsdToGpuWait struct {
	DMATaskID uint64
}

// Debug is the argument of the Debug verb.
type Debug struct {
	FD     int32
	Offset uint64
	Length uint64
}

// DebugPage is one line of the Debug verb output.
type DebugPage struct {
	// Index is the file page index.
	Index uint64

	// Cached is true if the page is resident in the page cache.
	Cached bool

	// Physical is the physical address of a cached page, or zero if it
	// could not be resolved.
	Physical uint64

	// Block is the device block number when the page is not cached.
	Block uint64

	// Err is set when the block lookup failed.
	Err error
}
