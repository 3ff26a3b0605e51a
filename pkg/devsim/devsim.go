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

// Package devsim simulates the hardware under the DMA engine: GPU device
// memory with its P2P pinning facility, host memory, an NVMe disk holding
// files, and a copy engine that moves bytes between them.
//
// The simulation runs the mapping and copy paths end to end without a GPU or
// NVMe device, and lets tests inject revocations and copy failures.
package devsim

import (
	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
)

// Config configures a Machine.
type Config struct {
	// PageSize is the P2P page size code of the GPU.
	PageSize strom.P2PPageSize

	// ScatterGPU makes consecutive GPU pages physically discontiguous.
	ScatterGPU bool

	// ScatterHost puts a physical hole after every ScatterHost host pages.
	ScatterHost int

	// DiskName is the name of the simulated disk. Empty means "nvme0n1".
	DiskName string

	// BlockSize is the filesystem block size. Zero means the host page
	// size.
	BlockSize uint64

	// DiskBlocks is the capacity of the disk in blocks. Zero means 4096.
	DiskBlocks uint64

	// Copy configures the copy engine.
	Copy CopyOptions
}

// Machine bundles a simulated GPU, host, disk and copy engine.
type Machine struct {
	GPU    *GPU
	Host   *Host
	Disk   *Disk
	Copier *CopyEngine
}

// New returns a Machine built from cfg.
func New(cfg Config) *Machine {
	if cfg.DiskName == "" {
		cfg.DiskName = "nvme0n1"
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = hostarch.PageSize
	}
	if cfg.DiskBlocks == 0 {
		cfg.DiskBlocks = 4096
	}
	m := &Machine{
		GPU:  NewGPU(cfg.PageSize, cfg.ScatterGPU),
		Host: NewHost(cfg.ScatterHost),
		Disk: NewDisk(cfg.DiskName, cfg.BlockSize, cfg.DiskBlocks),
	}
	m.Copier = NewCopyEngine(m.GPU, m.Host, m.Disk, cfg.Copy)
	return m
}

// Close stops the copy engine.
func (m *Machine) Close() {
	m.Copier.Close()
}
