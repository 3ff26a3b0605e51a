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

// Package p2p defines the interface of the GPU peer-to-peer page pinning
// facility, modeled on the nvidia_p2p_* kernel API.
package p2p

import (
	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
)

// Page is one entry of a PageTable.
type Page struct {
	// PhysicalAddress is the bus address of the device page.
	PhysicalAddress uint64
}

// PageTable describes pinned device memory as fixed-size physical pages.
type PageTable struct {
	// Version is the page table layout version.
	Version uint32

	// PageSize is the size code shared by every entry.
	PageSize strom.P2PPageSize

	// Pages are ordered by virtual address.
	Pages []Page
}

// Entries returns the number of pages in the table.
func (pt *PageTable) Entries() int {
	return len(pt.Pages)
}

// Pinner pins GPU device memory for third party DMA.
type Pinner interface {
	// GetPages pins [vaddr, vaddr+length) and returns its page table. vaddr
	// and length must be aligned to the GPU bound.
	//
	// free is the revocation callback. The facility calls it, from any
	// goroutine and at any time until PutPages returns, when the memory is
	// about to go away. free must eventually call FreePageTable, and the
	// memory is not reclaimed until it does.
	GetPages(vaddr, length uint64, free func()) (*PageTable, error)

	// PutPages releases a pin obtained by GetPages. After PutPages returns
	// the revocation callback will not be called.
	PutPages(vaddr uint64, pt *PageTable) error

	// FreePageTable releases a page table from within the revocation
	// callback.
	FreePageTable(pt *PageTable) error
}
