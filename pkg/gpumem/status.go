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
	"sort"

	"github.com/prometheus/procfs"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/p2p"
)

// segmentSnapshot is a copy of the fields of a Segment shown in the status
// text.
type segmentSnapshot struct {
	handle     uint64
	owner      int32
	refs       int64
	mapAddress hostarch.Addr
	pageSize   uint64
	pageTable  *p2p.PageTable
}

// Generate writes the status text of every linked segment to buf. It
// implements the same contract as a dynamic proc file: the text is rebuilt
// on every call.
func (m *Mapper) Generate(ctx context.Context, buf *bytes.Buffer) error {
	var snaps []segmentSnapshot
	m.table.ForEach(func(s *Segment) {
		snaps = append(snaps, segmentSnapshot{
			handle:     s.handle,
			owner:      s.owner,
			refs:       s.refs,
			mapAddress: s.mapAddress,
			pageSize:   s.pageSize,
			pageTable:  s.pageTable,
		})
	})
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].handle < snaps[j].handle })

	// Process names are best effort; /proc may be unavailable.
	fs, fsErr := procfs.NewDefaultFS()

	fmt.Fprintf(buf, "%s\n", strom.StatusHeader)
	for _, s := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(buf, "handle: %#x\n", s.handle)
		owner := fmt.Sprintf("%d", s.owner)
		if fsErr == nil {
			if p, err := fs.Proc(int(s.owner)); err == nil {
				if comm, err := p.Comm(); err == nil {
					owner = fmt.Sprintf("%d (%s)", s.owner, comm)
				}
			}
		}
		fmt.Fprintf(buf, "owner: %s\n", owner)
		fmt.Fprintf(buf, "refcnt: %d\n", s.refs)
		// The page table is immutable once linked.
		pt := s.pageTable
		fmt.Fprintf(buf, "version: %d\n", pt.Version)
		fmt.Fprintf(buf, "page_size: %d\n", s.pageSize)
		fmt.Fprintf(buf, "entries: %d\n", pt.Entries())
		for i, p := range pt.Pages {
			fmt.Fprintf(buf, "PTE: V:%#x <--> P:%#x\n", uint64(s.mapAddress)+uint64(i)*s.pageSize, p.PhysicalAddress)
		}
		buf.WriteByte('\n')
	}
	return nil
}
