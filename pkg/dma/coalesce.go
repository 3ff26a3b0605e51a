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
	"fmt"

	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/p2p"
)

// extent is a contiguous source range and the contiguous destination range
// it is copied to.
type extent struct {
	source SourceKind
	src    uint64
	dst    uint64
	length uint64
}

// coalescer merges a stream of source pieces into the fewest extents that
// are contiguous on the source side and do not cross a destination page.
//
// Pieces are fed with add in destination order. The destination position
// advances with every piece; seek moves it for the next chunk.
type coalescer struct {
	// pageSize is the destination page size. It must be a power of two.
	pageSize uint64

	// pages is the destination page table.
	pages []p2p.Page

	// cursor is the logical destination offset from the start of the
	// first destination page.
	cursor uint64

	// pending is the extent being built. It is empty if length is zero.
	pending extent

	// emit submits a finished extent.
	emit func(extent) error
}

// seek moves the destination cursor to pos, flushing the pending extent if
// pos does not continue it.
func (c *coalescer) seek(pos uint64) error {
	if pos == c.cursor {
		return nil
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.cursor = pos
	return nil
}

// add appends n bytes starting at source address src.
func (c *coalescer) add(source SourceKind, src, n uint64) error {
	for n > 0 {
		idx := c.cursor / c.pageSize
		if idx >= uint64(len(c.pages)) {
			return fmt.Errorf("dma: destination offset %#x is beyond %d device pages: %w", c.cursor, len(c.pages), linuxerr.EINVAL)
		}
		inPage := c.cursor % c.pageSize
		take := min(n, c.pageSize-inPage)

		if c.pending.length > 0 && (c.pending.source != source || c.pending.src+c.pending.length != src) {
			if err := c.flush(); err != nil {
				return err
			}
		}
		if c.pending.length == 0 {
			c.pending = extent{
				source: source,
				src:    src,
				dst:    c.pages[idx].PhysicalAddress + inPage,
			}
		}
		c.pending.length += take
		c.cursor += take
		src += take
		n -= take

		// Destination pages need not be physically adjacent.
		if c.cursor%c.pageSize == 0 {
			if err := c.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush emits the pending extent, if any.
func (c *coalescer) flush() error {
	if c.pending.length == 0 {
		return nil
	}
	x := c.pending
	c.pending = extent{}
	return c.emit(x)
}

// discard drops the pending extent without emitting it.
func (c *coalescer) discard() {
	c.pending = extent{}
}
