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
	"time"

	"github.com/lycheenice/nvme-kmod/pkg/dma"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/log"
)

// CopyOptions configures a CopyEngine.
type CopyOptions struct {
	// Workers is the number of concurrent copies. Zero means one.
	Workers int

	// QueueDepth bounds the number of queued descriptors. Submit blocks
	// while the queue is full. Zero means 64.
	QueueDepth int

	// Latency is added to every copy.
	Latency time.Duration
}

type copyWork struct {
	d    dma.Descriptor
	done func(error)
	err  error
}

// CopyEngine is a DMA engine that moves bytes from host memory or a disk into
// GPU memory. It implements dma.CopyEngine.
type CopyEngine struct {
	gpu  *GPU
	host *Host
	disk *Disk
	opts CopyOptions

	queue chan copyWork
	wg    sync.WaitGroup

	// closeMu protects closed and the queue against sends after Close.
	closeMu sync.RWMutex

	// +checklocks:closeMu
	closed bool

	mu sync.Mutex

	// +checklocks:mu
	descs []dma.Descriptor

	// +checklocks:mu
	rejectNext []error

	// +checklocks:mu
	failNext []error
}

// NewCopyEngine starts a CopyEngine. disk may be nil if no device reads are
// expected.
func NewCopyEngine(gpu *GPU, host *Host, disk *Disk, opts CopyOptions) *CopyEngine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	c := &CopyEngine{
		gpu:   gpu,
		host:  host,
		disk:  disk,
		opts:  opts,
		queue: make(chan copyWork, opts.QueueDepth),
	}
	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// RejectNext makes the next Submit fail with err.
func (c *CopyEngine) RejectNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectNext = append(c.rejectNext, err)
}

// FailNext makes the next accepted descriptor complete with err without
// copying.
func (c *CopyEngine) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = append(c.failNext, err)
}

// Descriptors returns the accepted descriptors in submission order.
func (c *CopyEngine) Descriptors() []dma.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dma.Descriptor(nil), c.descs...)
}

// Reset clears the descriptor log.
func (c *CopyEngine) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.descs = nil
}

// Submit implements dma.CopyEngine.Submit.
func (c *CopyEngine) Submit(d dma.Descriptor, done func(error)) error {
	if d.Length == 0 {
		return fmt.Errorf("devsim: empty descriptor: %w", linuxerr.EINVAL)
	}
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return fmt.Errorf("devsim: copy engine is closed: %w", linuxerr.ENODEV)
	}

	w := copyWork{d: d, done: done}
	c.mu.Lock()
	if len(c.rejectNext) > 0 {
		err := c.rejectNext[0]
		c.rejectNext = c.rejectNext[1:]
		c.mu.Unlock()
		return err
	}
	if len(c.failNext) > 0 {
		w.err = c.failNext[0]
		c.failNext = c.failNext[1:]
	}
	c.descs = append(c.descs, d)
	c.mu.Unlock()

	c.queue <- w
	return nil
}

func (c *CopyEngine) worker() {
	defer c.wg.Done()
	for w := range c.queue {
		if c.opts.Latency > 0 {
			time.Sleep(c.opts.Latency)
		}
		err := w.err
		if err == nil {
			err = c.copy(w.d)
		}
		if err != nil {
			log.Debugf("devsim: task %d: copy %v %#x -> %#x (%#x bytes) failed: %v", w.d.TaskID, w.d.Source, w.d.Src, w.d.Dst, w.d.Length, err)
		}
		w.done(err)
	}
}

func (c *CopyEngine) copy(d dma.Descriptor) error {
	var (
		data []byte
		err  error
	)
	switch d.Source {
	case dma.SourceHost:
		data, err = c.host.phys.read(d.Src, d.Length)
	case dma.SourceDevice:
		if c.disk == nil {
			return fmt.Errorf("devsim: no disk attached: %w", linuxerr.EIO)
		}
		data, err = c.disk.read(d.Src, d.Length)
	default:
		return fmt.Errorf("devsim: unknown source %v: %w", d.Source, linuxerr.EINVAL)
	}
	if err != nil {
		return err
	}
	return c.gpu.write(d.Dst, data)
}

// Close stops accepting descriptors and waits for queued ones to complete.
func (c *CopyEngine) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.closeMu.Unlock()
	c.wg.Wait()
}
