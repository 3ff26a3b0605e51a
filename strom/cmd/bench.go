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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	abi "github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/devsim"
	"github.com/lycheenice/nvme-kmod/pkg/dma"
	"github.com/lycheenice/nvme-kmod/pkg/gpumem"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/log"
	"github.com/lycheenice/nvme-kmod/pkg/metric"
	"github.com/lycheenice/nvme-kmod/pkg/strom"
	"github.com/lycheenice/nvme-kmod/strom/config"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	size        uint64
	chunk       uint64
	concurrency int
	resident    float64
	seed        int64
	status      bool
	metrics     bool
	hold        time.Duration
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "copy host memory and an NVMe file into GPU memory on simulated devices"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [flags]

Maps simulated GPU memory and fills its first half from host memory and its
second half from a file on a simulated NVMe disk, partially in the page
cache. The copy is split in tasks of --chunk bytes that run concurrently.
The GPU memory is then checked against the sources.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&b.size, "size", 16<<20, "bytes of GPU memory to fill.")
	f.Uint64Var(&b.chunk, "chunk", 256<<10, "bytes copied by each task.")
	f.IntVar(&b.concurrency, "concurrency", 8, "number of tasks in flight.")
	f.Float64Var(&b.resident, "resident", 0.5, "fraction of file pages in the page cache.")
	f.Int64Var(&b.seed, "seed", 1, "seed choosing the resident file pages.")
	f.BoolVar(&b.status, "status", false, "print the mapped GPU memory status before unmapping.")
	f.BoolVar(&b.metrics, "metrics", false, "print metrics in the prometheus text format at the end.")
	f.DurationVar(&b.hold, "hold", 0, "keep serving --metrics-addr for this long after the copy.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if conf.MetricsAddr != "" {
		ln, err := net.Listen("tcp", conf.MetricsAddr)
		if err != nil {
			Fatalf("error listening on %q: %v", conf.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metric.Handler())
		srv := &http.Server{Handler: mux}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warningf("metrics server: %v", err)
			}
		}()
		log.Infof("Serving metrics on http://%s/metrics", ln.Addr())
		defer srv.Shutdown(context.Background())
	}

	res, err := b.run(ctx, conf, os.Stdout)
	if err != nil {
		Fatalf("bench failed: %v", err)
	}
	fmt.Printf("copied %d bytes in %d tasks (%d host and %d device descriptors) in %v, %.1f MiB/s\n",
		res.bytes, res.tasks, res.hostDescs, res.deviceDescs, res.elapsed, res.throughput())

	if b.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			Fatalf("error writing metrics: %v", err)
		}
	}
	if conf.MetricsAddr != "" && b.hold > 0 {
		select {
		case <-time.After(b.hold):
		case <-ctx.Done():
		}
	}
	return subcommands.ExitSuccess
}

type benchResult struct {
	bytes       uint64
	tasks       int
	hostDescs   int
	deviceDescs int
	elapsed     time.Duration
}

func (r *benchResult) throughput() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.bytes) / (1 << 20) / r.elapsed.Seconds()
}

// run performs the benchmark. The status text is written to out if
// requested.
func (b *Bench) run(ctx context.Context, conf *config.Config, out io.Writer) (*benchResult, error) {
	if b.size == 0 || b.size%(2*hostarch.PageSize) != 0 {
		return nil, fmt.Errorf("--size must be a positive multiple of %d, got %d", 2*hostarch.PageSize, b.size)
	}
	if b.chunk == 0 || b.concurrency <= 0 {
		return nil, fmt.Errorf("--chunk and --concurrency must be positive")
	}
	half := b.size / 2

	m := devsim.New(devsim.Config{
		PageSize:    conf.GPUPageSize.Code(),
		ScatterHost: conf.HostScatter,
		DiskBlocks:  half/hostarch.PageSize + 1,
		Copy: devsim.CopyOptions{
			Workers: conf.CopyWorkers,
			Latency: conf.CopyLatency,
		},
	})
	defer m.Close()
	d := strom.New(m.GPU, m.Host, m.Copier, strom.Options{
		Segments: gpumem.Options{Shards: conf.SegmentShards, Seed: abi.SegmentSeed},
		Tasks:    dma.Options{Shards: conf.TaskShards, Seed: abi.TaskSeed},
	})

	// Sources.
	rnd := rand.New(rand.NewSource(b.seed))
	want := make([]byte, b.size)
	rnd.Read(want)
	src := m.Host.Alloc(half)
	if err := m.Host.Write(src, want[:half]); err != nil {
		return nil, err
	}
	var resident []uint64
	for i := uint64(0); i < half/hostarch.PageSize; i++ {
		if rnd.Float64() < b.resident {
			resident = append(resident, i)
		}
	}
	file, err := m.Disk.NewFile(m.Host, want[half:], devsim.FileOptions{Resident: resident})
	if err != nil {
		return nil, err
	}
	fd := d.InstallFD(file)
	defer d.CloseFD(fd)
	if err := d.CheckFile(ctx, &abi.CheckFile{FD: fd}); err != nil {
		return nil, fmt.Errorf("simulated file is not eligible: %w", err)
	}

	// Destination.
	va, err := m.GPU.Alloc(b.size)
	if err != nil {
		return nil, err
	}
	marg := abi.MapGpuMemory{VAddress: va, Length: b.size}
	if err := d.MapGpuMemory(ctx, &marg); err != nil {
		return nil, err
	}
	defer func() {
		if err := d.UnmapGpuMemory(ctx, &abi.UnmapGpuMemory{Handle: marg.Handle}); err != nil {
			log.Warningf("error unmapping GPU memory: %v", err)
		}
	}()

	res := &benchResult{bytes: b.size}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, r := range []struct{ start, end uint64 }{{0, half}, {half, b.size}} {
		for off := r.start; off < r.end; off += b.chunk {
			n := min(b.chunk, r.end-off)
			arg := abi.MemCpySsdToGpu{Handle: marg.Handle, FD: -1}
			if off < half {
				arg.Chunks = []abi.Chunk{{Source: abi.SourceMemory, HostAddr: uint64(src) + off, Length: n, Offset: off}}
			} else {
				arg.FD = fd
				arg.Chunks = []abi.Chunk{{Source: abi.SourceFile, FilePos: off - half, Length: n, Offset: off}}
			}
			res.tasks++
			g.Go(func() error {
				return d.MemCpySsdToGpu(gctx, &arg)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.elapsed = time.Since(start)

	got, err := m.GPU.Read(va, b.size)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(got, want) {
		return nil, fmt.Errorf("GPU memory does not match the sources")
	}
	for _, desc := range m.Copier.Descriptors() {
		switch desc.Source {
		case dma.SourceHost:
			res.hostDescs++
		case dma.SourceDevice:
			res.deviceDescs++
		}
	}

	if b.status {
		text, err := d.Status(ctx)
		if err != nil {
			return nil, err
		}
		out.Write(text)
	}
	return res, nil
}
