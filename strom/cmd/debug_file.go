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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/lycheenice/nvme-kmod/pkg/hostmm"
	"github.com/lycheenice/nvme-kmod/pkg/strom"
)

// DebugFile implements subcommands.Command for the "debug-file" command.
type DebugFile struct {
	offset uint64
	length uint64
	pin    bool
}

// Name implements subcommands.Command.Name.
func (*DebugFile) Name() string {
	return "debug-file"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*DebugFile) Synopsis() string {
	return "show where each page of a file would be copied from"
}

// Usage implements subcommands.Command.Usage.
func (*DebugFile) Usage() string {
	return `debug-file [flags] <path>

For each page of the file range, reports whether it is in the page cache, or
which device block holds it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *DebugFile) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&d.offset, "offset", 0, "first byte of the range.")
	f.Uint64Var(&d.length, "length", 0, "length of the range. 0 means up to the end of the file.")
	f.BoolVar(&d.pin, "pin", false, "resolve physical addresses of cached pages. Requires CAP_SYS_ADMIN.")
}

// Execute implements subcommands.Command.Execute.
func (d *DebugFile) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	var pinner *hostmm.Pinner
	if d.pin {
		var err error
		if pinner, err = hostmm.NewPinner(); err != nil {
			Fatalf("error opening pagemap: %v", err)
		}
		defer pinner.Close()
	}
	file, err := hostmm.Open(path, pinner)
	if err != nil {
		Fatalf("error opening file: %v", err)
	}
	defer file.DecRef()

	length := d.length
	if size := uint64(file.Info().Size); length == 0 && d.offset < size {
		length = size - d.offset
	}
	pages, err := strom.DebugFile(ctx, file, d.offset, length)
	if err != nil {
		Fatalf("error walking %q: %v", path, err)
	}
	for _, p := range pages {
		switch {
		case p.Cached && p.Physical != 0:
			fmt.Printf("page %d: cached at %#x\n", p.Index, p.Physical)
		case p.Cached:
			fmt.Printf("page %d: cached\n", p.Index)
		case p.Err != nil:
			fmt.Printf("page %d: %v\n", p.Index, p.Err)
		default:
			fmt.Printf("page %d: block %d\n", p.Index, p.Block)
		}
	}
	return subcommands.ExitSuccess
}
