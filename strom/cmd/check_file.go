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

// CheckFile implements subcommands.Command for the "check-file" command.
type CheckFile struct{}

// Name implements subcommands.Command.Name.
func (*CheckFile) Name() string {
	return "check-file"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CheckFile) Synopsis() string {
	return "check whether files can be copied directly to GPU memory"
}

// Usage implements subcommands.Command.Usage.
func (*CheckFile) Usage() string {
	return `check-file <path>...

Checks that each file lives on ext4 or xfs over an NVMe namespace, is at
least one page long, and uses page sized filesystem blocks.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*CheckFile) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*CheckFile) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		if err := checkFile(path); err != nil {
			fmt.Printf("%s: %v\n", path, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}
	return status
}

func checkFile(path string) error {
	file, err := hostmm.Open(path, nil)
	if err != nil {
		return err
	}
	defer file.DecRef()
	return strom.CheckFileInfo(file.Info())
}
