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
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
)

// SysfsRoot is where sysfs is mounted.
var SysfsRoot = "/sys"

// Stat returns the eligibility facts of the open file fd.
func Stat(fd int) (strom.FileInfo, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return strom.FileInfo{}, fmt.Errorf("hostmm: fcntl(F_GETFL): %w", err)
	}
	var sfs unix.Statfs_t
	if err := unix.Fstatfs(fd, &sfs); err != nil {
		return strom.FileInfo{}, fmt.Errorf("hostmm: fstatfs: %w", err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return strom.FileInfo{}, fmt.Errorf("hostmm: fstat: %w", err)
	}
	info := strom.FileInfo{
		Readable:  flags&unix.O_ACCMODE != unix.O_WRONLY,
		FSMagic:   int64(sfs.Type),
		Size:      st.Size,
		BlockSize: int64(sfs.Bsize),
		DevMajor:  unix.Major(uint64(st.Dev)),
		DevMinor:  unix.Minor(uint64(st.Dev)),
	}
	// Devices without a sysfs entry, like those of tmpfs, simply have no
	// disk name.
	if name, err := DiskName(SysfsRoot, info.DevMajor, info.DevMinor); err == nil {
		info.DiskName = name
	}
	return info, nil
}

// DiskName returns the name of the whole disk holding block device
// major:minor, as found under the sysfs mounted at sysfs.
func DiskName(sysfs string, major, minor uint32) (string, error) {
	link := filepath.Join(sysfs, "dev", "block", fmt.Sprintf("%d:%d", major, minor))
	dev, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", fmt.Errorf("hostmm: resolving %s: %w", link, err)
	}
	if _, err := os.Stat(filepath.Join(dev, "partition")); err == nil {
		dev = filepath.Dir(dev)
	}
	return filepath.Base(dev), nil
}
