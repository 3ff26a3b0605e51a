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

package strom

import (
	"fmt"
	"regexp"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/errors/linuxerr"
	"github.com/lycheenice/nvme-kmod/pkg/hostarch"
	"github.com/lycheenice/nvme-kmod/pkg/log"
)

// nvmeDisk matches whole-disk NVMe namespace names.
var nvmeDisk = regexp.MustCompile(`^nvme\d+n\d+$`)

// CheckFileInfo returns nil if a file described by info can be a copy source:
// it is readable, lives on ext4 or xfs over an NVMe namespace, spans at least
// one page, and its filesystem block size equals the page size.
func CheckFileInfo(info strom.FileInfo) error {
	if !info.Readable {
		log.Infof("strom: file is not opened for reading")
		return fmt.Errorf("strom: file is not readable: %w", linuxerr.EACCES)
	}
	switch info.FSMagic {
	case strom.EXT4_SUPER_MAGIC, strom.XFS_SB_MAGIC:
	default:
		log.Infof("strom: file is on an unsupported filesystem (magic=%#x)", info.FSMagic)
		return fmt.Errorf("strom: unsupported filesystem %#x: %w", info.FSMagic, linuxerr.EOPNOTSUPP)
	}
	if info.Size < hostarch.PageSize {
		log.Infof("strom: file is too small (size=%d)", info.Size)
		return fmt.Errorf("strom: file size %d is below the page size: %w", info.Size, linuxerr.EOPNOTSUPP)
	}
	if info.BlockSize != hostarch.PageSize {
		log.Infof("strom: block size does not match page size (block_size=%d)", info.BlockSize)
		return fmt.Errorf("strom: block size %d is not the page size: %w", info.BlockSize, linuxerr.EOPNOTSUPP)
	}
	if info.DevMajor != strom.BLOCK_EXT_MAJOR {
		log.Infof("strom: file is not on an extended block device (major=%d)", info.DevMajor)
		return fmt.Errorf("strom: block device major %d: %w", info.DevMajor, linuxerr.EOPNOTSUPP)
	}
	if !nvmeDisk.MatchString(info.DiskName) {
		log.Infof("strom: block device %q is not an NVMe namespace", info.DiskName)
		return fmt.Errorf("strom: disk %q is not NVMe: %w", info.DiskName, linuxerr.EOPNOTSUPP)
	}
	return nil
}
