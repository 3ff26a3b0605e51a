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

// Package linuxerr contains the errno-typed errors returned by the driver's
// control operations, and their classification.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"

	"github.com/lycheenice/nvme-kmod/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. They are *errors.Error so that the message is stable and they
// compare by errno through errors.Is.
var (
	noError    *errors.Error = nil
	EPERM                    = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                   = errors.New(unix.ENOENT, "no such file or directory")
	EIO                      = errors.New(unix.EIO, "I/O error")
	EBADF                    = errors.New(unix.EBADF, "bad file number")
	EAGAIN                   = errors.New(unix.EAGAIN, "try again")
	ENOMEM                   = errors.New(unix.ENOMEM, "out of memory")
	EACCES                   = errors.New(unix.EACCES, "permission denied")
	EFAULT                   = errors.New(unix.EFAULT, "bad address")
	EBUSY                    = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                   = errors.New(unix.EEXIST, "file exists")
	ENODEV                   = errors.New(unix.ENODEV, "no such device")
	EINVAL                   = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                   = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE                   = errors.New(unix.ERANGE, "math result not representable")
	ENOSYS                   = errors.New(unix.ENOSYS, "invalid system call number")
	EOPNOTSUPP               = errors.New(unix.EOPNOTSUPP, "operation not supported")
)

var fromUnix = map[unix.Errno]*errors.Error{
	unix.EPERM:      EPERM,
	unix.ENOENT:     ENOENT,
	unix.EIO:        EIO,
	unix.EBADF:      EBADF,
	unix.EAGAIN:     EAGAIN,
	unix.ENOMEM:     ENOMEM,
	unix.EACCES:     EACCES,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EEXIST:     EEXIST,
	unix.ENODEV:     ENODEV,
	unix.EINVAL:     EINVAL,
	unix.ENOSPC:     ENOSPC,
	unix.ERANGE:     ERANGE,
	unix.ENOSYS:     ENOSYS,
	unix.EOPNOTSUPP: EOPNOTSUPP,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// dedicated sentinel are returned as-is.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := fromUnix[err]; ok {
		return e
	}
	return err
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix returns the errno carried by err, looking through wrapping. Errors
// that carry no errno map to EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Equals reports whether err carries the same errno as e, looking through
// wrapping. Both sentinels and raw unix.Errno values are matched; errors
// that carry no errno never match.
func Equals(e *errors.Error, err error) bool {
	if e == noError || err == nil {
		return e == noError && err == nil
	}
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target.Errno() == e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno == e.Errno()
	}
	return false
}

// Kind is the class of a failure as seen by callers of the control
// operations.
type Kind int

// Error kinds.
const (
	// KindNone is the kind of a nil error.
	KindNone Kind = iota

	// KindNotFound means a handle or task is unknown. This is often benign,
	// e.g. waiting on a task that already completed.
	KindNotFound

	// KindUnsupported means a permanent refusal: ineligible file, filesystem,
	// device or page size. Retrying will not help.
	KindUnsupported

	// KindResourceExhausted means an allocation or pinning failure; the
	// caller may retry later.
	KindResourceExhausted

	// KindInvalidInput means a malformed request.
	KindInvalidInput

	// KindIO means the copy itself failed.
	KindIO
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindInvalidInput:
		return "invalid_input"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch ToUnix(err) {
	case unix.ENOENT:
		return KindNotFound
	case unix.EOPNOTSUPP, unix.EACCES, unix.ENODEV, unix.ENOSYS:
		return KindUnsupported
	case unix.ENOMEM, unix.EAGAIN, unix.EFAULT, unix.EBUSY, unix.ENOSPC:
		return KindResourceExhausted
	case unix.EINVAL, unix.EBADF, unix.ERANGE:
		return KindInvalidInput
	default:
		return KindIO
	}
}
