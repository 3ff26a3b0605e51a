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

// Package cmd holds implementations of the strom commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/lycheenice/nvme-kmod/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of strom, so they are kept free of log
// headers.
var ErrorLogger io.Writer

// Errorf logs error to stderr and to ErrorLogger, without exiting.
func Errorf(format string, args ...any) {
	// If format is not terminated by a newline, add one.
	if len(format) == 0 || format[len(format)-1] != '\n' {
		format += "\n"
	}
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format, args...)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format, args...)
	}
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}
