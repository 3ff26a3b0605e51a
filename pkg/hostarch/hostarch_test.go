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

package hostarch

import "testing"

func TestAlign(t *testing.T) {
	for _, tc := range []struct {
		v        Addr
		align    uint64
		wantDown Addr
		wantUp   Addr
	}{
		{0, GPUPageSize, 0, 0},
		{1, GPUPageSize, 0, GPUPageSize},
		{0x12345, GPUPageSize, 0x10000, 0x20000},
		{0x20000, GPUPageSize, 0x20000, 0x20000},
		{0x1001, PageSize, 0x1000, 0x2000},
	} {
		if got := tc.v.AlignDown(tc.align); got != tc.wantDown {
			t.Errorf("%v.AlignDown(%#x) got %v, want %v", tc.v, tc.align, got, tc.wantDown)
		}
		got, ok := tc.v.AlignUp(tc.align)
		if !ok || got != tc.wantUp {
			t.Errorf("%v.AlignUp(%#x) got (%v, %v), want (%v, true)", tc.v, tc.align, got, ok, tc.wantUp)
		}
	}
	if _, ok := Addr(^uint64(0)).RoundUp(); ok {
		t.Errorf("RoundUp of max address succeeded, want overflow")
	}
}

func TestAddrRange(t *testing.T) {
	r, ok := Addr(0x10000).ToRange(0x40000)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if got, want := r.Length(), uint64(0x40000); got != want {
		t.Errorf("Length got %#x, want %#x", got, want)
	}
	if !r.Contains(0x4ffff) || r.Contains(0x50000) {
		t.Errorf("Contains boundary wrong for %v", r)
	}
	if !r.IsSupersetOf(AddrRange{0x20000, 0x30000}) {
		t.Errorf("%v should be a superset of [0x20000, 0x30000)", r)
	}
	if r.Overlaps(AddrRange{0x50000, 0x60000}) {
		t.Errorf("%v should not overlap [0x50000, 0x60000)", r)
	}
	if _, ok := Addr(^uint64(0)).ToRange(2); ok {
		t.Errorf("ToRange past the end of the address space succeeded")
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for x, want := range map[uint64]bool{0: false, 1: true, 4096: true, 65536: true, 65537: false, 3: false} {
		if got := IsPowerOfTwo(x); got != want {
			t.Errorf("IsPowerOfTwo(%d) got %v, want %v", x, got, want)
		}
	}
}
