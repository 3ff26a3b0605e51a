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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// pinSet records pins and unpins in the order they happen.
type pinSet struct {
	events []string
}

func (p *pinSet) pin(name string) {
	p.events = append(p.events, "pin "+name)
}

func (p *pinSet) unpin(name string) func() {
	return func() { p.events = append(p.events, "unpin "+name) }
}

// pinAll pins every name, failing at fail if it is one of them.
func pinAll(p *pinSet, names []string, fail string) error {
	var cu Cleanup
	defer cu.Clean()
	for _, name := range names {
		if name == fail {
			return errors.New("pin failed")
		}
		p.pin(name)
		cu.Add(p.unpin(name))
	}
	cu.Release()
	return nil
}

func TestCleanupUnwindsInReverse(t *testing.T) {
	p := &pinSet{}
	if err := pinAll(p, []string{"host", "file", "gpu"}, "gpu"); err == nil {
		t.Fatalf("pinAll succeeded, want error")
	}
	want := []string{"pin host", "pin file", "unpin file", "unpin host"}
	if diff := cmp.Diff(want, p.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanupReleaseKeepsPins(t *testing.T) {
	p := &pinSet{}
	if err := pinAll(p, []string{"host", "file"}, ""); err != nil {
		t.Fatalf("pinAll: %v", err)
	}
	want := []string{"pin host", "pin file"}
	if diff := cmp.Diff(want, p.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanupReleasedFunc(t *testing.T) {
	p := &pinSet{}
	cu := Make(p.unpin("segment"))
	cu.Add(p.unpin("task"))
	undo := cu.Release()

	cu.Clean()
	if len(p.events) != 0 {
		t.Fatalf("Clean after Release ran %v, want nothing", p.events)
	}
	undo()
	want := []string{"unpin task", "unpin segment"}
	if diff := cmp.Diff(want, p.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanupEmpty(t *testing.T) {
	var cu Cleanup
	cu.Clean()
	cu.Release()()
}
