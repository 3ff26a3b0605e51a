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

package metric

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWriteText(t *testing.T) {
	DescriptorsSubmitted.WithLabelValues(SourceHost).Inc()
	ObserveDrain(time.Now())

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	for _, want := range []string{
		"nvme_strom_descriptors_submitted_total{source=\"host\"}",
		"nvme_strom_segment_drain_seconds_count",
		"nvme_strom_segments_mapped",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, buf.String())
		}
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(TasksCompleted.WithLabelValues("ok"))
	TasksCompleted.WithLabelValues("ok").Inc()
	if got, want := testutil.ToFloat64(TasksCompleted.WithLabelValues("ok")), before+1; got != want {
		t.Errorf("tasks_completed_total{result=ok} got %v, want %v", got, want)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if got, want := rec.Code, 200; got != want {
		t.Fatalf("status got %d, want %d", got, want)
	}
	if !strings.Contains(rec.Body.String(), "nvme_strom_wait_not_found_total") {
		t.Errorf("response does not contain wait_not_found_total")
	}
}
