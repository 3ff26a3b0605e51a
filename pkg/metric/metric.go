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

// Package metric defines the driver's Prometheus metrics.
//
// Metrics are package-level and registered into Registry at init, so any
// package may update them without plumbing.
package metric

import (
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "nvme_strom"

// Label values of the "source" label.
const (
	SourceHost   = "host"
	SourceDevice = "device"
)

// Registry holds every metric defined in this package.
var Registry = prometheus.NewRegistry()

var (
	// SegmentsMapped is the number of linked GPU memory segments.
	SegmentsMapped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "segments_mapped",
		Help:      "Number of mapped GPU memory segments.",
	})

	// SegmentRevocations counts segments torn down by the GPU driver.
	SegmentRevocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_revocations_total",
		Help:      "Mapped segments revoked by the GPU driver.",
	})

	// SegmentDrain observes how long teardown waited for in-flight users.
	SegmentDrain = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "segment_drain_seconds",
		Help:      "Time spent waiting for in-flight tasks before a segment is released.",
		Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
	})

	// TasksSubmitted counts DMA tasks that were registered.
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "DMA tasks registered.",
	})

	// TasksCompleted counts finished DMA tasks by result.
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "DMA tasks completed, by result.",
	}, []string{"result"})

	// DescriptorsSubmitted counts copy descriptors by source kind.
	DescriptorsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descriptors_submitted_total",
		Help:      "Copy descriptors handed to the copy engine, by source.",
	}, []string{"source"})

	// BytesSubmitted counts bytes described by submitted descriptors.
	BytesSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_submitted_total",
		Help:      "Bytes handed to the copy engine, by source.",
	}, []string{"source"})

	// WaitNotFound counts waits on tasks that had already completed.
	WaitNotFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wait_not_found_total",
		Help:      "Waits on DMA tasks that were already reaped.",
	})
)

func init() {
	Registry.MustRegister(
		SegmentsMapped,
		SegmentRevocations,
		SegmentDrain,
		TasksSubmitted,
		TasksCompleted,
		DescriptorsSubmitted,
		BytesSubmitted,
		WaitNotFound,
	)
}

// ObserveDrain records a drain that started at start.
func ObserveDrain(start time.Time) {
	SegmentDrain.Observe(time.Since(start).Seconds())
}

// WriteText writes every metric to w in the Prometheus text format.
func WriteText(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler serving the metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
