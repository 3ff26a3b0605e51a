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

// Package config provides basic infrastructure to set configuration settings
// for strom. Each setting is a flag; a configuration file may set defaults
// for any of them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/lycheenice/nvme-kmod/pkg/abi/strom"
	"github.com/lycheenice/nvme-kmod/pkg/log"
)

// Config holds configuration that is not part of the command arguments.
type Config struct {
	// ConfigFile is a TOML or YAML file whose keys are flag names. Its
	// values apply to flags not given on the command line.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// SegmentShards is the number of shards of the mapped segment table.
	SegmentShards int `flag:"segment-shards"`

	// TaskShards is the number of shards of the DMA task table.
	TaskShards int `flag:"task-shards"`

	// GPUPageSize is the P2P page size of the simulated GPU.
	GPUPageSize GPUPageSize `flag:"gpu-page-size"`

	// HostScatter puts a physical hole after every HostScatter pages of
	// simulated host memory. Zero keeps host memory contiguous.
	HostScatter int `flag:"host-scatter"`

	// CopyWorkers is the number of concurrent copies of the simulated copy
	// engine.
	CopyWorkers int `flag:"copy-workers"`

	// CopyLatency is added to every simulated copy.
	CopyLatency time.Duration `flag:"copy-latency"`

	// MetricsAddr is the address to serve /metrics on. Empty disables it.
	MetricsAddr string `flag:"metrics-addr"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.SegmentShards <= 0 {
		return fmt.Errorf("segment-shards must be positive, got %d", c.SegmentShards)
	}
	if c.TaskShards <= 0 {
		return fmt.Errorf("task-shards must be positive, got %d", c.TaskShards)
	}
	if c.HostScatter < 0 {
		return fmt.Errorf("host-scatter must not be negative, got %d", c.HostScatter)
	}
	if c.CopyWorkers <= 0 {
		return fmt.Errorf("copy-workers must be positive, got %d", c.CopyWorkers)
	}
	if c.CopyLatency < 0 {
		return fmt.Errorf("copy-latency must not be negative, got %v", c.CopyLatency)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config: %s", strings.Join(c.ToFlags(), " "))
}

// GPUPageSize is a P2P page size flag. It accepts "4k", "64k" and "128k".
type GPUPageSize strom.P2PPageSize

func gpuPageSizePtr(v GPUPageSize) *GPUPageSize {
	return &v
}

// Set implements flag.Value.Set.
func (p *GPUPageSize) Set(v string) error {
	switch v {
	case "4k":
		*p = GPUPageSize(strom.NVIDIA_P2P_PAGE_SIZE_4KB)
	case "64k":
		*p = GPUPageSize(strom.NVIDIA_P2P_PAGE_SIZE_64KB)
	case "128k":
		*p = GPUPageSize(strom.NVIDIA_P2P_PAGE_SIZE_128KB)
	default:
		return fmt.Errorf("invalid GPU page size %q, must be 4k, 64k or 128k", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (p *GPUPageSize) Get() any {
	return *p
}

// String implements flag.Value.String.
func (p GPUPageSize) String() string {
	switch strom.P2PPageSize(p) {
	case strom.NVIDIA_P2P_PAGE_SIZE_4KB:
		return "4k"
	case strom.NVIDIA_P2P_PAGE_SIZE_64KB:
		return "64k"
	case strom.NVIDIA_P2P_PAGE_SIZE_128KB:
		return "128k"
	default:
		panic(fmt.Sprintf("Invalid GPU page size %d", p))
	}
}

// Code returns the P2P page size code.
func (p GPUPageSize) Code() strom.P2PPageSize {
	return strom.P2PPageSize(p)
}
