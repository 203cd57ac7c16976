// Copyright 2026 The AMC-Pico8 Authors. All Rights Reserved.
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

package irq

import (
	"sync/atomic"
)

// Stats are the diagnostics of the interrupt path. Latencies are in ticks
// of the broker's cycle counter.
type Stats struct {
	lastLatency atomic.Uint64
	maxLatency  atomic.Uint64
	count       atomic.Uint64
	lastBytes   atomic.Uint64
	captures    atomic.Uint64
	missed      atomic.Uint64
	overwritten atomic.Uint64
}

// Snapshot is a point in time copy of Stats.
type Snapshot struct {
	LastLatency         uint64 `yaml:"last_latency"`
	MaxLatency          uint64 `yaml:"max_latency"`
	InterruptCount      uint64 `yaml:"interrupt_count"`
	LastBytes           uint64 `yaml:"last_bytes"`
	Captures            uint64 `yaml:"captures"`
	CapturesMissed      uint64 `yaml:"captures_missed"`
	CapturesOverwritten uint64 `yaml:"captures_overwritten"`
}

func (s *Stats) record(latency uint64) {
	s.lastLatency.Store(latency)

	for {
		longest := s.maxLatency.Load()
		if latency <= longest || s.maxLatency.CompareAndSwap(longest, latency) {
			break
		}
	}

	s.count.Add(1)
}

// Stats returns the current statistics.
func (br *Broker) Stats() Snapshot {
	s := &br.stats

	return Snapshot{
		LastLatency:         s.lastLatency.Load(),
		MaxLatency:          s.maxLatency.Load(),
		InterruptCount:      s.count.Load(),
		LastBytes:           s.lastBytes.Load(),
		Captures:            s.captures.Load(),
		CapturesMissed:      s.missed.Load(),
		CapturesOverwritten: s.overwritten.Load(),
	}
}

// ResetCount zeroes the interrupt counter.
func (br *Broker) ResetCount() {
	br.stats.count.Store(0)
}

// ResetMaxLatency zeroes the longest recorded latency.
func (br *Broker) ResetMaxLatency() {
	br.stats.maxLatency.Store(0)
}
