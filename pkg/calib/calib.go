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

// Package calib measures the rate of the cycle counter used for interrupt
// latency statistics.
package calib

import (
	"context"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// DefaultDuration is the calibration interval used when none is given.
const DefaultDuration = 10 * time.Millisecond

// Counter is a free running cycle counter.
type Counter interface {
	Cycles() uint64
}

// CounterFunc adapts a function to Counter.
type CounterFunc func() uint64

// Cycles returns fn().
func (fn CounterFunc) Cycles() uint64 {
	return fn()
}

var epoch = time.Now()

// Monotonic counts nanoseconds of the monotonic clock.
var Monotonic Counter = CounterFunc(func() uint64 {
	return uint64(time.Since(epoch))
})

// TSC reads the processor time stamp counter. It is nil on CPUs without
// RDTSCP.
var TSC Counter

func init() {
	if cpuid.CPU.Has(cpuid.RDTSCP) {
		TSC = CounterFunc(cpuid.CPU.RTCounter)
	}
}

// Default returns the TSC when available and the monotonic clock otherwise.
func Default() Counter {
	if TSC != nil {
		return TSC
	}

	return Monotonic
}

// Result of a calibration run.
type Result struct {
	Cycles uint64        `yaml:"cycles"`
	Nanos  time.Duration `yaml:"nanos"`
}

// Rate returns counter ticks per second.
func (r Result) Rate() float64 {
	if r.Nanos <= 0 {
		return 0
	}

	return float64(r.Cycles) / r.Nanos.Seconds()
}

// Calibrate counts the ticks of c over an interval of d.
func Calibrate(ctx context.Context, c Counter, d time.Duration) (Result, error) {
	if d <= 0 {
		d = DefaultDuration
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	start := time.Now()
	c0 := c.Cycles()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return Result{}, errors.Wrap(ctx.Err(), "calibration")
	}

	c1 := c.Cycles()

	return Result{Cycles: c1 - c0, Nanos: time.Since(start)}, nil
}

// CPU describes the processor for diagnostics.
type CPU struct {
	Brand  string `yaml:"brand"`
	RDTSCP bool   `yaml:"rdtscp"`
	Hz     int64  `yaml:"hz"`
}

// CPUInfo returns information about the processor.
func CPUInfo() CPU {
	return CPU{
		Brand:  cpuid.CPU.BrandName,
		RDTSCP: cpuid.CPU.Has(cpuid.RDTSCP),
		Hz:     cpuid.CPU.Hz,
	}
}
