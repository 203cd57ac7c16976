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

package calib

import (
	"context"
	"testing"
	"time"
)

func TestCalibrate(t *testing.T) {
	var ticks uint64

	fake := CounterFunc(func() uint64 {
		ticks += 1000
		return ticks
	})

	res, err := Calibrate(context.Background(), fake, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if res.Cycles != 1000 {
		t.Errorf("expected 1000 cycles, got %d", res.Cycles)
	}

	if res.Nanos < 5*time.Millisecond {
		t.Errorf("interval %v shorter than requested", res.Nanos)
	}

	if res.Rate() <= 0 {
		t.Errorf("rate %f", res.Rate())
	}
}

func TestCalibrateMonotonic(t *testing.T) {
	res, err := Calibrate(context.Background(), Monotonic, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Monotonic ticks in nanoseconds, so the rate is close to 1 GHz.
	if rate := res.Rate(); rate < 0.5e9 || rate > 1.5e9 {
		t.Errorf("unexpected monotonic rate %f", rate)
	}
}

func TestCalibrateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Calibrate(ctx, Monotonic, time.Hour); err == nil {
		t.Error("expected error")
	}
}

func TestRateZero(t *testing.T) {
	if r := (Result{Cycles: 10}).Rate(); r != 0 {
		t.Errorf("rate of an empty interval %f", r)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c == nil {
		t.Fatal("no default counter")
	}

	if CPUInfo().RDTSCP != (TSC != nil) {
		t.Error("TSC availability disagrees with CPU info")
	}

	a := c.Cycles()
	time.Sleep(time.Millisecond)

	if b := c.Cycles(); b <= a {
		t.Errorf("counter did not advance: %d then %d", a, b)
	}
}
