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

package board

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/amc-pico/pico8/pkg/mmio"
)

func newApertures(t *testing.T, fw, site uint32) (*mmio.Memory, *mmio.Memory) {
	t.Helper()

	control, err := mmio.NewMemory(0x1000)
	if err != nil {
		t.Fatal(err)
	}

	data, err := mmio.NewMemory(0x100)
	if err != nil {
		t.Fatal(err)
	}

	regs := DefaultRegisters()
	control.Write32(regs.FWVersion, fw)
	control.Write32(regs.FWTimestamp, 0x5f000000)
	control.Write32(regs.SiteVersion, site)
	control.Write32(regs.IntrEnable, IntrMask)

	return control, data
}

func TestNew(t *testing.T) {
	tcases := []struct {
		name        string
		fw          uint32
		site        uint32
		opts        func(*Options)
		expectedErr bool
		expected    Info
	}{
		{
			name: "plain firmware",
			fw:   0x01020304,
			expected: Info{
				FWVersion:    0x01020304,
				FWTimestamp:  0x5f000000,
				Site:         "none",
				PageCount:    DefaultPageCount,
				ApertureSize: 0x100,
				Limit:        DefaultPageCount * 0x100,
				IRQMode:      "msi",
			},
		},
		{
			name: "capture firmware",
			fw:   0x00000001,
			site: 0x0000b123,
			opts: func(o *Options) {
				o.PageCount = 4
				o.IRQMode = IRQPoll
			},
			expected: Info{
				FWVersion:     1,
				FWTimestamp:   0x5f000000,
				Site:          "capture",
				CaptureLength: 0x100,
				PageCount:     4,
				ApertureSize:  0x100,
				Limit:         0x400,
				IRQMode:       "poll",
			},
		},
		{
			name: "other site",
			fw:   0x00000001,
			site: 0x0001b000,
			expected: Info{
				FWVersion:    1,
				FWTimestamp:  0x5f000000,
				Site:         "none",
				PageCount:    DefaultPageCount,
				ApertureSize: 0x100,
				Limit:        DefaultPageCount * 0x100,
				IRQMode:      "msi",
			},
		},
		{
			name:        "device off the bus",
			fw:          AllOnes,
			expectedErr: true,
		},
		{
			name:        "zero pages",
			opts:        func(o *Options) { o.PageCount = 0 },
			expectedErr: true,
		},
		{
			name:        "register outside aperture",
			opts:        func(o *Options) { o.Regs.CaptureLast = 0x1000 },
			expectedErr: true,
		},
		{
			name:        "unaligned register",
			opts:        func(o *Options) { o.Regs.PageSelect = 0x82 },
			expectedErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			control, data := newApertures(t, tc.fw, tc.site)

			opts := DefaultOptions()
			if tc.opts != nil {
				tc.opts(&opts)
			}

			b, err := New(control, data, opts)
			if tc.expectedErr {
				if err == nil {
					t.Fatal("expected error")
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			if diff := cmp.Diff(tc.expected, b.Info()); diff != "" {
				t.Errorf("unexpected info (-want +got):\n%s", diff)
			}

			if v := control.Read32(opts.Regs.IntrEnable); v != 0 {
				t.Errorf("interrupts left enabled: %#x", v)
			}
		})
	}
}

func TestInterruptEnable(t *testing.T) {
	tcases := []struct {
		name     string
		site     uint32
		expected uint32
	}{
		{name: "stock firmware", site: 0xdeadbeef, expected: IntrDMADone},
		{name: "capture firmware", site: 0xb002, expected: IntrDMADone | IntrUser},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			control, data := newApertures(t, 1, tc.site)

			b, err := New(control, data, DefaultOptions())
			if err != nil {
				t.Fatal(err)
			}

			b.EnableInterrupts()

			if v := control.Read32(b.Regs.IntrClear); v != tc.expected {
				t.Errorf("clear register %#x, expected %#x", v, tc.expected)
			}

			if v := control.Read32(b.Regs.IntrEnable); v != tc.expected {
				t.Errorf("enable register %#x, expected %#x", v, tc.expected)
			}

			b.DisableInterrupts()

			if v := control.Read32(b.Regs.IntrEnable); v != 0 {
				t.Errorf("enable register %#x after disable", v)
			}
		})
	}
}

func TestLockWindow(t *testing.T) {
	control, data := newApertures(t, 1, 0)

	b, err := New(control, data, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	if err = b.LockWindow(context.Background()); err != nil {
		t.Fatalf("uncontended lock: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err = b.LockWindow(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	acquired := make(chan error)

	go func() {
		acquired <- b.LockWindow(context.Background())
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(10 * time.Millisecond):
	}

	b.UnlockWindow()

	if err = <-acquired; err != nil {
		t.Fatalf("lock after release: %+v", err)
	}

	b.UnlockWindow()
}

func TestUnlockUnlocked(t *testing.T) {
	control, data := newApertures(t, 1, 0)

	b, err := New(control, data, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()

	b.UnlockWindow()
}

func TestDetach(t *testing.T) {
	control, data := newApertures(t, 1, 0)

	b, err := New(control, data, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	var events []string

	b.OnRelease(func() { events = append(events, "release data") })
	b.OnRelease(func() { events = append(events, "release control") })
	b.OnAbort(func() {
		if control.Read32(b.Regs.IntrEnable) != 0 {
			events = append(events, "abort with interrupts enabled")
			return
		}

		events = append(events, "abort")
	})

	b.EnableInterrupts()

	if err = b.Get(); err != nil {
		t.Fatal(err)
	}

	if err = b.LockWindow(context.Background()); err != nil {
		t.Fatal(err)
	}

	detached := make(chan struct{})

	go func() {
		b.Detach()
		close(detached)
	}()

	select {
	case <-detached:
		t.Fatal("detach returned while the window is busy")
	case <-time.After(20 * time.Millisecond):
	}

	b.UnlockWindow()
	<-detached

	if !b.Detached() {
		t.Error("board not marked detached")
	}

	if err = b.Get(); !errors.Is(err, ErrDetached) {
		t.Errorf("Get after detach: %v", err)
	}

	if err = b.LockWindow(context.Background()); !errors.Is(err, ErrDetached) {
		t.Errorf("LockWindow after detach: %v", err)
	}

	if diff := cmp.Diff([]string{"abort"}, events); diff != "" {
		t.Errorf("unexpected events before last put (-want +got):\n%s", diff)
	}

	b.Put()

	expected := []string{"abort", "release control", "release data"}
	if diff := cmp.Diff(expected, events); diff != "" {
		t.Errorf("unexpected events (-want +got):\n%s", diff)
	}

	// Second detach and extra puts are harmless.
	b.Detach()
	b.Put()

	if diff := cmp.Diff(expected, events); diff != "" {
		t.Errorf("release ran twice (-want +got):\n%s", diff)
	}
}

func TestParseIRQMode(t *testing.T) {
	tcases := []struct {
		in          string
		expected    IRQMode
		expectedErr bool
	}{
		{in: "poll", expected: IRQPoll},
		{in: "INTX", expected: IRQIntx},
		{in: " msi ", expected: IRQMSI},
		{in: "1", expected: IRQIntx},
		{in: "msix", expectedErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			mode, err := ParseIRQMode(tc.in)
			if tc.expectedErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("expected ErrInvalid, got %v", err)
				}

				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if mode != tc.expected {
				t.Errorf("got %v, expected %v", mode, tc.expected)
			}
		})
	}
}
