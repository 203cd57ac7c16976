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

// Package board holds the per-device state of an attached AMC-Pico8 card:
// its two register apertures, the register map, the data window lock and
// the reference counted lifecycle.
package board

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/pkg/mmio"
)

const (
	// DefaultPageCount is the number of data window pages of the stock
	// firmware.
	DefaultPageCount = 32

	// ScratchSize is the size of the bounce buffer used by window reads.
	ScratchSize = 4096
)

// Options configure a board.
type Options struct {
	Regs      RegisterMap
	PageCount uint32
	IRQMode   IRQMode
}

// DefaultOptions returns options matching the stock firmware.
func DefaultOptions() Options {
	return Options{
		Regs:      DefaultRegisters(),
		PageCount: DefaultPageCount,
		IRQMode:   IRQMSI,
	}
}

// AttachOptions select the PCI device to attach to.
type AttachOptions struct {
	Options

	// SysfsRoot is the sysfs mount point, "/sys" unless testing.
	SysfsRoot string
	// Device is the PCI address of the card, e.g. "0000:03:00.0".
	Device string
	// SubVendor and SubDevice optionally restrict the accepted card.
	SubVendor string
	SubDevice string
}

// Info is a summary of an attached board.
type Info struct {
	FWVersion     uint32 `yaml:"fw_version"`
	FWTimestamp   uint32 `yaml:"fw_timestamp"`
	Site          string `yaml:"site"`
	CaptureLength uint32 `yaml:"capture_length"`
	PageCount     uint32 `yaml:"page_count"`
	ApertureSize  uint32 `yaml:"aperture_size"`
	Limit         int64  `yaml:"limit"`
	IRQMode       string `yaml:"irq_mode"`
}

// Board is an attached card.
type Board struct {
	Control mmio.Aperture
	Data    mmio.Aperture
	Regs    RegisterMap

	PageCount     uint32
	IRQMode       IRQMode
	FWVersion     uint32
	FWTimestamp   uint32
	Site          Site
	CaptureLength uint32 // in bytes, zero unless Site is SiteCapture

	// window is a one token semaphore. Holding the token grants exclusive
	// use of the page select register, the data aperture and scratch.
	window  chan struct{}
	closing chan struct{}
	scratch []byte

	mu       sync.Mutex
	refs     int
	detached bool
	aborts   []func()
	release  undoStack
}

// New initializes a board over already mapped apertures. Interrupts are
// left disabled; call EnableInterrupts once a handler is in place.
func New(control, data mmio.Aperture, opts Options) (*Board, error) {
	if control == nil || data == nil {
		return nil, errors.Wrap(ErrInvalid, "both apertures are required")
	}

	if opts.PageCount == 0 {
		return nil, errors.Wrap(ErrInvalid, "page count must be positive")
	}

	for name, a := range map[string]mmio.Aperture{"control": control, "data": data} {
		if a.Size() == 0 || a.Size()%mmio.WordSize != 0 {
			return nil, errors.Wrapf(ErrInvalid, "%s aperture size %#x is not a multiple of %d", name, a.Size(), mmio.WordSize)
		}
	}

	if err := opts.Regs.Validate(control.Size()); err != nil {
		return nil, err
	}

	b := &Board{
		Control:   control,
		Data:      data,
		Regs:      opts.Regs,
		PageCount: opts.PageCount,
		IRQMode:   opts.IRQMode,
		window:    make(chan struct{}, 1),
		closing:   make(chan struct{}),
		scratch:   make([]byte, ScratchSize),
		refs:      1,
	}

	b.DisableInterrupts()

	b.FWVersion = control.Read32(b.Regs.FWVersion)
	if b.FWVersion == AllOnes {
		return nil, errors.Errorf("firmware version reads %#x: PCIe communication error", AllOnes)
	}

	b.FWTimestamp = control.Read32(b.Regs.FWTimestamp)

	if control.Read32(b.Regs.SiteVersion)&siteVersionMask == siteVersionCapture {
		b.Site = SiteCapture
		b.CaptureLength = b.Regs.CaptureLast - b.Regs.CaptureFirst + mmio.WordSize
	}

	klog.V(2).Infof("firmware %#08x built %#08x, site %s, %d pages of %#x bytes",
		b.FWVersion, b.FWTimestamp, b.Site, b.PageCount, data.Size())

	return b, nil
}

// Limit returns the number of addressable bytes of device memory.
func (b *Board) Limit() int64 {
	return int64(b.PageCount) * int64(b.Data.Size())
}

// Info returns a summary of the board.
func (b *Board) Info() Info {
	return Info{
		FWVersion:     b.FWVersion,
		FWTimestamp:   b.FWTimestamp,
		Site:          b.Site.String(),
		CaptureLength: b.CaptureLength,
		PageCount:     b.PageCount,
		ApertureSize:  b.Data.Size(),
		Limit:         b.Limit(),
		IRQMode:       b.IRQMode.String(),
	}
}

// LockWindow acquires exclusive use of the data window. It returns
// ErrInterrupted if ctx is done before the lock is obtained and
// ErrDetached once the board is being detached.
func (b *Board) LockWindow(ctx context.Context) error {
	select {
	case <-b.closing:
		return ErrDetached
	default:
	}

	select {
	case b.window <- struct{}{}:
		return nil
	default:
	}

	select {
	case b.window <- struct{}{}:
		return nil
	case <-b.closing:
		return ErrDetached
	case <-ctx.Done():
		return errors.Wrap(ErrInterrupted, "waiting for data window")
	}
}

// UnlockWindow releases the data window.
func (b *Board) UnlockWindow() {
	select {
	case <-b.window:
	default:
		panic("board: unlock of unlocked data window")
	}
}

// Scratch returns the read bounce buffer. It may only be used while the
// data window is locked.
func (b *Board) Scratch() []byte {
	return b.scratch
}

// InterruptMask returns the interrupt sources used by this firmware. The
// user interrupt only exists on capture firmware.
func (b *Board) InterruptMask() uint32 {
	if b.Site == SiteCapture {
		return IntrDMADone | IntrUser
	}

	return IntrDMADone
}

// EnableInterrupts clears stale latch bits and then enables the handled
// interrupt sources.
func (b *Board) EnableInterrupts() {
	mask := b.InterruptMask()

	b.Control.Barrier()
	b.Control.Write32(b.Regs.IntrClear, mask)
	b.Control.Write32(b.Regs.IntrEnable, mask)
}

// DisableInterrupts masks all interrupt sources.
func (b *Board) DisableInterrupts() {
	b.Control.Write32(b.Regs.IntrEnable, 0)
	b.Control.Barrier()
}

// OnAbort registers fn to be called by Detach, after interrupts are
// disabled and before waiting for the data window.
func (b *Board) OnAbort(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.aborts = append(b.aborts, fn)
}

// OnRelease registers fn to be run when the last reference is dropped.
// Release functions run in reverse registration order.
func (b *Board) OnRelease(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.release.push(fn)
}

// Get takes a reference on the board.
func (b *Board) Get() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detached {
		return ErrDetached
	}

	b.refs++

	return nil
}

// Put drops a reference. Dropping the last one releases the board.
func (b *Board) Put() {
	b.mu.Lock()

	if b.refs == 0 {
		b.mu.Unlock()
		klog.Warning("board: reference count underflow")

		return
	}

	b.refs--
	if b.refs > 0 {
		b.mu.Unlock()
		return
	}

	release := b.release
	b.release = nil
	b.mu.Unlock()

	klog.V(2).Info("releasing board")
	release.unwind()
}

// Detached reports whether Detach has been called.
func (b *Board) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.detached
}

// Detach tears the board down: interrupts are disabled, pending operations
// are aborted and new window users are refused. It returns once the data
// window is idle and drops the owner's reference. Resources are released
// when open streams drop theirs.
func (b *Board) Detach() {
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return
	}

	b.detached = true
	aborts := b.aborts
	b.aborts = nil
	b.mu.Unlock()

	b.DisableInterrupts()

	for _, fn := range aborts {
		fn()
	}

	close(b.closing)

	// Wait for the current window user and keep the token.
	b.window <- struct{}{}

	klog.V(2).Info("board detached")
	b.Put()
}

type undoStack []func()

func (u *undoStack) push(fn func()) {
	*u = append(*u, fn)
}

func (u undoStack) unwind() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}
