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

// Package simboard simulates the register level behaviour of an AMC-Pico8
// card: the paged DDR window, the DMA response queue, the interrupt latch
// and the capture site. It backs unit tests and the --sim mode of the tools.
package simboard

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/amc-pico/pico8/pkg/board"
	"github.com/amc-pico/pico8/pkg/mmio"
)

// Default identification values reported by a simulated card.
const (
	FWVersion   uint32 = 0x00010007
	FWTimestamp uint32 = 0x65a1b2c3
)

// Config describes the simulated card.
type Config struct {
	Regs         board.RegisterMap
	ControlSize  uint32
	ApertureSize uint32
	PageCount    uint32
	Capture      bool
}

// DefaultConfig returns a small card with the stock register layout.
func DefaultConfig() Config {
	return Config{
		Regs:         board.DefaultRegisters(),
		ControlSize:  0x1000,
		ApertureSize: 0x1000,
		PageCount:    board.DefaultPageCount,
	}
}

type response struct {
	length uint32
	addr   uint32
}

// Sim is a simulated card.
type Sim struct {
	cfg Config

	mu         sync.Mutex
	regs       *mmio.Memory
	ddr        []byte
	page       uint32
	latch      uint32
	enable     uint32
	queue      []response
	linkDown   bool
	userStatus uint32
	barriers   int
	pageWrites int

	irq chan struct{}
}

// New creates a simulated card.
func New(cfg Config) (*Sim, error) {
	regs, err := mmio.NewMemory(cfg.ControlSize)
	if err != nil {
		return nil, err
	}

	if err = cfg.Regs.Validate(cfg.ControlSize); err != nil {
		return nil, err
	}

	if cfg.ApertureSize == 0 || cfg.ApertureSize%mmio.WordSize != 0 || cfg.PageCount == 0 {
		return nil, errors.Errorf("invalid simulated window %d x %#x", cfg.PageCount, cfg.ApertureSize)
	}

	regs.Write32(cfg.Regs.FWVersion, FWVersion)
	regs.Write32(cfg.Regs.FWTimestamp, FWTimestamp)

	if cfg.Capture {
		regs.Write32(cfg.Regs.SiteVersion, 0xb001)
	}

	return &Sim{
		cfg:  cfg,
		regs: regs,
		ddr:  make([]byte, int(cfg.PageCount)*int(cfg.ApertureSize)),
		irq:  make(chan struct{}, 1),
	}, nil
}

// Control returns the control aperture.
func (s *Sim) Control() mmio.Aperture { return (*controlAperture)(s) }

// Data returns the data aperture.
func (s *Sim) Data() mmio.Aperture { return (*dataAperture)(s) }

// Board initializes a board over the simulated apertures. A zero page count
// in opts takes the simulated one; any other mismatch is rejected since the
// board would address memory the card does not have.
func (s *Sim) Board(opts board.Options) (*board.Board, error) {
	opts.Regs = s.cfg.Regs

	switch opts.PageCount {
	case 0:
		opts.PageCount = s.cfg.PageCount
	case s.cfg.PageCount:
	default:
		return nil, errors.Wrapf(board.ErrInvalid, "board expects %d pages, simulated card has %d",
			opts.PageCount, s.cfg.PageCount)
	}

	return board.New(s.Control(), s.Data(), opts)
}

// DDR returns a copy of the simulated device memory.
func (s *Sim) DDR() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.ddr...)
}

// Fill overwrites device memory starting at off.
func (s *Sim) Fill(off int, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.ddr[off:], p)
}

// Page returns the current page select value.
func (s *Sim) Page() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.page
}

// PageWrites returns the number of writes to the page select register.
func (s *Sim) PageWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pageWrites
}

// Barriers returns the number of barriers issued on the control aperture.
func (s *Sim) Barriers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.barriers
}

// Latch returns the pending interrupt bits.
func (s *Sim) Latch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latch
}

// Queued returns the number of DMA responses not yet popped.
func (s *Sim) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// UserStatus returns the user status register.
func (s *Sim) UserStatus() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userStatus
}

// Raise sets interrupt latch bits.
func (s *Sim) Raise(bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raiseLocked(bits)
}

func (s *Sim) raiseLocked(bits uint32) {
	s.latch |= bits

	if s.enable&bits == 0 {
		return
	}

	select {
	case s.irq <- struct{}{}:
	default:
	}
}

// Complete queues DMA responses of the given lengths and raises the DMA
// done interrupt.
func (s *Sim) Complete(lengths ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range lengths {
		s.queue = append(s.queue, response{length: l, addr: uint32(len(s.queue)) * 0x100})
	}

	s.raiseLocked(board.IntrDMADone)
}

// Queue adds DMA responses without raising an interrupt.
func (s *Sim) Queue(lengths ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range lengths {
		s.queue = append(s.queue, response{length: l})
	}
}

// SetLinkDown makes the DMA status register read all ones, as a card
// that dropped off the PCIe link does.
func (s *Sim) SetLinkDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.linkDown = down
}

// Capture latches words into the capture window and raises the user
// interrupt. missed marks that a previous capture was not acknowledged.
func (s *Sim) Capture(words []uint32, missed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.cfg.Regs.CaptureFirst
	for _, w := range words {
		if off > s.cfg.Regs.CaptureLast {
			break
		}

		s.regs.Write32(off, w)
		off += mmio.WordSize
	}

	s.userStatus |= board.UserStatusWaitingAck
	if missed {
		s.userStatus |= board.UserStatusMissed
	}

	s.raiseLocked(board.IntrUser)
}

// Wait blocks until an enabled interrupt is raised.
func (s *Sim) Wait(ctx context.Context) error {
	select {
	case <-s.irq:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enable is a no-op: simulated interrupts are never masked by delivery.
func (s *Sim) Enable() error {
	return nil
}

type controlAperture Sim

func (c *controlAperture) Read32(off uint32) uint32 {
	s := (*Sim)(c)
	r := &s.cfg.Regs

	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case r.IntrLatch:
		return s.latch
	case r.IntrEnable:
		return s.enable
	case r.PageSelect:
		return s.page
	case r.DMAStatus:
		if s.linkDown {
			return board.AllOnes
		}

		return uint32(len(s.queue)&board.DMAStatusCountMask) << board.DMAStatusCountShift
	case r.DMARespLen:
		if len(s.queue) > 0 {
			return s.queue[0].length
		}

		return 0
	case r.DMARespAddr:
		if len(s.queue) > 0 {
			return s.queue[0].addr
		}

		return 0
	case r.UserStatus:
		return s.userStatus
	}

	return s.regs.Read32(off)
}

func (c *controlAperture) Write32(off uint32, v uint32) {
	s := (*Sim)(c)
	r := &s.cfg.Regs

	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case r.IntrClear:
		s.latch &^= v
	case r.IntrEnable:
		s.enable = v
	case r.PageSelect:
		s.page = v
		s.pageWrites++
	case r.DMARespLen:
		if len(s.queue) > 0 {
			s.queue = s.queue[1:]
		}
	case r.UserStatus:
		if v&board.UserStatusAck != 0 {
			s.userStatus &^= board.UserStatusWaitingAck | board.UserStatusMissed
		}
	}

	s.regs.Write32(off, v)
}

func (c *controlAperture) Size() uint32 { return c.cfg.ControlSize }

func (c *controlAperture) Barrier() {
	s := (*Sim)(c)

	s.mu.Lock()
	s.barriers++
	s.mu.Unlock()
}

type dataAperture Sim

func (d *dataAperture) offset(off uint32) int {
	if off%mmio.WordSize != 0 || off+mmio.WordSize > d.cfg.ApertureSize {
		panic(errors.Errorf("simboard: data access at %#x outside aperture", off))
	}

	if d.page >= d.cfg.PageCount {
		panic(errors.Errorf("simboard: page %d selected of %d", d.page, d.cfg.PageCount))
	}

	return int(d.page)*int(d.cfg.ApertureSize) + int(off)
}

func (d *dataAperture) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.offset(off)

	return binary.LittleEndian.Uint32(d.ddr[i:])
}

func (d *dataAperture) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.offset(off)
	binary.LittleEndian.PutUint32(d.ddr[i:], v)
}

func (d *dataAperture) Size() uint32 { return d.cfg.ApertureSize }

func (d *dataAperture) Barrier() {}
