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
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Interrupt latch bits.
const (
	IntrDMADone uint32 = 1 << 0
	IntrUser    uint32 = 1 << 1

	// IntrMask is the set of interrupt bits the broker knows how to handle.
	IntrMask = IntrDMADone | IntrUser
)

// User status register bits of capture firmware.
const (
	UserStatusAck        uint32 = 1 << 16 // write to acknowledge a capture
	UserStatusWaitingAck uint32 = 1 << 17 // capture data is latched and waits for ack
	UserStatusMissed     uint32 = 1 << 18 // an event arrived before the previous ack
)

const (
	// DMAStatusCountShift and DMAStatusCountMask extract the response
	// queue depth from the DMA status register.
	DMAStatusCountShift = 16
	DMAStatusCountMask  = 0x7ff

	// AllOnes is read back from a device that dropped off the bus.
	AllOnes uint32 = 0xffffffff

	siteVersionMask    = 0xfffff000
	siteVersionCapture = 0x0000b000
)

// RegisterMap holds byte offsets of registers in the control aperture.
type RegisterMap struct {
	FWVersion    uint32 `mapstructure:"fw_version" yaml:"fw_version"`
	FWTimestamp  uint32 `mapstructure:"fw_timestamp" yaml:"fw_timestamp"`
	PageSelect   uint32 `mapstructure:"page_select" yaml:"page_select"`
	IntrEnable   uint32 `mapstructure:"intr_enable" yaml:"intr_enable"`
	IntrLatch    uint32 `mapstructure:"intr_latch" yaml:"intr_latch"`
	IntrClear    uint32 `mapstructure:"intr_clear" yaml:"intr_clear"`
	DMAStatus    uint32 `mapstructure:"dma_status" yaml:"dma_status"`
	DMARespLen   uint32 `mapstructure:"dma_resp_len" yaml:"dma_resp_len"`
	DMARespAddr  uint32 `mapstructure:"dma_resp_addr" yaml:"dma_resp_addr"`
	UserStatus   uint32 `mapstructure:"user_status" yaml:"user_status"`
	SiteVersion  uint32 `mapstructure:"site_version" yaml:"site_version"`
	CaptureFirst uint32 `mapstructure:"capture_first" yaml:"capture_first"`
	CaptureLast  uint32 `mapstructure:"capture_last" yaml:"capture_last"`
}

// DefaultRegisters returns the register layout of the stock firmware.
func DefaultRegisters() RegisterMap {
	return RegisterMap{
		FWVersion:    0x0000,
		FWTimestamp:  0x0004,
		PageSelect:   0x0080,
		IntrEnable:   0x0100,
		IntrLatch:    0x0104,
		IntrClear:    0x0108,
		DMAStatus:    0x0204,
		DMARespLen:   0x0210,
		DMARespAddr:  0x0214,
		UserStatus:   0x0400,
		SiteVersion:  0x0404,
		CaptureFirst: 0x0500,
		CaptureLast:  0x05fc,
	}
}

// Fields returns the register offsets keyed by their configuration names.
func (r RegisterMap) Fields() map[string]uint32 {
	return map[string]uint32{
		"fw_version":    r.FWVersion,
		"fw_timestamp":  r.FWTimestamp,
		"page_select":   r.PageSelect,
		"intr_enable":   r.IntrEnable,
		"intr_latch":    r.IntrLatch,
		"intr_clear":    r.IntrClear,
		"dma_status":    r.DMAStatus,
		"dma_resp_len":  r.DMARespLen,
		"dma_resp_addr": r.DMARespAddr,
		"user_status":   r.UserStatus,
		"site_version":  r.SiteVersion,
		"capture_first": r.CaptureFirst,
		"capture_last":  r.CaptureLast,
	}
}

// Validate checks that every register is word aligned and fits in an
// aperture of size bytes.
func (r RegisterMap) Validate(size uint32) error {
	regs := r.Fields()

	for name, off := range regs {
		if off%4 != 0 {
			return errors.Errorf("register %s at %#x is not word aligned", name, off)
		}

		if uint64(off)+4 > uint64(size) {
			return errors.Errorf("register %s at %#x is outside the %#x byte control aperture", name, off, size)
		}
	}

	if r.CaptureLast < r.CaptureFirst {
		return errors.Errorf("capture window %#x..%#x is empty", r.CaptureFirst, r.CaptureLast)
	}

	return nil
}

// IRQMode selects how completion interrupts are delivered.
type IRQMode int

// Interrupt delivery modes.
const (
	IRQPoll IRQMode = iota // no interrupt; the latch is polled (debugging)
	IRQIntx                // classic PCI level interrupt
	IRQMSI                 // PCI message signalled interrupt
)

var irqModeNames = []string{"poll", "intx", "msi"}

func (m IRQMode) String() string {
	if m < 0 || int(m) >= len(irqModeNames) {
		return fmt.Sprintf("IRQMode(%d)", int(m))
	}

	return irqModeNames[m]
}

// ParseIRQMode converts a mode name or its numeric value ("0".."2").
func ParseIRQMode(s string) (IRQMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range irqModeNames {
		if s == name || s == fmt.Sprint(i) {
			return IRQMode(i), nil
		}
	}

	return IRQMSI, errors.Wrapf(ErrInvalid, "unknown irq mode %q", s)
}

// Site identifies firmware with site specific user logic.
type Site int

// Known firmware sites.
const (
	SiteNone Site = iota
	SiteCapture
)

func (s Site) String() string {
	if s == SiteCapture {
		return "capture"
	}

	return "none"
}
