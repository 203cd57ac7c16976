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

// Package mmio provides access to 32-bit device register windows.
//
// An Aperture is either a PCI BAR mapped from its sysfs resource file or a
// plain memory-backed window used for tests and simulation. All accesses are
// whole aligned words; the device has no sub-word access.
package mmio

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// WordSize is the device access granularity in bytes.
const WordSize = 4

// Aperture is a window of 32-bit device registers or device memory.
type Aperture interface {
	// Read32 returns the word at byte offset off.
	Read32(off uint32) uint32
	// Write32 stores v at byte offset off.
	Write32(off uint32, v uint32)
	// Size returns the aperture length in bytes.
	Size() uint32
	// Barrier orders all preceding accesses before any following one.
	Barrier()
}

// Memory is an Aperture backed by ordinary memory.
type Memory struct {
	words []uint32
	fence uint32
}

var _ Aperture = (*Memory)(nil)

// NewMemory returns a zeroed memory aperture of size bytes. size must be a
// non-zero multiple of WordSize.
func NewMemory(size uint32) (*Memory, error) {
	if size == 0 || size%WordSize != 0 {
		return nil, errors.Errorf("invalid aperture size %d", size)
	}

	return &Memory{words: make([]uint32, size/WordSize)}, nil
}

// Read32 returns the word at byte offset off.
func (m *Memory) Read32(off uint32) uint32 {
	return atomic.LoadUint32(&m.words[wordIndex(off)])
}

// Write32 stores v at byte offset off.
func (m *Memory) Write32(off uint32, v uint32) {
	atomic.StoreUint32(&m.words[wordIndex(off)], v)
}

// Size returns the aperture length in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.words)) * WordSize
}

// Barrier orders all preceding accesses before any following one.
func (m *Memory) Barrier() {
	atomic.AddUint32(&m.fence, 1)
}

func wordIndex(off uint32) uint32 {
	if off%WordSize != 0 {
		panic(fmt.Sprintf("mmio: unaligned access at offset %#x", off))
	}

	return off / WordSize
}
