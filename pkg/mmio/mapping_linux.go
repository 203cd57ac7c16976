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

//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mapping is an Aperture backed by a shared mapping of a device resource,
// typically /sys/bus/pci/devices/<bdf>/resourceN.
type Mapping struct {
	path  string
	mem   []byte
	fence uint32
}

var _ Aperture = (*Mapping)(nil)

// Map maps size bytes of the resource file at path for reading and writing.
func Map(path string, size uint32) (*Mapping, error) {
	if size == 0 || size%WordSize != 0 {
		return nil, errors.Errorf("%s: invalid aperture size %d", path, size)
	}

	if pg := uint32(os.Getpagesize()); size%pg != 0 {
		return nil, errors.Errorf("%s: aperture size %d is not a multiple of the system page size %d", path, size, pg)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	// The mapping stays valid after the descriptor is closed.
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to map %s", path)
	}

	return &Mapping{path: path, mem: mem}, nil
}

func (m *Mapping) word(off uint32) *uint32 {
	if off%WordSize != 0 || uint64(off)+WordSize > uint64(len(m.mem)) {
		panic(fmt.Sprintf("mmio: bad access at offset %#x of %s", off, m.path))
	}

	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

// Read32 returns the word at byte offset off.
func (m *Mapping) Read32(off uint32) uint32 {
	return atomic.LoadUint32(m.word(off))
}

// Write32 stores v at byte offset off.
func (m *Mapping) Write32(off uint32, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

// Size returns the mapped length in bytes.
func (m *Mapping) Size() uint32 {
	return uint32(len(m.mem))
}

// Barrier orders all preceding accesses before any following one.
func (m *Mapping) Barrier() {
	atomic.AddUint32(&m.fence, 1)
}

// Close unmaps the resource. The Mapping must not be used afterwards.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil

	return errors.Wrapf(err, "unable to unmap %s", m.path)
}

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.path, len(m.mem))
}
