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

package board

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/pkg/mmio"
	"github.com/amc-pico/pico8/pkg/pci"
)

const (
	controlBAR = 0
	dataBAR    = 2
)

// Attach maps the control and data BARs of a PCI device and initializes a
// board over them. On failure every completed stage is undone in reverse
// order.
func Attach(opts AttachOptions) (*Board, error) {
	var (
		stages undoStack
		done   bool
	)

	defer func() {
		if !done {
			stages.unwind()
		}
	}()

	root := opts.SysfsRoot
	if root == "" {
		root = "/sys"
	}

	dev, err := pci.NewPCIDevice(filepath.Join(root, "bus", "pci", "devices", opts.Device))
	if err != nil {
		return nil, err
	}

	if !dev.Matches(pci.VendorXilinx, pci.DevicePico8, opts.SubVendor, opts.SubDevice) {
		return nil, errors.Errorf("%s: unsupported device %s:%s (subsystem %s:%s)",
			dev.BDF, dev.Vendor, dev.Device, dev.SubVendor, dev.SubDevice)
	}

	lock, err := lockDevice(dev.ResourcePath(controlBAR))
	if err != nil {
		return nil, err
	}

	stages.push(func() { unix.Close(lock) })

	control, err := mapBAR(dev, controlBAR)
	if err != nil {
		return nil, err
	}

	stages.push(func() { closeMapping(control) })

	data, err := mapBAR(dev, dataBAR)
	if err != nil {
		return nil, err
	}

	stages.push(func() { closeMapping(data) })

	b, err := New(control, data, opts.Options)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", dev.BDF)
	}

	b.release = stages
	done = true

	klog.V(2).Infof("attached %s (%s)", dev.BDF, dev.Driver)

	return b, nil
}

// lockDevice takes an exclusive lock so that one process at a time drives
// the page select register.
func lockDevice(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "unable to open %s", path)
	}

	if err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)

		if errors.Is(err, unix.EWOULDBLOCK) {
			return -1, errors.Errorf("%s is in use by another process", path)
		}

		return -1, errors.Wrapf(err, "unable to lock %s", path)
	}

	return fd, nil
}

func mapBAR(dev *pci.PCIDevice, bar int) (*mmio.Mapping, error) {
	size, err := dev.BARSize(bar)
	if err != nil {
		return nil, err
	}

	if size > math.MaxUint32 {
		return nil, errors.Errorf("%s: BAR%d size %#x is too large", dev.BDF, bar, size)
	}

	return mmio.Map(dev.ResourcePath(bar), uint32(size))
}

func closeMapping(m *mmio.Mapping) {
	if err := m.Close(); err != nil {
		klog.Warningf("%+v", err)
	}
}
