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

// Package uio delivers interrupts of a device bound to a UIO driver
// (uio_pci_generic). A read of the device node blocks until the next
// interrupt and returns the interrupt count; writing 1 re-enables the
// interrupt.
package uio

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// pollInterval bounds how long Wait sleeps in the kernel before checking
// its context.
const pollInterval = 50 * time.Millisecond

// Device is an open UIO device node.
type Device struct {
	path  string
	fd    int
	count atomic.Uint32
}

// Open opens a UIO device node such as /dev/uio0.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}

	klog.V(2).Infof("opened interrupt source %s", path)

	return &Device{path: path, fd: fd}, nil
}

// Wait blocks until an interrupt arrives or ctx is done.
func (d *Device) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return errors.Wrapf(err, "poll %s", d.path)
		}

		if n == 0 {
			continue
		}

		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			return errors.Errorf("%s: poll events %#x", d.path, fds[0].Revents)
		}

		return d.read()
	}
}

func (d *Device) read() error {
	var buf [4]byte

	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return errors.Wrapf(err, "read %s", d.path)
	}

	if n != len(buf) {
		return errors.Errorf("%s: short read of %d bytes", d.path, n)
	}

	d.count.Store(binary.NativeEndian.Uint32(buf[:]))

	return nil
}

// Count returns the interrupt count reported by the last Wait.
func (d *Device) Count() uint32 {
	return d.count.Load()
}

// Enable unmasks the interrupt.
func (d *Device) Enable() error {
	var buf [4]byte

	binary.NativeEndian.PutUint32(buf[:], 1)

	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		return errors.Wrapf(err, "write %s", d.path)
	}

	return nil
}

// Close closes the device node.
func (d *Device) Close() error {
	return errors.Wrapf(unix.Close(d.fd), "close %s", d.path)
}

func (d *Device) String() string {
	return d.path
}
