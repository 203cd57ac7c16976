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

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// UIODriver is the generic PCI UIO driver that exposes the board's
// interrupt line as /dev/uioN.
const UIODriver = "uio_pci_generic"

var pciIDRE = regexp.MustCompile(`^0x[[:xdigit:]]{4}$`)

// bindPoll bounds the time BindDriver waits for the kernel to bind.
var bindPoll = struct {
	tries    int
	interval time.Duration
}{20, 100 * time.Millisecond}

// ValidateID checks that id is empty or has the 0xNNNN sysfs form.
func ValidateID(id string) error {
	if id == "" || pciIDRE.MatchString(id) {
		return nil
	}

	return errors.Errorf("invalid PCI id %q", id)
}

// BindDriver unbinds the device from its current driver, if any, and binds
// it to driver through the driver's new_id and bind files under driversPath.
func BindDriver(dev *PCIDevice, driversPath, driver string) error {
	if dev.Driver == driver {
		klog.V(2).Infof("%s already bound to %s", dev.BDF, driver)
		return nil
	}

	if dev.Driver != "" {
		unbind := filepath.Join(dev.SysFsPath, "driver", "unbind")

		klog.V(2).Infof("Unbinding %s from %s", dev.BDF, dev.Driver)

		if err := os.WriteFile(unbind, []byte(dev.BDF), 0200); err != nil {
			return errors.Wrapf(err, "%s: unbind from %s", dev.BDF, dev.Driver)
		}
	}

	newID := fmt.Sprintf("%s %s",
		strings.TrimPrefix(dev.Vendor, "0x"), strings.TrimPrefix(dev.Device, "0x"))

	if err := os.WriteFile(filepath.Join(driversPath, driver, "new_id"), []byte(newID), 0200); err != nil {
		return errors.Wrapf(err, "%s: new_id for %s", dev.BDF, driver)
	}

	for i := 0; i < bindPoll.tries; i++ {
		if currentDriver(dev.SysFsPath) == driver {
			dev.Driver = driver
			klog.Infof("Bound %s to %s", dev.BDF, driver)

			return nil
		}

		time.Sleep(bindPoll.interval)
	}

	// new_id only probes unbound devices that were not claimed before; an
	// explicit bind covers the rest.
	if err := os.WriteFile(filepath.Join(driversPath, driver, "bind"), []byte(dev.BDF), 0200); err != nil {
		return errors.Wrapf(err, "%s: bind to %s", dev.BDF, driver)
	}

	if got := currentDriver(dev.SysFsPath); got != driver {
		return errors.Errorf("%s: failed to bind to %s, current driver %q", dev.BDF, driver, got)
	}

	dev.Driver = driver
	klog.Infof("Bound %s to %s", dev.BDF, driver)

	return nil
}

func currentDriver(sysfsPath string) string {
	link, err := os.Readlink(filepath.Join(sysfsPath, "driver"))
	if err != nil {
		return ""
	}

	return filepath.Base(link)
}
