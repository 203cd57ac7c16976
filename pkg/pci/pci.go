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

// Package pci locates an AMC-Pico8 board in sysfs and describes its
// memory resources and UIO interrupt nodes.
package pci

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	pciAddressRegex = `^([[:xdigit:]]{4}):([[:xdigit:]]{2}):([[:xdigit:]]{2})\.([[:xdigit:]])$`

	// VendorXilinx is the PCI vendor id of the board's FPGA bridge.
	VendorXilinx = "0x10ee"
	// DevicePico8 is the PCI device id of the board.
	DevicePico8 = "0x0007"

	// ioresourceMem marks a memory (not I/O port) BAR in the resource file.
	ioresourceMem = 0x00000200
)

var (
	pciAddressRE = regexp.MustCompile(pciAddressRegex)
)

// Resource is one line of a PCI device's sysfs "resource" file.
type Resource struct {
	Start uint64
	End   uint64
	Flags uint64
}

// Size returns the resource length in bytes, 0 for an unused BAR.
func (r Resource) Size() uint64 {
	if r.Start == 0 && r.End == 0 {
		return 0
	}

	return r.End - r.Start + 1
}

// IsMem reports whether the resource is a memory BAR.
func (r Resource) IsMem() bool {
	return r.Flags&ioresourceMem != 0
}

// PCIDevice represents most valuable sysfs information about PCI device
type PCIDevice struct {
	SysFsPath string
	BDF       string
	Vendor    string
	Device    string
	SubVendor string
	SubDevice string
	Class     string
	NUMA      string
	Driver    string
	Resources []Resource
}

// NewPCIDevice returns sysfs entry for specified PCI device
func NewPCIDevice(devPath string) (*PCIDevice, error) {
	realDevPath, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed get realpath for %s", devPath)
	}

	pci := new(PCIDevice)

	for p := realDevPath; p != "/" && p != "."; p = filepath.Dir(p) {
		subs := pciAddressRE.FindStringSubmatch(filepath.Base(p))
		if len(subs) != 5 {
			continue
		}

		pci.SysFsPath = p
		pci.BDF = subs[0]

		break
	}

	if pci.SysFsPath == "" || pci.BDF == "" {
		return nil, errors.Errorf("can't find PCI device address for sysfs entry %s", realDevPath)
	}

	fileMap := map[string]*string{
		"vendor":           &pci.Vendor,
		"device":           &pci.Device,
		"subsystem_vendor": &pci.SubVendor,
		"subsystem_device": &pci.SubDevice,
		"class":            &pci.Class,
		"numa_node":        &pci.NUMA,
	}
	if err = readFilesInDirectory(fileMap, pci.SysFsPath); err != nil {
		return nil, err
	}

	if pci.Vendor == "" || pci.Device == "" {
		return nil, errors.Errorf("%s vendor or device id can't be empty (%q/%q)", pci.SysFsPath, pci.Vendor, pci.Device)
	}

	if link, err := os.Readlink(filepath.Join(pci.SysFsPath, "driver")); err == nil {
		pci.Driver = filepath.Base(link)
	}

	pci.Resources, err = parseResources(filepath.Join(pci.SysFsPath, "resource"))
	if err != nil {
		return nil, err
	}

	return pci, nil
}

// Matches reports whether the device has the given ids. Empty subsystem ids
// match anything.
func (pci *PCIDevice) Matches(vendor, device, subVendor, subDevice string) bool {
	if !strings.EqualFold(pci.Vendor, vendor) || !strings.EqualFold(pci.Device, device) {
		return false
	}

	if subVendor != "" && !strings.EqualFold(pci.SubVendor, subVendor) {
		return false
	}

	return subDevice == "" || strings.EqualFold(pci.SubDevice, subDevice)
}

// ResourcePath returns the sysfs file that maps the given BAR.
func (pci *PCIDevice) ResourcePath(bar int) string {
	return filepath.Join(pci.SysFsPath, fmt.Sprintf("resource%d", bar))
}

// BARSize returns the size of the given memory BAR.
func (pci *PCIDevice) BARSize(bar int) (uint64, error) {
	if bar < 0 || bar >= len(pci.Resources) {
		return 0, errors.Errorf("%s: no resource %d", pci.BDF, bar)
	}

	r := pci.Resources[bar]
	if r.Size() == 0 || !r.IsMem() {
		return 0, errors.Errorf("%s: BAR%d is not a memory resource", pci.BDF, bar)
	}

	return r.Size(), nil
}

// UIONodes returns the /dev/uioN names bound to this device, sorted.
func (pci *PCIDevice) UIONodes() []string {
	entries, err := os.ReadDir(filepath.Join(pci.SysFsPath, "uio"))
	if err != nil {
		klog.V(4).Infof("%s: no uio directory: %v", pci.BDF, err)
		return nil
	}

	var nodes []string

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uio") {
			nodes = append(nodes, e.Name())
		}
	}

	sort.Strings(nodes)

	return nodes
}

// DeviceForNode returns the PCI device behind a UIO device node such as
// /dev/uio3. The node is looked up by name in sysfs class/uio first; a node
// with another name is resolved through its character device numbers.
func DeviceForNode(sysfsRoot, node string) (*PCIDevice, error) {
	classLink := filepath.Join(sysfsRoot, "class", "uio", filepath.Base(node), "device")
	if _, err := os.Lstat(classLink); err == nil {
		return NewPCIDevice(classLink)
	}

	fi, err := os.Stat(node)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to stat %s", node)
	}

	if fi.Mode()&os.ModeCharDevice == 0 {
		return nil, errors.Errorf("%s is not a character device", node)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, errors.Errorf("%s: no device numbers", node)
	}

	rdev := uint64(st.Rdev) //nolint:unconvert // Rdev is not uint64 on every platform.
	devPath := filepath.Join(sysfsRoot, "dev", "char", fmt.Sprintf("%d:%d", unix.Major(rdev), unix.Minor(rdev)))

	// The char device lives below the PCI function, e.g. .../0000:03:00.0/uio/uio3.
	return NewPCIDevice(devPath)
}

// Scan returns every device under sysfsRoot/bus/pci/devices matching the ids.
func Scan(sysfsRoot, vendor, device, subVendor, subDevice string) ([]*PCIDevice, error) {
	dir := filepath.Join(sysfsRoot, "bus", "pci", "devices")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read %s", dir)
	}

	var found []*PCIDevice

	for _, e := range entries {
		dev, err := NewPCIDevice(filepath.Join(dir, e.Name()))
		if err != nil {
			klog.V(4).Infof("Skipping %s: %v", e.Name(), err)
			continue
		}

		if dev.Matches(vendor, device, subVendor, subDevice) {
			found = append(found, dev)
		}
	}

	return found, nil
}

func parseResources(fname string) ([]Resource, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", fname)
	}
	defer f.Close()

	var res []Resource

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) != 3 {
			return nil, errors.Errorf("%s: malformed line %q", fname, s.Text())
		}

		var vals [3]uint64

		for i, fld := range fields {
			vals[i], err = strconv.ParseUint(fld, 0, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: malformed value %q", fname, fld)
			}
		}

		res = append(res, Resource{Start: vals[0], End: vals[1], Flags: vals[2]})
	}

	return res, errors.Wrapf(s.Err(), "unable to read %s", fname)
}

// small helper function that reads several files into provided set of variables.
func readFilesInDirectory(fileMap map[string]*string, dir string) error {
	for k, v := range fileMap {
		fname := filepath.Join(dir, k)

		b, err := os.ReadFile(fname)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return errors.Wrapf(err, "%s: unable to read file %q", dir, k)
		}

		*v = strings.TrimSpace(string(b))
	}

	return nil
}
