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

package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/internal/simboard"
	"github.com/amc-pico/pico8/pkg/board"
	"github.com/amc-pico/pico8/pkg/calib"
	"github.com/amc-pico/pico8/pkg/config"
	"github.com/amc-pico/pico8/pkg/pci"
	"github.com/amc-pico/pico8/pkg/window"
)

const chunkSize = 1 << 20

type options struct {
	cfg    *config.Config
	offset int64
	length int64
	whence int
	file   string
}

func main() {
	var (
		cfgFile string
		device  string
		sim     bool
		opts    options
	)

	klog.InitFlags(nil)

	flag.StringVar(&cfgFile, "c", "", "Path to configuration file (default: search /etc/pico8 and .)")
	flag.StringVar(&device, "d", "", "PCI address of the card, overrides configuration")
	flag.BoolVar(&sim, "sim", false, "Use a simulated card")
	flag.Int64Var(&opts.offset, "o", 0, "Offset in device memory")
	flag.Int64Var(&opts.length, "n", 0, "Number of bytes to read (default: up to the end of device memory)")
	flag.IntVar(&opts.whence, "whence", 0, "Seek origin: 0 start, 1 current, 2 end")
	flag.StringVar(&opts.file, "f", "", "Input or output file (default: stdin/stdout)")

	flag.Parse()

	if flag.NArg() < 1 {
		klog.Fatal("Please provide command: scan, bind, info, read, write, dump, seek, version, calib, config, stats, capture")
	}

	cmd := flag.Arg(0)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		klog.Fatalf("%+v", err)
	}

	if device != "" {
		cfg.Device = device
	}

	if sim {
		cfg.Sim = true
	}

	opts.cfg = cfg

	if err = validateFlags(cmd, opts); err != nil {
		klog.Fatalf("Invalid arguments: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cmd, opts, os.Stdin, os.Stdout); err != nil {
		stop()
		klog.Fatalf("%+v", err)
	}
}

func validateFlags(cmd string, opts options) error {
	switch cmd {
	case "bind":
		if opts.cfg.Device == "" {
			return errors.Errorf("PCI device address is missing")
		}
	case "info", "read", "write", "dump", "seek":
		if opts.cfg.Device == "" && !opts.cfg.Sim {
			return errors.Errorf("PCI device address is missing")
		}

		if opts.offset < 0 && opts.whence == 0 {
			return errors.Errorf("negative offset %d", opts.offset)
		}

		if opts.length < 0 {
			return errors.Errorf("negative length %d", opts.length)
		}
	case "scan", "version", "calib", "config", "stats", "capture":
	default:
		return errors.Errorf("unknown command %q", cmd)
	}

	return nil
}

func run(ctx context.Context, cmd string, opts options, stdin io.Reader, stdout io.Writer) error {
	switch cmd {
	case "scan":
		return scan(opts.cfg, stdout)
	case "version":
		return version(stdout)
	case "calib":
		return calibrate(ctx, stdout)
	case "config":
		return opts.cfg.Dump(stdout)
	case "stats":
		return stats(ctx, opts.cfg, stdout)
	case "bind":
		return bind(opts.cfg, stdout)
	case "capture":
		return capture(ctx, opts.cfg, stdout)
	}

	b, err := openBoard(opts.cfg)
	if err != nil {
		return err
	}
	defer b.Detach()

	acc := window.New(b)

	switch cmd {
	case "info":
		return info(b, stdout)
	case "seek":
		pos, err := acc.Seek(0, opts.offset, opts.whence)
		if err != nil {
			return err
		}

		fmt.Fprintf(stdout, "%d\n", pos)

		return nil
	case "read":
		out := stdout

		if opts.file != "" {
			f, err := os.Create(opts.file)
			if err != nil {
				return errors.Wrap(err, "can't create output file")
			}
			defer f.Close()

			out = f
		}

		return read(ctx, acc, opts, out)
	case "dump":
		d := hex.Dumper(stdout)
		defer d.Close()

		return read(ctx, acc, opts, d)
	case "write":
		in := stdin

		if opts.file != "" {
			f, err := os.Open(opts.file)
			if err != nil {
				return errors.Wrap(err, "can't open input file")
			}
			defer f.Close()

			in = f
		}

		return write(ctx, acc, opts, in, stdout)
	}

	return errors.Errorf("unknown command %q", cmd)
}

func openBoard(cfg *config.Config) (*board.Board, error) {
	if cfg.Sim {
		simCfg := simboard.DefaultConfig()
		simCfg.Regs = cfg.Registers
		simCfg.PageCount = cfg.PageCount

		sim, err := simboard.New(simCfg)
		if err != nil {
			return nil, err
		}

		opts, err := cfg.BoardOptions()
		if err != nil {
			return nil, err
		}

		return sim.Board(opts)
	}

	opts, err := cfg.AttachOptions()
	if err != nil {
		return nil, err
	}

	return board.Attach(opts)
}

func scan(cfg *config.Config, stdout io.Writer) error {
	devs, err := pci.Scan(cfg.SysfsRoot, pci.VendorXilinx, pci.DevicePico8, cfg.SubVendor, cfg.SubDevice)
	if err != nil {
		return err
	}

	for _, dev := range devs {
		fmt.Fprintf(stdout, "%s subsystem %s:%s driver %q uio %s\n",
			dev.BDF, dev.SubVendor, dev.SubDevice, dev.Driver, strings.Join(dev.UIONodes(), ","))
	}

	return nil
}

// bind hands the card's interrupt line to the generic UIO driver.
func bind(cfg *config.Config, stdout io.Writer) error {
	dev, err := pci.NewPCIDevice(filepath.Join(cfg.SysfsRoot, "bus", "pci", "devices", cfg.Device))
	if err != nil {
		return err
	}

	if !dev.Matches(pci.VendorXilinx, pci.DevicePico8, cfg.SubVendor, cfg.SubDevice) {
		return errors.Errorf("%s is not an AMC-Pico8 card (%s:%s)", dev.BDF, dev.Vendor, dev.Device)
	}

	if err := pci.BindDriver(dev, filepath.Join(cfg.SysfsRoot, "bus", "pci", "drivers"), pci.UIODriver); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s driver %s uio %s\n", dev.BDF, dev.Driver, strings.Join(dev.UIONodes(), ","))

	return nil
}

func info(b *board.Board, stdout io.Writer) error {
	out, err := yaml.Marshal(b.Info())
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = stdout.Write(out)

	return errors.WithStack(err)
}

func version(stdout io.Writer) error {
	arg := make([]byte, 4)
	if err := window.Control(window.CmdGetVersion, arg); err != nil {
		return err
	}

	v := binary.LittleEndian.Uint32(arg)
	fmt.Fprintf(stdout, "protocol %d.%d.%d\n", v>>16, (v>>8)&0xff, v&0xff)

	return nil
}

func calibrate(ctx context.Context, stdout io.Writer) error {
	cpu := calib.CPUInfo()
	fmt.Fprintf(stdout, "CPU    : %s\n", cpu.Brand)
	fmt.Fprintf(stdout, "RDTSCP : %v\n", cpu.RDTSCP)

	res, err := calib.Calibrate(ctx, calib.Default(), calib.DefaultDuration)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Cycles : %d in %v (%.0f per second)\n", res.Cycles, res.Nanos, res.Rate())

	return nil
}

// read copies device memory to out in chunks so that an interrupt stops
// the transfer at the next page.
func read(ctx context.Context, acc *window.Accessor, opts options, out io.Writer) error {
	pos, err := acc.Seek(0, opts.offset, opts.whence)
	if err != nil {
		return err
	}

	remaining := opts.length
	if remaining == 0 {
		remaining = acc.Limit() - pos
	}

	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}

		res, err := acc.ReadTo(ctx, pos, n, out)
		if err != nil {
			return errors.WithMessagef(err, "read stopped at %#x", res.Pos)
		}

		if res.N == 0 {
			break
		}

		pos = res.Pos
		remaining -= res.N
	}

	return nil
}

func write(ctx context.Context, acc *window.Accessor, opts options, in io.Reader, stdout io.Writer) error {
	pos, err := acc.Seek(0, opts.offset, opts.whence)
	if err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	total := int64(0)

	for {
		n, rerr := io.ReadFull(in, buf)
		if n > 0 {
			res, err := acc.WriteAt(ctx, buf[:n], pos)
			total += res.N

			if err != nil {
				return errors.WithMessagef(err, "write stopped at %#x", res.Pos)
			}

			if res.N < int64(n) {
				klog.Warningf("%d trailing bytes not written", int64(n)-res.N)
				pos = res.Pos

				break
			}

			pos = res.Pos
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}

		if rerr != nil {
			return errors.Wrap(rerr, "reading input")
		}
	}

	fmt.Fprintf(stdout, "wrote %d bytes, position %#x\n", total, pos)

	return nil
}

func stats(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.MetricsAddr+"/metrics", http.NoBody)
	if err != nil {
		return errors.WithStack(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "daemon not reachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("metrics request failed: %s", resp.Status)
	}

	var parser expfmt.TextParser

	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return errors.Wrap(err, "parsing metrics")
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		for _, m := range families[name].GetMetric() {
			v := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				v = m.GetCounter().GetValue()
			}

			fmt.Fprintf(stdout, "%-36s %.0f\n", name, v)
		}
	}

	return nil
}

// capture fetches the next user event capture from the daemon, which waits
// up to wait_timeout for it.
func capture(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.MetricsAddr+"/capture", http.NoBody)
	if err != nil {
		return errors.WithStack(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "daemon not reachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("capture request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	_, err = io.Copy(stdout, resp.Body)

	return errors.Wrap(err, "reading capture")
}
