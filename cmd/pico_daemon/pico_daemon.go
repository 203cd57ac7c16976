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
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/internal/devwatch"
	"github.com/amc-pico/pico8/internal/simboard"
	"github.com/amc-pico/pico8/internal/uio"
	"github.com/amc-pico/pico8/pkg/board"
	"github.com/amc-pico/pico8/pkg/calib"
	"github.com/amc-pico/pico8/pkg/config"
	"github.com/amc-pico/pico8/pkg/irq"
	"github.com/amc-pico/pico8/pkg/pci"
)

// healthService is the service name reported on the health socket.
const healthService = "pico8"

type daemon struct {
	cfg    *config.Config
	board  *board.Board
	broker *irq.Broker
	source irq.Source
	node   string // UIO device node, empty in poll or simulation mode
	sim    *simboard.Sim
}

func main() {
	var (
		cfgFile string
		device  string
		sim     bool
	)

	klog.InitFlags(nil)

	flag.StringVar(&cfgFile, "c", "", "Path to configuration file (default: search /etc/pico8 and .)")
	flag.StringVar(&device, "d", "", "PCI address of the card, overrides configuration")
	flag.BoolVar(&sim, "sim", false, "Use a simulated card")
	flag.Parse()

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		klog.Fatalf("%+v", err)
	}

	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		d.board.Detach()
		klog.Fatalf("failed to listen: %+v", err)
	}

	healthLis, err := listenUnix(cfg.HealthSocket)
	if err != nil {
		d.board.Detach()
		klog.Fatalf("failed to listen: %+v", err)
	}

	if err = d.serve(ctx, metricsLis, healthLis); err != nil {
		klog.Fatalf("%+v", err)
	}
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "unable to create socket directory")
	}

	// Delete possible previous socket file
	_ = os.Remove(path)

	lis, err := net.Listen("unix", path)

	return lis, errors.WithStack(err)
}

// newDaemon attaches the card and prepares interrupt handling. Interrupts
// are enabled once the broker exists.
func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	mode, err := board.ParseIRQMode(cfg.IRQMode)
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg}

	if cfg.Sim {
		if err = d.attachSim(); err != nil {
			return nil, err
		}
	} else {
		if err = d.attach(ctx, mode); err != nil {
			return nil, err
		}
	}

	d.broker = irq.NewBroker(d.board)

	if res, err := calib.Calibrate(ctx, calib.Default(), calib.DefaultDuration); err == nil {
		klog.Infof("cycle counter: %d ticks in %v (%.0f/s)", res.Cycles, res.Nanos, res.Rate())
	}

	d.board.EnableInterrupts()

	info := d.board.Info()
	klog.Infof("card %s: firmware %#08x, site %s, %d pages, irq mode %s",
		cfg.Device, info.FWVersion, info.Site, info.PageCount, info.IRQMode)

	return d, nil
}

func (d *daemon) attachSim() error {
	simCfg := simboard.DefaultConfig()
	simCfg.Regs = d.cfg.Registers
	simCfg.PageCount = d.cfg.PageCount

	sim, err := simboard.New(simCfg)
	if err != nil {
		return err
	}

	opts, err := d.cfg.BoardOptions()
	if err != nil {
		return err
	}

	if d.board, err = sim.Board(opts); err != nil {
		return err
	}

	d.sim = sim
	d.source = sim

	return nil
}

func (d *daemon) attach(ctx context.Context, mode board.IRQMode) error {
	if err := d.resolveDevice(); err != nil {
		return err
	}

	if mode != board.IRQPoll {
		node, err := d.uioNode()
		if err != nil {
			return err
		}

		if err = devwatch.WaitForFile(ctx, node); err != nil {
			return err
		}

		d.node = node
	}

	opts, err := d.cfg.AttachOptions()
	if err != nil {
		return err
	}

	if d.board, err = board.Attach(opts); err != nil {
		return err
	}

	if d.node == "" {
		return nil
	}

	dev, err := uio.Open(d.node)
	if err != nil {
		d.board.Detach()
		return err
	}

	d.board.OnRelease(func() {
		if err := dev.Close(); err != nil {
			klog.Warningf("%+v", err)
		}
	})

	d.source = dev

	return nil
}

// resolveDevice fills in the PCI address from the configured UIO node when
// only the node is given.
func (d *daemon) resolveDevice() error {
	if d.cfg.Device != "" {
		return nil
	}

	if d.cfg.UIO == "" {
		return errors.New("PCI device address is missing")
	}

	dev, err := pci.DeviceForNode(d.cfg.SysfsRoot, d.cfg.UIO)
	if err != nil {
		return err
	}

	if !dev.Matches(pci.VendorXilinx, pci.DevicePico8, d.cfg.SubVendor, d.cfg.SubDevice) {
		return errors.Errorf("%s belongs to %s (%s:%s), not an AMC-Pico8 card",
			d.cfg.UIO, dev.BDF, dev.Vendor, dev.Device)
	}

	klog.V(2).Infof("%s is card %s", d.cfg.UIO, dev.BDF)
	d.cfg.Device = dev.BDF

	return nil
}

func (d *daemon) uioNode() (string, error) {
	if d.cfg.UIO != "" {
		return d.cfg.UIO, nil
	}

	dev, err := pci.NewPCIDevice(filepath.Join(d.cfg.SysfsRoot, "bus", "pci", "devices", d.cfg.Device))
	if err != nil {
		return "", err
	}

	nodes := dev.UIONodes()
	if len(nodes) == 0 {
		return "", errors.Errorf("%s is not bound to a UIO driver", dev.BDF)
	}

	return filepath.Join("/dev", nodes[0]), nil
}

func (d *daemon) metricsHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		if err := d.broker.WriteMetrics(w, d.cfg.Device); err != nil {
			klog.Errorf("writing metrics: %+v", err)
		}
	})

	mux.HandleFunc("/reset/count", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		d.broker.ResetCount()
	})

	mux.HandleFunc("/reset/max_latency", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		d.broker.ResetMaxLatency()
	})

	mux.HandleFunc("/capture", d.serveCapture)

	return mux
}

// serveCapture hands out the next unconsumed capture, one word per line,
// waiting up to wait_timeout for it to arrive.
func (d *daemon) serveCapture(w http.ResponseWriter, r *http.Request) {
	words, err := d.broker.WaitCapture(r.Context(), d.cfg.WaitTimeout)

	switch {
	case err == nil:
	case errors.Is(err, board.ErrNotSupported):
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	case errors.Is(err, board.ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain")

	for _, word := range words {
		fmt.Fprintf(w, "0x%08x\n", word)
	}
}

// serve runs the interrupt loop and the metrics and health endpoints
// until ctx is done or the UIO node disappears, then detaches the card.
func (d *daemon) serve(ctx context.Context, metricsLis, healthLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	httpSrv := &http.Server{
		Handler:           d.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if d.board.IRQMode == board.IRQPoll || d.source == nil {
			return d.broker.Poll(ctx, d.cfg.PollInterval)
		}

		return d.broker.Run(ctx, d.source)
	})

	g.Go(func() error {
		klog.Infof("metrics listening at %v", metricsLis.Addr())

		if err := httpSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}

		return nil
	})

	g.Go(func() error {
		klog.Infof("health service listening at %v", healthLis.Addr())

		return errors.Wrap(grpcSrv.Serve(healthLis), "health server")
	})

	if d.node != "" {
		g.Go(func() error {
			if err := devwatch.WatchRemoval(ctx, d.node); err != nil {
				return nil
			}

			klog.Warningf("%s removed, detaching", d.node)
			cancel()

			return nil
		})
	}

	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	<-ctx.Done()

	healthSrv.Shutdown()
	grpcSrv.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		klog.Warningf("metrics server shutdown: %v", err)
	}

	err := g.Wait()

	d.board.Detach()
	klog.Info("card detached")

	return err
}
