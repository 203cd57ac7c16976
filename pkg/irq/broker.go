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

// Package irq turns AMC-Pico8 interrupts into completions that callers can
// wait for. The broker drains the DMA response queue, latches capture data
// and keeps latency statistics of the interrupt path.
package irq

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/pkg/board"
	"github.com/amc-pico/pico8/pkg/calib"
)

// MaxDrain is the number of responses popped per interrupt before the drain
// is considered runaway.
const MaxDrain = 100

// Broker handles the interrupts of one board.
type Broker struct {
	b       *board.Board
	counter calib.Counter

	mu         sync.Mutex
	last       Completion
	ready      bool
	inProgress bool
	wake       chan struct{}

	capMu       sync.Mutex
	staging     []uint32
	captured    []uint32
	capReady    bool
	captureWake chan struct{}

	stats Stats

	unknownOnce  sync.Once
	spuriousOnce sync.Once
	emptyOnce    sync.Once
	allOnesOnce  sync.Once
	runawayOnce  sync.Once
}

// Option configures a Broker.
type Option func(*Broker)

// WithCounter sets the cycle counter used for latency statistics.
func WithCounter(c calib.Counter) Option {
	return func(br *Broker) {
		br.counter = c
	}
}

// NewBroker creates the broker of b and registers its abort hook. Create
// it before enabling interrupts.
func NewBroker(b *board.Board, opts ...Option) *Broker {
	br := &Broker{
		b:           b,
		counter:     calib.Default(),
		wake:        make(chan struct{}),
		captureWake: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(br)
	}

	if words := b.CaptureLength / 4; words > 0 {
		br.staging = make([]uint32, words)
		br.captured = make([]uint32, words)
	}

	b.OnAbort(br.Abort)

	return br
}

// Handle services one interrupt. It returns false when the board had no
// interrupt pending, so that a shared line can be passed on.
func (br *Broker) Handle() bool {
	start := br.counter.Cycles()
	ctrl := br.b.Control
	regs := &br.b.Regs

	latch := ctrl.Read32(regs.IntrLatch)

	if unknown := latch &^ board.IntrMask; unknown != 0 {
		br.unknownOnce.Do(func() {
			klog.Warningf("unknown interrupt %#08x", latch)
		})
		klog.V(4).Infof("unknown interrupt %#08x", latch)
	}

	if latch == 0 {
		if br.b.IRQMode == board.IRQMSI {
			br.spuriousOnce.Do(func() {
				klog.Warning("spurious interrupt in MSI mode")
			})
		}

		return false
	}

	if latch&board.IntrMask == 0 {
		ctrl.Write32(regs.IntrClear, latch)
		return false
	}

	if latch&board.IntrDMADone != 0 {
		br.drain()
	}

	if latch&board.IntrUser != 0 && br.b.Site == board.SiteCapture {
		br.capture()
	}

	ctrl.Write32(regs.IntrClear, latch)

	br.stats.record(br.counter.Cycles() - start)

	return true
}

func (br *Broker) respCount() (uint32, bool) {
	status := br.b.Control.Read32(br.b.Regs.DMAStatus)
	if status == board.AllOnes {
		return 0, false
	}

	return (status >> board.DMAStatusCountShift) & board.DMAStatusCountMask, true
}

func (br *Broker) drain() {
	ctrl := br.b.Control
	regs := &br.b.Regs

	count, ok := br.respCount()
	if ok && count == 0 {
		br.emptyOnce.Do(func() {
			klog.Warning("DMA done with empty response queue")
		})
		klog.V(4).Info("DMA done with empty response queue")

		return
	}

	var (
		total   uint64
		outcome = OutcomeDone
		popped  int
	)

	for {
		if !ok {
			br.allOnesOnce.Do(func() {
				klog.Warning("DMA status reads all ones, card not responding")
			})

			outcome = OutcomeError

			break
		}

		if count == 0 {
			break
		}

		if popped >= MaxDrain {
			br.runawayOnce.Do(func() {
				klog.Warningf("DMA response queue ran away, stopping after %d entries", popped)
			})

			outcome = OutcomeDegraded

			break
		}

		n := ctrl.Read32(regs.DMARespLen)
		total += uint64(n)

		klog.V(4).Infof("response %d: len %#x addr %#x", count, n, ctrl.Read32(regs.DMARespAddr))

		ctrl.Write32(regs.DMARespLen, 0)
		ctrl.Barrier()

		popped++
		count, ok = br.respCount()
	}

	br.stats.lastBytes.Store(total)
	br.complete(Completion{Outcome: outcome, Bytes: total})

	klog.V(4).Infof("DMA completion %s, %d bytes", outcome, total)
}
