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

package irq

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/amc-pico/pico8/internal/simboard"
	"github.com/amc-pico/pico8/pkg/board"
	"github.com/amc-pico/pico8/pkg/calib"
)

// stepCounter advances by step on every read.
func stepCounter(step uint64) calib.Counter {
	var (
		mu sync.Mutex
		v  uint64
	)

	return calib.CounterFunc(func() uint64 {
		mu.Lock()
		defer mu.Unlock()

		v += step

		return v
	})
}

func newTestBroker(t *testing.T, capture bool, mode board.IRQMode) (*Broker, *simboard.Sim) {
	t.Helper()

	cfg := simboard.DefaultConfig()
	cfg.Capture = capture

	sim, err := simboard.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	opts := board.DefaultOptions()
	opts.IRQMode = mode

	b, err := sim.Board(opts)
	if err != nil {
		t.Fatal(err)
	}

	return NewBroker(b, WithCounter(stepCounter(10))), sim
}

func lengths(n int, l uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = l
	}

	return out
}

func TestDrain(t *testing.T) {
	tcases := []struct {
		name         string
		responses    []uint32
		linkDown     bool
		expected     Completion
		expectedLeft int
	}{
		{
			name:      "single response",
			responses: []uint32{0x1000},
			expected:  Completion{Outcome: OutcomeDone, Bytes: 0x1000},
		},
		{
			name:      "several responses",
			responses: []uint32{0x100, 0x200, 0x300},
			expected:  Completion{Outcome: OutcomeDone, Bytes: 0x600},
		},
		{
			name:      "exactly the drain limit",
			responses: lengths(MaxDrain, 4),
			expected:  Completion{Outcome: OutcomeDone, Bytes: 4 * MaxDrain},
		},
		{
			name:         "runaway queue",
			responses:    lengths(MaxDrain+1, 4),
			expected:     Completion{Outcome: OutcomeDegraded, Bytes: 4 * MaxDrain},
			expectedLeft: 1,
		},
		{
			name:         "card off the bus",
			responses:    []uint32{0x100},
			linkDown:     true,
			expected:     Completion{Outcome: OutcomeError},
			expectedLeft: 1,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			br, sim := newTestBroker(t, false, board.IRQMSI)
			br.Begin()

			sim.SetLinkDown(tc.linkDown)
			sim.Complete(tc.responses...)

			if !br.Handle() {
				t.Fatal("interrupt not claimed")
			}

			c, ready := br.Last()
			if !ready {
				t.Fatal("no completion recorded")
			}

			if diff := cmp.Diff(tc.expected, c); diff != "" {
				t.Errorf("unexpected completion (-want +got):\n%s", diff)
			}

			if left := sim.Queued(); left != tc.expectedLeft {
				t.Errorf("%d responses left, expected %d", left, tc.expectedLeft)
			}

			if sim.Latch() != 0 {
				t.Errorf("latch not cleared: %#x", sim.Latch())
			}

			s := br.Stats()
			if s.InterruptCount != 1 {
				t.Errorf("interrupt count %d, expected 1", s.InterruptCount)
			}

			if s.LastBytes != tc.expected.Bytes {
				t.Errorf("last bytes %d", s.LastBytes)
			}
		})
	}
}

func TestDrainBarriers(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)
	before := sim.Barriers()

	sim.Complete(1, 2, 3)
	br.Handle()

	if n := sim.Barriers() - before; n != 3 {
		t.Errorf("expected a barrier per pop, got %d", n)
	}
}

func TestEmptyQueue(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)
	br.Begin()

	sim.Raise(board.IntrDMADone)

	if !br.Handle() {
		t.Fatal("interrupt not claimed")
	}

	if _, ready := br.Last(); ready {
		t.Error("empty queue produced a completion")
	}

	if sim.Latch() != 0 {
		t.Errorf("latch not cleared: %#x", sim.Latch())
	}
}

func TestNotOurs(t *testing.T) {
	for _, mode := range []board.IRQMode{board.IRQPoll, board.IRQIntx, board.IRQMSI} {
		t.Run(mode.String(), func(t *testing.T) {
			br, sim := newTestBroker(t, false, mode)
			barriers := sim.Barriers()

			if br.Handle() {
				t.Fatal("idle card claimed the interrupt")
			}

			if diff := cmp.Diff(Snapshot{}, br.Stats()); diff != "" {
				t.Errorf("statistics changed (-want +got):\n%s", diff)
			}

			if _, ready := br.Last(); ready {
				t.Error("completion recorded")
			}

			if sim.Barriers() != barriers {
				t.Error("card touched")
			}
		})
	}
}

func TestUnknownBits(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)

	sim.Raise(1 << 7)

	if br.Handle() {
		t.Error("unknown interrupt claimed")
	}

	if sim.Latch() != 0 {
		t.Errorf("unknown bits not cleared: %#x", sim.Latch())
	}

	sim.Raise(1 << 9)
	sim.Complete(0x40)

	if !br.Handle() {
		t.Fatal("interrupt not claimed")
	}

	if sim.Latch() != 0 {
		t.Errorf("latch not cleared: %#x", sim.Latch())
	}

	if c, _ := br.Last(); c.Outcome != OutcomeDone || c.Bytes != 0x40 {
		t.Errorf("unexpected completion %+v", c)
	}
}

func TestWait(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)
	br.Begin()

	var g errgroup.Group

	g.Go(func() error {
		c, err := br.Wait(context.Background(), time.Minute)
		if err != nil {
			return err
		}

		if c.Outcome != OutcomeDone || c.Bytes != 0x80 {
			return errors.Errorf("unexpected completion %+v", c)
		}

		return nil
	})

	time.Sleep(10 * time.Millisecond)
	sim.Complete(0x80)
	br.Handle()

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// A new submission does not see the previous completion.
	br.Begin()

	if _, err := br.Wait(context.Background(), 10*time.Millisecond); !errors.Is(err, board.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := br.Wait(ctx, 0); !errors.Is(err, board.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	// The timed out submission completes later.
	sim.Complete(0x20)
	br.Handle()

	c, err := br.Wait(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(Completion{Outcome: OutcomeDone, Bytes: 0x20}, c); diff != "" {
		t.Errorf("unexpected completion (-want +got):\n%s", diff)
	}
}

func TestAbort(t *testing.T) {
	br, _ := newTestBroker(t, false, board.IRQMSI)

	br.Abort()

	if _, ready := br.Last(); ready {
		t.Error("abort without a submission recorded a completion")
	}

	br.Begin()

	done := make(chan Completion)

	go func() {
		c, _ := br.Wait(context.Background(), time.Minute)
		done <- c
	}()

	time.Sleep(10 * time.Millisecond)
	br.b.Detach()

	select {
	case c := <-done:
		if c.Outcome != OutcomeAborted {
			t.Errorf("expected aborted outcome, got %v", c.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by detach")
	}

	if br.b.Control.Read32(br.b.Regs.IntrEnable) != 0 {
		t.Error("interrupts enabled after detach")
	}
}

func TestCapture(t *testing.T) {
	br, sim := newTestBroker(t, true, board.IRQMSI)
	words := br.b.CaptureLength / 4

	first := []uint32{1, 2, 3, 4}
	sim.Capture(first, false)

	if !br.Handle() {
		t.Fatal("capture interrupt not claimed")
	}

	if sim.UserStatus()&board.UserStatusWaitingAck != 0 {
		t.Error("capture not acknowledged")
	}

	got, err := br.WaitCapture(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}

	expected := make([]uint32, words)
	copy(expected, first)

	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("unexpected capture (-want +got):\n%s", diff)
	}

	// Consumed captures are not returned twice.
	if _, err = br.WaitCapture(context.Background(), 10*time.Millisecond); !errors.Is(err, board.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	// The copy handed out is private.
	got[0] = 0xdead

	sim.Capture([]uint32{5}, false)
	br.Handle()
	sim.Capture([]uint32{6, 7}, true)
	br.Handle()

	got, err = br.WaitCapture(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}

	expected = make([]uint32, words)
	copy(expected, []uint32{6, 7, 3, 4})

	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("unexpected capture (-want +got):\n%s", diff)
	}

	s := br.Stats()
	if diff := cmp.Diff([]uint64{3, 1, 1}, []uint64{s.Captures, s.CapturesMissed, s.CapturesOverwritten}); diff != "" {
		t.Errorf("unexpected capture statistics (-want +got):\n%s", diff)
	}

	// A user interrupt without a latched event is only logged.
	sim.Raise(board.IntrUser)

	if !br.Handle() {
		t.Error("user interrupt not claimed")
	}

	if br.Stats().Captures != 3 {
		t.Error("capture recorded without an event")
	}
}

func TestCaptureNotSupported(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)

	if _, err := br.WaitCapture(context.Background(), time.Millisecond); !errors.Is(err, board.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}

	// Stock firmware ignores the user bit apart from clearing it.
	sim.Capture([]uint32{1}, false)
	br.Handle()

	if br.Stats().Captures != 0 {
		t.Error("capture on stock firmware")
	}

	if sim.Latch() != 0 {
		t.Errorf("latch not cleared: %#x", sim.Latch())
	}
}

func TestStats(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)

	for i := 0; i < 3; i++ {
		sim.Complete(4)
		br.Handle()
	}

	s := br.Stats()
	if s.InterruptCount != 3 || s.LastLatency != 10 || s.MaxLatency != 10 {
		t.Errorf("unexpected statistics %+v", s)
	}

	br.ResetCount()

	if s = br.Stats(); s.InterruptCount != 0 || s.MaxLatency != 10 {
		t.Errorf("count reset touched other fields: %+v", s)
	}

	br.ResetMaxLatency()

	if s = br.Stats(); s.MaxLatency != 0 || s.LastLatency != 10 {
		t.Errorf("max latency reset touched other fields: %+v", s)
	}
}

func TestRun(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)
	br.b.EnableInterrupts()

	ctx, cancel := context.WithCancel(context.Background())

	var g errgroup.Group

	g.Go(func() error {
		return br.Run(ctx, sim)
	})

	for i := 1; i <= 3; i++ {
		br.Begin()
		sim.Complete(uint32(i * 0x10))

		c, err := br.Wait(context.Background(), 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}

		if c.Bytes != uint64(i*0x10) {
			t.Errorf("round %d: %d bytes", i, c.Bytes)
		}
	}

	cancel()

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestPoll(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQPoll)

	ctx, cancel := context.WithCancel(context.Background())

	var g errgroup.Group

	g.Go(func() error {
		return br.Poll(ctx, time.Millisecond)
	})

	br.Begin()
	sim.Queue(0x44)
	sim.Raise(board.IntrDMADone)

	c, err := br.Wait(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if c.Bytes != 0x44 {
		t.Errorf("unexpected completion %+v", c)
	}

	cancel()

	if err = g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestWriteMetrics(t *testing.T) {
	br, sim := newTestBroker(t, false, board.IRQMSI)

	sim.Complete(0x100, 0x100)
	br.Handle()

	var buf bytes.Buffer
	if err := br.WriteMetrics(&buf, "0000:03:00.0"); err != nil {
		t.Fatal(err)
	}

	var parser expfmt.TextParser

	families, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("output does not parse: %v", err)
	}

	expected := map[string]float64{
		MetricLastLatency:     10,
		MetricMaxLatency:      10,
		MetricInterrupts:      1,
		MetricCaptures:        0,
		MetricCapturesMissed:  0,
		MetricCapturesDropped: 0,
		MetricDMABytes:        0x200,
	}

	got := map[string]float64{}

	for name, mf := range families {
		m := mf.GetMetric()[0]

		if l := m.GetLabel(); len(l) != 1 || l[0].GetValue() != "0000:03:00.0" {
			t.Errorf("%s: unexpected labels %v", name, l)
		}

		if m.GetCounter() != nil {
			got[name] = m.GetCounter().GetValue()
		} else {
			got[name] = m.GetGauge().GetValue()
		}
	}

	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("unexpected metrics (-want +got):\n%s", diff)
	}
}
