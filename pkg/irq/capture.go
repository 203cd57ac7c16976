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
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/pkg/board"
)

// capture copies a latched capture into the staging buffer and publishes it
// by swapping buffers, so a consumer copying out never sees a torn capture.
func (br *Broker) capture() {
	ctrl := br.b.Control
	regs := &br.b.Regs

	status := ctrl.Read32(regs.UserStatus)
	if status&board.UserStatusWaitingAck == 0 {
		klog.Warning("user interrupt without capture event")
		return
	}

	for i := range br.staging {
		br.staging[i] = ctrl.Read32(regs.CaptureFirst + uint32(4*i))
	}

	if status&board.UserStatusMissed != 0 {
		br.stats.missed.Add(1)
		klog.V(2).Info("capture missed previous event")
	}

	ctrl.Write32(regs.UserStatus, board.UserStatusAck)

	br.capMu.Lock()
	if br.capReady {
		br.stats.overwritten.Add(1)
	}

	br.staging, br.captured = br.captured, br.staging
	br.capReady = true

	close(br.captureWake)
	br.captureWake = make(chan struct{})
	br.capMu.Unlock()

	br.stats.captures.Add(1)
}

// WaitCapture waits for a capture that has not yet been consumed and returns
// a copy of it. A timeout of zero or less waits without limit.
func (br *Broker) WaitCapture(ctx context.Context, timeout time.Duration) ([]uint32, error) {
	if br.b.Site != board.SiteCapture {
		return nil, errors.Wrap(board.ErrNotSupported, "firmware has no capture site")
	}

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	for {
		br.capMu.Lock()
		if br.capReady {
			out := make([]uint32, len(br.captured))
			copy(out, br.captured)
			br.capReady = false
			br.capMu.Unlock()

			return out, nil
		}

		wake := br.captureWake
		br.capMu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, errors.Wrapf(board.ErrTimeout, "capture after %v", timeout)
		case <-ctx.Done():
			return nil, errors.Wrap(board.ErrInterrupted, "waiting for capture")
		}
	}
}
