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
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/amc-pico/pico8/pkg/board"
)

// Outcome classifies how a DMA submission ended.
type Outcome int

// Outcomes recorded by the broker.
const (
	// OutcomeNone means no completion has been recorded yet.
	OutcomeNone Outcome = iota
	// OutcomeDone means the response queue drained normally.
	OutcomeDone
	// OutcomeError means the card read back all ones while draining.
	OutcomeError
	// OutcomeDegraded means the drain was stopped by the runaway limit;
	// the submission should be retried.
	OutcomeDegraded
	// OutcomeAborted means the board was detached with the submission
	// outstanding.
	OutcomeAborted
)

var outcomeNames = map[Outcome]string{
	OutcomeNone:     "none",
	OutcomeDone:     "done",
	OutcomeError:    "error",
	OutcomeDegraded: "degraded",
	OutcomeAborted:  "aborted",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}

	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Completion is the record a waiter receives. Being woken does not mean
// success: Outcome must be checked.
type Completion struct {
	Outcome Outcome
	Bytes   uint64
}

// Begin arms the broker for a new DMA submission. It must be called before
// the submission is started so that its completion is not mistaken for a
// previous one.
func (br *Broker) Begin() {
	br.mu.Lock()
	defer br.mu.Unlock()

	br.ready = false
	br.inProgress = true
	br.last = Completion{}
}

// Wait blocks until the armed submission completes, ctx is done or the
// timeout expires. A timeout of zero or less waits without limit. On
// ErrTimeout the submission is still outstanding.
func (br *Broker) Wait(ctx context.Context, timeout time.Duration) (Completion, error) {
	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	for {
		br.mu.Lock()
		if br.ready {
			c := br.last
			br.inProgress = false
			br.mu.Unlock()

			return c, nil
		}

		wake := br.wake
		br.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return Completion{}, errors.Wrapf(board.ErrTimeout, "DMA completion after %v", timeout)
		case <-ctx.Done():
			return Completion{}, errors.Wrap(board.ErrInterrupted, "waiting for DMA completion")
		}
	}
}

// Last returns the most recent completion and whether it is ready.
func (br *Broker) Last() (Completion, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()

	return br.last, br.ready
}

// Abort completes an outstanding submission with OutcomeAborted.
func (br *Broker) Abort() {
	br.mu.Lock()
	defer br.mu.Unlock()

	if !br.inProgress {
		return
	}

	br.completeLocked(Completion{Outcome: OutcomeAborted})
}

func (br *Broker) complete(c Completion) {
	br.mu.Lock()
	defer br.mu.Unlock()

	br.completeLocked(c)
}

func (br *Broker) completeLocked(c Completion) {
	br.last = c
	br.ready = true

	close(br.wake)
	br.wake = make(chan struct{})
}
