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
)

// DefaultPollInterval is the latch polling period of Poll.
const DefaultPollInterval = time.Millisecond

// Source delivers interrupt notifications.
type Source interface {
	// Wait blocks until an interrupt is delivered or ctx is done.
	Wait(ctx context.Context) error
	// Enable re-arms delivery after an interrupt was handled.
	Enable() error
}

// Run services interrupts from src until ctx is done.
func (br *Broker) Run(ctx context.Context, src Source) error {
	klog.V(2).Info("interrupt loop started")
	defer klog.V(2).Info("interrupt loop stopped")

	if err := src.Enable(); err != nil {
		return errors.WithMessage(err, "enabling interrupt delivery")
	}

	for {
		if err := src.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.WithMessage(err, "waiting for interrupt")
		}

		if !br.Handle() {
			klog.V(5).Info("interrupt not raised by the card")
		}

		if err := src.Enable(); err != nil {
			return errors.WithMessage(err, "re-enabling interrupt delivery")
		}
	}
}

// Poll services the interrupt latch on a timer until ctx is done. It is used
// when no interrupt line is available.
func (br *Broker) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	klog.V(2).Infof("polling interrupt latch every %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			br.Handle()
		}
	}
}
