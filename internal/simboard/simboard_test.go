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

package simboard

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/amc-pico/pico8/pkg/board"
)

func TestBoardPageCount(t *testing.T) {
	tcases := []struct {
		name        string
		pages       uint32
		expected    uint32
		expectedErr bool
	}{
		{name: "simulated count", pages: 0, expected: 8},
		{name: "same count", pages: 8, expected: 8},
		{name: "more pages than the card", pages: board.DefaultPageCount, expectedErr: true},
		{name: "fewer pages than the card", pages: 4, expectedErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.PageCount = 8

			sim, err := New(cfg)
			if err != nil {
				t.Fatal(err)
			}

			opts := board.DefaultOptions()
			opts.PageCount = tc.pages

			b, err := sim.Board(opts)
			if tc.expectedErr {
				if !errors.Is(err, board.ErrInvalid) {
					t.Errorf("expected ErrInvalid, got %v", err)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			if b.PageCount != tc.expected {
				t.Errorf("page count %d, expected %d", b.PageCount, tc.expected)
			}

			if limit := int64(len(sim.DDR())); b.Limit() != limit {
				t.Errorf("limit %#x, simulated memory %#x", b.Limit(), limit)
			}
		})
	}
}
