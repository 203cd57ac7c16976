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

package window

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/amc-pico/pico8/pkg/board"
)

// Control operation codes.
const (
	CmdGetVersion uint32 = 0x80045000
)

// ProtocolVersion identifies the data window protocol, major in the upper
// half and minor.patch in the lower half.
const ProtocolVersion uint32 = 1<<16 | 0<<8 | 7

// Control executes a control operation. arg receives the result.
func Control(code uint32, arg []byte) error {
	switch code {
	case CmdGetVersion:
		if len(arg) < 4 {
			return errors.Wrapf(board.ErrFault, "version needs 4 bytes, have %d", len(arg))
		}

		binary.LittleEndian.PutUint32(arg, ProtocolVersion)

		return nil
	default:
		return errors.Wrapf(board.ErrNotSupported, "control code %#x", code)
	}
}
