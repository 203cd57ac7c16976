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

package board

import (
	"github.com/pkg/errors"
)

// Error kinds reported by board operations. Callers test for them with
// errors.Is; the returned errors usually carry additional context.
var (
	// ErrInvalid reports malformed arguments, e.g. a negative seek target.
	ErrInvalid = errors.New("invalid argument")
	// ErrInterrupted reports that the caller's context was cancelled while
	// waiting for the window lock or at a transfer checkpoint. It is always
	// safe to retry from the reported position.
	ErrInterrupted = errors.New("interrupted")
	// ErrFault reports that a caller-supplied buffer could not be read or
	// written. Device state already written is not rolled back.
	ErrFault = errors.New("bad address")
	// ErrNotSupported reports an unrecognized control operation.
	ErrNotSupported = errors.New("operation not supported")
	// ErrTimeout reports that a bounded wait expired; the awaited operation
	// is still outstanding.
	ErrTimeout = errors.New("timed out")
	// ErrDetached reports use of a board after Detach.
	ErrDetached = errors.New("board detached")
)
