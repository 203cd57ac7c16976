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
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/amc-pico/pico8/pkg/board"
)

// Stream is an open handle on the data window with its own position, the
// equivalent of an open device file.
type Stream struct {
	a *Accessor

	mu     sync.Mutex
	pos    int64
	closed bool
}

// Open returns a stream positioned at zero. The stream holds a board
// reference until Close.
func (a *Accessor) Open() (*Stream, error) {
	if err := a.b.Get(); err != nil {
		return nil, err
	}

	return &Stream{a: a}, nil
}

// Pos returns the current position.
func (s *Stream) Pos() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pos
}

// Seek moves the stream position; see Accessor.Seek.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.pos, board.ErrDetached
	}

	pos, err := s.a.Seek(s.pos, offset, whence)
	if err != nil {
		return s.pos, err
	}

	s.pos = pos

	return pos, nil
}

// Read reads whole words into p at the current position and advances it
// by the bytes read, including when interrupted part way.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.Wrap(board.ErrDetached, "stream closed")
	}

	res, err := s.a.ReadAt(ctx, p, s.pos)
	s.pos = res.Pos

	return int(res.N), err
}

// Write writes whole words of p at the current position.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.Wrap(board.ErrDetached, "stream closed")
	}

	res, err := s.a.WriteAt(ctx, p, s.pos)
	s.pos = res.Pos

	return int(res.N), err
}

// Control runs a control operation; see Control.
func (s *Stream) Control(code uint32, arg []byte) error {
	return Control(code, arg)
}

// Close drops the stream's board reference.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.a.b.Put()

	return nil
}
