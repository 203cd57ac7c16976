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

// Package window implements the paged data window of an AMC-Pico8 board:
// a linear, word addressed byte stream over device memory that is reached
// one page at a time through a small fixed aperture.
package window

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/amc-pico/pico8/pkg/board"
	"github.com/amc-pico/pico8/pkg/mmio"
)

const wordMask = mmio.WordSize - 1

// Result describes the outcome of a transfer.
type Result struct {
	// N is the number of bytes transferred.
	N int64
	// Pos is the position to continue from.
	Pos int64
}

// Option configures an Accessor.
type Option func(*Accessor)

// WithYield replaces the function run at every per page checkpoint.
// It defaults to runtime.Gosched.
func WithYield(fn func()) Option {
	return func(a *Accessor) {
		a.yield = fn
	}
}

// Accessor reads and writes device memory through the data window.
type Accessor struct {
	b     *board.Board
	yield func()
}

// New returns an accessor for the board.
func New(b *board.Board, opts ...Option) *Accessor {
	a := &Accessor{
		b:     b,
		yield: runtime.Gosched,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Board returns the board the accessor works on.
func (a *Accessor) Board() *board.Board {
	return a.b
}

// Limit returns the size of the addressable space in bytes.
func (a *Accessor) Limit() int64 {
	return a.b.Limit()
}

// Seek computes a new position from cur. Results past the end saturate at
// Limit; negative results are rejected with ErrInvalid.
func (a *Accessor) Seek(cur, offset int64, whence int) (int64, error) {
	var pos int64

	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = cur + offset
	case io.SeekEnd:
		pos = a.Limit() + offset
	default:
		return cur, errors.Wrapf(board.ErrInvalid, "whence %d", whence)
	}

	if pos < 0 {
		return cur, errors.Wrapf(board.ErrInvalid, "seek to %d", pos)
	}

	if limit := a.Limit(); pos > limit {
		pos = limit
	}

	return pos, nil
}

// span aligns and clamps a transfer request.
func (a *Accessor) span(pos, n int64) (int64, int64) {
	limit := a.Limit()

	if pos < 0 || n < 0 {
		return 0, 0
	}

	// Head rule: the bytes between the rounded down start and pos count
	// against the length, so the transfer never extends past pos+n. A
	// request of 8 bytes at pos 2 moves the word at 0 only.
	n -= pos & wordMask
	if n < 0 {
		n = 0
	}

	pos &^= wordMask
	n &^= wordMask

	if pos > limit {
		pos = limit
	}

	if n > limit-pos {
		n = limit - pos
	}

	return pos, n
}

// segment describes the part of a transfer that falls into one page.
type segment struct {
	page uint32
	off  uint32
	n    uint32
}

func (a *Accessor) segmentAt(pos, remaining int64) segment {
	size := int64(a.b.Data.Size())
	page := pos / size

	if page < 0 || page >= int64(a.b.PageCount) {
		panic(fmt.Sprintf("window: position %#x maps to page %d of %d", pos, page, a.b.PageCount))
	}

	off := pos % size
	n := size - off

	if n > remaining {
		n = remaining
	}

	return segment{page: uint32(page), off: uint32(off), n: uint32(n)}
}

// checkpoint runs between page segments with the window lock held.
func (a *Accessor) checkpoint(ctx context.Context) error {
	a.yield()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(board.ErrInterrupted, err.Error())
	}

	return nil
}

// ReadTo copies up to n bytes of device memory starting at pos into dst.
// When ctx is cancelled between pages the bytes already copied are
// reported together with ErrInterrupted.
func (a *Accessor) ReadTo(ctx context.Context, pos, n int64, dst io.Writer) (Result, error) {
	start, n := a.span(pos, n)
	if n == 0 {
		return Result{Pos: pos}, nil
	}

	if err := a.b.LockWindow(ctx); err != nil {
		return Result{Pos: pos}, err
	}
	defer a.b.UnlockWindow()

	klog.V(4).Infof("read %#x bytes at %#x", n, start)

	scratch := a.b.Scratch()
	done := int64(0)

	for done < n {
		if err := a.checkpoint(ctx); err != nil {
			klog.V(4).Infof("read interrupted after %#x bytes", done)
			return Result{N: done, Pos: start + done}, err
		}

		seg := a.segmentAt(start+done, n-done)
		a.b.Control.Write32(a.b.Regs.PageSelect, seg.page)

		for copied := uint32(0); copied < seg.n; {
			chunk := seg.n - copied
			if chunk > uint32(len(scratch)) {
				chunk = uint32(len(scratch))
			}

			for i := uint32(0); i < chunk; i += mmio.WordSize {
				binary.LittleEndian.PutUint32(scratch[i:], a.b.Data.Read32(seg.off+copied+i))
			}

			if _, err := dst.Write(scratch[:chunk]); err != nil {
				return Result{N: done + int64(copied), Pos: pos}, errors.Wrap(board.ErrFault, err.Error())
			}

			copied += chunk
		}

		done += int64(seg.n)
	}

	return Result{N: done, Pos: start + done}, nil
}

// WriteFrom copies up to n bytes from src into device memory starting at
// pos. Cancellation behaves as for ReadTo.
func (a *Accessor) WriteFrom(ctx context.Context, pos, n int64, src io.Reader) (Result, error) {
	start, n := a.span(pos, n)
	if n == 0 {
		return Result{Pos: pos}, nil
	}

	if err := a.b.LockWindow(ctx); err != nil {
		return Result{Pos: pos}, err
	}
	defer a.b.UnlockWindow()

	klog.V(4).Infof("write %#x bytes at %#x", n, start)

	scratch := a.b.Scratch()
	done := int64(0)

	for done < n {
		if err := a.checkpoint(ctx); err != nil {
			klog.V(4).Infof("write interrupted after %#x bytes", done)
			return Result{N: done, Pos: start + done}, err
		}

		seg := a.segmentAt(start+done, n-done)
		a.b.Control.Write32(a.b.Regs.PageSelect, seg.page)

		for copied := uint32(0); copied < seg.n; {
			chunk := seg.n - copied
			if chunk > uint32(len(scratch)) {
				chunk = uint32(len(scratch))
			}

			if _, err := io.ReadFull(src, scratch[:chunk]); err != nil {
				return Result{N: done + int64(copied), Pos: pos}, errors.Wrap(board.ErrFault, err.Error())
			}

			for i := uint32(0); i < chunk; i += mmio.WordSize {
				a.b.Data.Write32(seg.off+copied+i, binary.LittleEndian.Uint32(scratch[i:]))
			}

			copied += chunk
		}

		done += int64(seg.n)
	}

	return Result{N: done, Pos: start + done}, nil
}

// ReadAt reads into p from pos. Only whole words are transferred.
func (a *Accessor) ReadAt(ctx context.Context, p []byte, pos int64) (Result, error) {
	return a.ReadTo(ctx, pos, int64(len(p)), &sliceWriter{buf: p})
}

// WriteAt writes whole words of p at pos.
func (a *Accessor) WriteAt(ctx context.Context, p []byte, pos int64) (Result, error) {
	return a.WriteFrom(ctx, pos, int64(len(p)), bytes.NewReader(p))
}

// sliceWriter fills a fixed buffer and fails once it is full.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n

	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}
