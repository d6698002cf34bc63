// Copyright 2025 The mvisor Authors.
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

// Package pagebank provides the system page allocator backing the shadow
// engine: a fixed-size bank of host frames carved out of an anonymous
// mapping. Frames are identified by machine frame number (Mfn), an index
// into the bank; consumers never hold raw pointers to frame memory across
// an allocation boundary.
//
// All frames are allocated ownerless: the bank tracks only free/in-use
// state, and accounting of who holds which frame is the caller's business.
package pagebank

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// PageSize is the frame size served by a Bank.
const PageSize = hostarch.PageSize

// Mfn is a machine frame number: an index into a Bank.
type Mfn uint64

// InvalidMfn is never a valid frame number.
const InvalidMfn = ^Mfn(0)

// Valid returns true if m could name a frame.
func (m Mfn) Valid() bool {
	return m != InvalidMfn
}

// ErrOutOfMemory is returned by Alloc when the bank is exhausted.
var ErrOutOfMemory = fmt.Errorf("pagebank: out of frames")

// Bank is a fixed pool of host frames.
//
// The zero value is not usable; call New.
type Bank struct {
	mu sync.Mutex

	// mem is the backing mapping, frames*PageSize bytes.
	mem []byte

	// freeList holds the Mfns currently free, used as a stack.
	freeList []Mfn

	// inUse tracks allocation state, one bit per frame.
	inUse []uint64

	frames uint64
}

// New creates a Bank of the given number of frames backed by an anonymous
// private mapping.
func New(frames uint64) (*Bank, error) {
	if frames == 0 {
		return nil, fmt.Errorf("pagebank: bank must have at least one frame")
	}
	mem, err := unix.Mmap(-1, 0, int(frames)*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pagebank: anonymous mmap of %d frames failed: %w", frames, err)
	}
	b := &Bank{
		mem:      mem,
		freeList: make([]Mfn, 0, frames),
		inUse:    make([]uint64, (frames+63)/64),
		frames:   frames,
	}
	// Hand out low frames first; tests and callers get stable numbering.
	for i := frames; i > 0; i-- {
		b.freeList = append(b.freeList, Mfn(i-1))
	}
	return b, nil
}

// Destroy unmaps the bank. No frames may be referenced afterwards.
func (b *Bank) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem != nil {
		unix.Munmap(b.mem)
		b.mem = nil
	}
}

// Frames returns the total number of frames in the bank.
func (b *Bank) Frames() uint64 {
	return b.frames
}

// FreeFrames returns the number of currently free frames.
func (b *Bank) FreeFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.freeList))
}

// Alloc removes one frame from the bank. The frame's previous contents are
// preserved; callers that need a zeroed frame must Clear it.
func (b *Bank) Alloc() (Mfn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.freeList) == 0 {
		return InvalidMfn, ErrOutOfMemory
	}
	mfn := b.freeList[len(b.freeList)-1]
	b.freeList = b.freeList[:len(b.freeList)-1]
	b.inUse[mfn/64] |= 1 << (mfn % 64)
	return mfn, nil
}

// Free returns a frame to the bank.
func (b *Bank) Free(mfn Mfn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mfn >= Mfn(b.frames) {
		panic(fmt.Sprintf("pagebank: free of bogus frame %#x", uint64(mfn)))
	}
	if b.inUse[mfn/64]&(1<<(mfn%64)) == 0 {
		panic(fmt.Sprintf("pagebank: double free of frame %#x", uint64(mfn)))
	}
	b.inUse[mfn/64] &^= 1 << (mfn % 64)
	b.freeList = append(b.freeList, mfn)
}

// Allocated returns whether mfn is currently allocated.
func (b *Bank) Allocated(mfn Mfn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return mfn < Mfn(b.frames) && b.inUse[mfn/64]&(1<<(mfn%64)) != 0
}

// Data returns the contents of a frame. The slice aliases the bank's
// backing memory and must not be retained across Free of the frame.
func (b *Bank) Data(mfn Mfn) []byte {
	if mfn >= Mfn(b.frames) {
		panic(fmt.Sprintf("pagebank: data access to bogus frame %#x", uint64(mfn)))
	}
	return b.mem[uint64(mfn)*PageSize : (uint64(mfn)+1)*PageSize : (uint64(mfn)+1)*PageSize]
}

// Clear zeroes a frame.
func (b *Bank) Clear(mfn Mfn) {
	clear(b.Data(mfn))
}

// Copy copies the contents of frame src into frame dst.
func (b *Bank) Copy(dst, src Mfn) {
	copy(b.Data(dst), b.Data(src))
}
