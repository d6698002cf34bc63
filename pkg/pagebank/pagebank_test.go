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

package pagebank

import (
	"errors"
	"testing"
)

func newBank(t *testing.T, frames uint64) *Bank {
	t.Helper()
	b, err := New(frames)
	if err != nil {
		t.Fatalf("New(%d): %v", frames, err)
	}
	t.Cleanup(b.Destroy)
	return b
}

func TestNewRejectsEmptyBank(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("New(0) succeeded")
	}
}

func TestAllocLowFramesFirst(t *testing.T) {
	b := newBank(t, 8)
	for want := Mfn(0); want < 8; want++ {
		mfn, err := b.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", want, err)
		}
		if mfn != want {
			t.Errorf("Alloc = %#x, want %#x", uint64(mfn), uint64(want))
		}
		if !b.Allocated(mfn) {
			t.Errorf("frame %#x not marked allocated", uint64(mfn))
		}
	}
	if _, err := b.Alloc(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Alloc on empty bank = %v, want ErrOutOfMemory", err)
	}
	if b.FreeFrames() != 0 {
		t.Errorf("FreeFrames = %d, want 0", b.FreeFrames())
	}
}

func TestFreeAndReuse(t *testing.T) {
	b := newBank(t, 4)
	var mfns []Mfn
	for i := 0; i < 4; i++ {
		mfn, err := b.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		mfns = append(mfns, mfn)
	}

	b.Free(mfns[2])
	if b.Allocated(mfns[2]) {
		t.Error("freed frame still marked allocated")
	}
	if got := b.FreeFrames(); got != 1 {
		t.Errorf("FreeFrames = %d, want 1", got)
	}
	mfn, err := b.Alloc()
	if err != nil || mfn != mfns[2] {
		t.Errorf("realloc = %#x, %v; want %#x", uint64(mfn), err, uint64(mfns[2]))
	}
}

func TestDoubleFreePanics(t *testing.T) {
	b := newBank(t, 2)
	mfn, err := b.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b.Free(mfn)
	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	b.Free(mfn)
}

func TestDataClearCopy(t *testing.T) {
	b := newBank(t, 2)
	a, _ := b.Alloc()
	c, _ := b.Alloc()

	data := b.Data(a)
	if len(data) != PageSize {
		t.Fatalf("Data len = %d, want %d", len(data), PageSize)
	}
	for i := range data {
		data[i] = byte(i)
	}

	b.Copy(c, a)
	if got := b.Data(c)[255]; got != 255 {
		t.Errorf("copied byte = %d, want 255", got)
	}

	b.Clear(a)
	for i, v := range b.Data(a) {
		if v != 0 {
			t.Fatalf("byte %d = %d after Clear", i, v)
		}
	}
	if got := b.Data(c)[255]; got != 255 {
		t.Error("Clear of source touched the copy")
	}
}

func TestAllocPreservesContents(t *testing.T) {
	b := newBank(t, 1)
	mfn, _ := b.Alloc()
	b.Data(mfn)[0] = 0xAB
	b.Free(mfn)

	again, _ := b.Alloc()
	if again != mfn {
		t.Fatalf("realloc = %#x, want %#x", uint64(again), uint64(mfn))
	}
	if got := b.Data(again)[0]; got != 0xAB {
		t.Errorf("recycled frame byte = %#x, want 0xAB", got)
	}
}
