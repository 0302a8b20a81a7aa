package shm

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Arena is the free-list allocator over a mapped region's payload, shared
// by ShmPool (which owns and maps its own region) and ShmCache (which maps
// someone else's region read-write and wants to allocate in it directly --
// exactly what RsaShmServer does to place a response in the calling
// client's arena, per spec §4.6 step 5, "allocating via the client's pool
// control block embedded in the descriptor"). Because the header format is
// identical for an owned or a foreign mapping, the same allocator code
// serves both sides without copying logic.
type Arena struct {
	data []byte

	mu sync.Mutex // only meaningful for this process's own concurrent Go callers
}

func newArena(data []byte) *Arena {
	return &Arena{data: data}
}

func (a *Arena) initHeader(size int) {
	binary.LittleEndian.PutUint32(a.data[headerLockOffset:], 0)
	binary.LittleEndian.PutUint32(a.data[headerSizeOffset:], uint32(size))
	binary.LittleEndian.PutUint32(a.data[headerHeadOffset:], uint32(headerSize))
	a.writeBlock(headerSize, uint32(size-headerSize), freeListNil)
}

func (a *Arena) lockSpin() {
	var addr = (*uint32)(unsafe.Pointer(&a.data[headerLockOffset]))
	for !atomic.CompareAndSwapUint32(addr, 0, 1) {
		time.Sleep(time.Microsecond)
	}
}

func (a *Arena) unlockSpin() {
	var addr = (*uint32)(unsafe.Pointer(&a.data[headerLockOffset]))
	atomic.StoreUint32(addr, 0)
}

func (a *Arena) readBlock(off uint32) (size, next uint32) {
	return binary.LittleEndian.Uint32(a.data[off:]), binary.LittleEndian.Uint32(a.data[off+4:])
}

func (a *Arena) writeBlock(off, size, next uint32) {
	binary.LittleEndian.PutUint32(a.data[off:], size)
	binary.LittleEndian.PutUint32(a.data[off+4:], next)
}

// Malloc returns the offset of a newly-allocated block of at least n bytes
// usable payload, or (0, false) if no free block fits.
func (a *Arena) Malloc(n int) (uint32, bool) {
	if n <= 0 {
		return 0, false
	}
	var want = uint32(n) + blockHeaderSize

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockSpin()
	defer a.unlockSpin()

	var head = binary.LittleEndian.Uint32(a.data[headerHeadOffset:])
	var prev uint32 = freeListNil
	for head != freeListNil {
		size, next := a.readBlock(head)
		if size >= want {
			var remaining = size - want
			if remaining > blockHeaderSize {
				var tail = head + want
				a.writeBlock(tail, remaining-blockHeaderSize, next)
				a.writeBlock(head, want, 0)
				a.relink(prev, tail)
			} else {
				a.writeBlock(head, size, 0)
				a.relink(prev, next)
			}
			return head + blockHeaderSize, true
		}
		prev, head = head, next
	}
	return 0, false
}

// relink re-points the free list around a block being allocated: prev's
// "next" pointer (or the list head, if prev is freeListNil) is updated to
// point at replacement instead.
func (a *Arena) relink(prev, replacement uint32) {
	if prev == freeListNil {
		binary.LittleEndian.PutUint32(a.data[headerHeadOffset:], replacement)
		return
	}
	size, _ := a.readBlock(prev)
	a.writeBlock(prev, size, replacement)
}

// Free returns the block at offset off (as previously returned by Malloc)
// to the free list.
func (a *Arena) Free(off uint32) {
	if off < blockHeaderSize {
		return
	}
	var blockOff = off - blockHeaderSize

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockSpin()
	defer a.unlockSpin()

	size, _ := a.readBlock(blockOff)
	var head = binary.LittleEndian.Uint32(a.data[headerHeadOffset:])
	a.writeBlock(blockOff, size, head)
	binary.LittleEndian.PutUint32(a.data[headerHeadOffset:], blockOff)
}

// GetMemoryOffset returns the signed offset of a pointer previously
// returned by Malloc, suitable for cross-process transport over the shm
// control datagram (spec §6): the peer recomputes the address by adding
// this offset to its own mapping base.
func (a *Arena) GetMemoryOffset(off uint32) int64 {
	return int64(off)
}

// At returns the payload slice of length n starting at offset off.
func (a *Arena) At(off uint32, n int) []byte {
	return a.data[off : off+uint32(n)]
}

// Size returns the arena's total mapped size in bytes.
func (a *Arena) Size() int {
	return len(a.data)
}
