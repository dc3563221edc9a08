// Package arena implements the byte-level allocator backing the off-heap
// segments: it hands out variable-size blocks from a set of fixed-size
// pages, tracks allocated-versus-occupied byte counters, and cooperates
// with the segmented map's oversize protocol when it runs out of room.
//
// Go has no manual off-heap memory. Segments reserve one block per entry,
// sized from the holder's estimated encoded size, inside large, rarely
// resized byte slices, and the byte counters track those blocks. The
// holder itself, including its value, stays an ordinary Go heap object;
// its contents are not serialized into the block.
package arena

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrOversizeMapping is returned by Allocate when a block cannot be carved
// out of the arena without exceeding its configured capacity. Callers
// implement the retry/evict/veto protocol described by the segmented map;
// the arena itself never evicts on its own.
var ErrOversizeMapping = errors.New("arena: allocation exceeds capacity")

// Handle is an opaque reference to a block previously returned by Allocate.
// It is only valid for the Arena that produced it.
type Handle struct {
	page   int
	offset int
	length int
}

// Len reports the usable size of the block referenced by h.
func (h Handle) Len() int { return h.length }

// Valid reports whether h refers to an allocated block.
func (h Handle) Valid() bool { return h.length > 0 }

// Reclaimer is consulted by ShrinkOthers to free space belonging to keys
// that do not hash to excludeHash. The segmented map implements this by
// evicting a victim entry from a segment other than the one the failed
// allocation was destined for. ctx is threaded through unchanged from
// whichever façade operation triggered the allocation, so the reclaimer can
// recover call-scoped state (such as the operation's event sink) without
// the arena itself needing to know anything about it.
type Reclaimer interface {
	ReclaimExcluding(ctx context.Context, excludeHash uint64) bool
}

// sizeClass rounds n up to the next power-of-two bucket, with a floor of
// 64 bytes, so that freed blocks of similar size can be reused without
// exact-fit bookkeeping.
func sizeClass(n int) int {
	const floor = 64
	c := floor
	for c < n {
		c <<= 1
	}
	return c
}

// Arena allocates fixed-size pages and sub-allocates blocks from them. It
// is safe for concurrent use by many segments.
type Arena struct {
	mu sync.Mutex

	pageSize int
	capacity int64 // 0 means unbounded

	pages    [][]byte
	curPage  int
	curOff   int
	freeList map[int][]Handle // size class -> free handles

	allocated int64 // bytes reserved across all pages
	occupied  int64 // bytes currently held by live blocks

	reclaimer Reclaimer
}

// New creates an Arena that grows in pageSize chunks and never reserves
// more than capacityBytes bytes across all pages. capacityBytes == 0 means
// unbounded (only bounded by process memory).
func New(pageSize int, capacityBytes int64) *Arena {
	if pageSize <= 0 {
		pageSize = 1 << 20 // 1 MiB, matches the teacher's shard default sizing order of magnitude
	}
	return &Arena{
		pageSize: pageSize,
		capacity: capacityBytes,
		freeList: make(map[int][]Handle),
		curPage:  -1,
	}
}

// SetReclaimer installs the callback used by ShrinkOthers.
func (a *Arena) SetReclaimer(r Reclaimer) {
	a.mu.Lock()
	a.reclaimer = r
	a.mu.Unlock()
}

// Allocate carves out a block of at least n bytes. It returns
// ErrOversizeMapping, never panics or blocks on eviction, when the arena
// cannot grow further without breaching its capacity.
func (a *Arena) Allocate(n int) (Handle, error) {
	if n <= 0 {
		return Handle{}, nil
	}
	class := sizeClass(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	if free := a.freeList[class]; len(free) > 0 {
		h := free[len(free)-1]
		a.freeList[class] = free[:len(free)-1]
		h.length = n
		atomic.AddInt64(&a.occupied, int64(n))
		return h, nil
	}

	if a.curPage < 0 || a.curOff+class > len(a.pages[a.curPage]) {
		pageLen := a.pageSize
		if class > pageLen {
			pageLen = class
		}
		if a.capacity > 0 && a.allocated+int64(pageLen) > a.capacity {
			return Handle{}, ErrOversizeMapping
		}
		a.pages = append(a.pages, make([]byte, pageLen))
		a.curPage = len(a.pages) - 1
		a.curOff = 0
		a.allocated += int64(pageLen)
	}

	h := Handle{page: a.curPage, offset: a.curOff, length: n}
	a.curOff += class
	atomic.AddInt64(&a.occupied, int64(n))
	return h, nil
}

// Free releases a block previously returned by Allocate, making its size
// class available for reuse.
func (a *Arena) Free(h Handle) {
	if !h.Valid() {
		return
	}
	class := sizeClass(h.length)
	a.mu.Lock()
	atomic.AddInt64(&a.occupied, -int64(h.length))
	h.length = class
	a.freeList[class] = append(a.freeList[class], h)
	a.mu.Unlock()
}

// Write copies data into the block referenced by h. len(data) must not
// exceed h.Len(). Segments call it when a holder is installed or rewritten
// in place, passing a zero-filled buffer of the holder's encoded size
// rather than the holder's metadata or value.
func (a *Arena) Write(h Handle, data []byte) {
	if !h.Valid() {
		return
	}
	a.mu.Lock()
	copy(a.pages[h.page][h.offset:h.offset+h.length], data)
	a.mu.Unlock()
}

// Read returns a copy of the bytes referenced by h.
func (a *Arena) Read(h Handle) []byte {
	if !h.Valid() {
		return nil
	}
	a.mu.Lock()
	out := make([]byte, h.length)
	copy(out, a.pages[h.page][h.offset:h.offset+h.length])
	a.mu.Unlock()
	return out
}

// ShrinkOthers asks the reclaimer to free space held by an entry that does
// not hash to excludeHash. It returns whether anything was freed.
func (a *Arena) ShrinkOthers(ctx context.Context, excludeHash uint64) bool {
	a.mu.Lock()
	r := a.reclaimer
	a.mu.Unlock()
	if r == nil {
		return false
	}
	return r.ReclaimExcluding(ctx, excludeHash)
}

// AllocatedMemory is the total number of bytes reserved across all pages.
func (a *Arena) AllocatedMemory() int64 { return atomic.LoadInt64(&a.allocated) }

// OccupiedMemory is the number of bytes currently held by live blocks.
func (a *Arena) OccupiedMemory() int64 { return atomic.LoadInt64(&a.occupied) }

// PageCount reports how many pages the arena currently holds.
func (a *Arena) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}
