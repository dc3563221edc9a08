// Package segment implements the concurrent open-addressed hash table that
// backs one shard of the segmented map: one exclusive write lock, no
// separate read lock, and the atomic remap contract the rest of the store
// is built on.
package segment

import (
	"sync"
	"sync/atomic"

	"github.com/skbansal/ehcache3/internal/arena"
	"github.com/skbansal/ehcache3/internal/holder"
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotTombstone
)

type slot struct {
	state  slotState
	hash   uint64
	key    any
	h      *holder.ValueHolder
	handle arena.Handle
}

// RemapFunc is invoked at most once per Segment method call, under the
// segment's write lock, with the currently mapped holder (nil if absent).
// segmap.Map.Compute calls Segment.Compute again on every oversize retry,
// so across one map-level Compute the function can run more than once. Returning
// nil removes the mapping; returning a non-nil holder installs it.
// pinOnInstall is honored by Compute only.
type RemapFunc func(current *holder.ValueHolder) (next *holder.ValueHolder, pinOnInstall bool)

const maxLoadFactor = 0.75

// Segment is one shard of the segmented map.
type Segment struct {
	mu sync.Mutex

	slots []slot
	mask  uint64
	used  int
	tomb  int

	arena *arena.Arena

	nextID atomic.Uint64

	reprobeLength atomic.Int64
	occupiedBytes atomic.Int64
	vitalBytes    atomic.Int64
}

// New creates a segment with room for at least initialSlots entries
// (rounded up to a power of two) backed by a.
func New(a *arena.Arena, initialSlots int) *Segment {
	n := 16
	for n < initialSlots {
		n <<= 1
	}
	return &Segment{
		slots: make([]slot, n),
		mask:  uint64(n - 1),
		arena: a,
	}
}

// NextID hands out the next monotonically increasing id for this segment.
// A shared per-segment counter trivially satisfies invariant 6 (id'>id)
// without any cross-segment coordination.
func (s *Segment) NextID() uint64 { return s.nextID.Add(1) }

func (s *Segment) indexFor(hash uint64) int { return int(hash & s.mask) }

// find locates the slot for key/hash. It returns the slot index and
// whether the key was found; when not found, idx is where a new entry
// should be installed (preferring a tombstone over a fresh empty slot so
// tombstones get reclaimed).
func (s *Segment) find(key any, hash uint64) (idx int, found bool) {
	n := len(s.slots)
	start := s.indexFor(hash)
	tombIdx := -1
	probes := int64(0)
	for i := 0; i < n; i++ {
		cur := start + i
		if cur >= n {
			cur -= n
		}
		sl := &s.slots[cur]
		probes++
		switch sl.state {
		case slotEmpty:
			if tombIdx >= 0 {
				s.recordReprobe(probes)
				return tombIdx, false
			}
			s.recordReprobe(probes)
			return cur, false
		case slotTombstone:
			if tombIdx < 0 {
				tombIdx = cur
			}
		case slotUsed:
			if sl.hash == hash && sl.key == key {
				s.recordReprobe(probes)
				return cur, true
			}
		}
	}
	if tombIdx >= 0 {
		return tombIdx, false
	}
	return -1, false
}

func (s *Segment) recordReprobe(probes int64) {
	for {
		cur := s.reprobeLength.Load()
		if probes <= cur || s.reprobeLength.CompareAndSwap(cur, probes) {
			return
		}
	}
}

func (s *Segment) maybeGrow() {
	if float64(s.used+s.tomb+1) <= float64(len(s.slots))*maxLoadFactor {
		return
	}
	old := s.slots
	n := len(old) * 2
	s.slots = make([]slot, n)
	s.mask = uint64(n - 1)
	s.tomb = 0
	for _, sl := range old {
		if sl.state != slotUsed {
			continue
		}
		idx, _ := s.find(sl.key, sl.hash)
		s.slots[idx] = sl
	}
}

// Compute implements the spec's atomic remap: allocate-on-install, with
// the caller (the segmented map) responsible for the oversize retry
// protocol when this returns arena.ErrOversizeMapping.
func (s *Segment) Compute(key any, hash uint64, fn RemapFunc) (*holder.ValueHolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, found := s.find(key, hash)
	var current *holder.ValueHolder
	var oldHandle arena.Handle
	if found {
		current = s.slots[idx].h
		oldHandle = s.slots[idx].handle
	}

	next, pin := fn(current)

	if next == nil {
		if found {
			s.removeAt(idx)
		}
		return nil, nil
	}

	encoded := make([]byte, next.EncodedSize())
	newHandle, err := s.arena.Allocate(len(encoded))
	if err != nil {
		return nil, err
	}
	s.arena.Write(newHandle, encoded)

	if found {
		s.arena.Free(oldHandle)
		s.occupiedBytes.Add(int64(len(encoded) - oldHandle.Len()))
		if s.slots[idx].h.IsPinned() {
			s.vitalBytes.Add(int64(-oldHandle.Len()))
		}
	} else {
		s.maybeGrow()
		idx, _ = s.find(key, hash)
		s.used++
		s.occupiedBytes.Add(int64(len(encoded)))
	}

	if s.slots[idx].state == slotTombstone {
		s.tomb--
	}

	next.SetPinned(pin)
	s.slots[idx] = slot{state: slotUsed, hash: hash, key: key, h: next, handle: newHandle}
	if pin {
		s.vitalBytes.Add(int64(len(encoded)))
	}
	return next, nil
}

// ComputeIfPresent runs fn only if a mapping exists; the result is written
// back in place onto the existing arena block (no allocation), which is
// why it never needs the oversize protocol.
func (s *Segment) ComputeIfPresent(key any, hash uint64, fn RemapFunc) (*holder.ValueHolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeIfPresentLocked(key, hash, fn, false)
}

// ComputeIfPresentAndPin behaves like ComputeIfPresent but pins the slot
// whenever fn yields a non-nil result, regardless of fn's own pin flag —
// this is the primitive get_and_fault is built on.
func (s *Segment) ComputeIfPresentAndPin(key any, hash uint64, fn RemapFunc) (*holder.ValueHolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeIfPresentLocked(key, hash, fn, true)
}

func (s *Segment) computeIfPresentLocked(key any, hash uint64, fn RemapFunc, forcePin bool) (*holder.ValueHolder, error) {
	idx, found := s.find(key, hash)
	if !found {
		return nil, nil
	}
	current := s.slots[idx].h
	next, _ := fn(current)
	if next == nil {
		s.removeAt(idx)
		return nil, nil
	}
	wasPinned := s.slots[idx].h.IsPinned()
	if forcePin {
		next.SetPinned(true)
	}
	s.rewriteInPlace(idx, next, wasPinned)
	return next, nil
}

// ComputeIfPinned operates only on slots already Pinned. After fn runs,
// unpinIf decides whether the slot should be unpinned.
func (s *Segment) ComputeIfPinned(key any, hash uint64, fn RemapFunc, unpinIf func(*holder.ValueHolder) bool) (*holder.ValueHolder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, found := s.find(key, hash)
	if !found || !s.slots[idx].h.IsPinned() {
		return nil, false
	}
	current := s.slots[idx].h
	next, _ := fn(current)
	if next == nil {
		s.removeAt(idx)
		return nil, true
	}
	if unpinIf != nil && unpinIf(next) {
		next.SetPinned(false)
	} else {
		next.SetPinned(true)
	}
	s.rewriteInPlace(idx, next, true)
	return next, true
}

func (s *Segment) rewriteInPlace(idx int, next *holder.ValueHolder, wasPinned bool) {
	sl := &s.slots[idx]
	encoded := make([]byte, next.EncodedSize())
	s.arena.Write(sl.handle, encoded)
	nowPinned := next.IsPinned()
	if wasPinned != nowPinned {
		delta := int64(sl.handle.Len())
		if nowPinned {
			s.vitalBytes.Add(delta)
		} else {
			s.vitalBytes.Add(-delta)
		}
	}
	sl.h = next
}

func (s *Segment) removeAt(idx int) {
	sl := &s.slots[idx]
	s.arena.Free(sl.handle)
	s.occupiedBytes.Add(-int64(sl.handle.Len()))
	if sl.h.IsPinned() {
		s.vitalBytes.Add(-int64(sl.handle.Len()))
	}
	*sl = slot{state: slotTombstone}
	s.used--
	s.tomb++
}

// WalkAndVeto sets the Vetoed bit on every currently-used slot, calling
// report(prevWasVetoed) for each. It is used by the segmented map's
// oversize protocol (step 3) and always runs under this segment's own
// lock — callers must never hold two segment locks at once.
func (s *Segment) WalkAndVeto(report func(prevWasVetoed bool) (stop bool)) (stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].state != slotUsed {
			continue
		}
		prev := s.slots[i].h.IsVetoed()
		s.slots[i].h.SetVetoed(true)
		if report(prev) {
			return true
		}
	}
	return false
}

// EvictVictim removes and returns the first non-pinned, non-vetoed entry
// it finds, preferring the lowest estimated access frequency among the
// first few candidates scanned when freq is non-nil.
func (s *Segment) EvictVictim(freq func(key any) uint32) (key any, h *holder.ValueHolder, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const scanWindow = 8
	bestIdx := -1
	var bestScore uint32
	scanned := 0
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.state != slotUsed || sl.h.IsPinned() || sl.h.IsVetoed() {
			continue
		}
		if freq == nil {
			bestIdx = i
			break
		}
		score := freq(sl.key)
		if bestIdx < 0 || score < bestScore {
			bestIdx, bestScore = i, score
		}
		scanned++
		if scanned >= scanWindow {
			break
		}
	}
	if bestIdx < 0 {
		return nil, nil, false
	}
	key, h = s.slots[bestIdx].key, s.slots[bestIdx].h
	s.removeAt(bestIdx)
	return key, h, true
}

// Iterate walks a snapshot of the currently-used slots taken under the
// segment lock; entries inserted after the snapshot is taken are not
// observed (see DESIGN.md's iterator-stability decision).
func (s *Segment) Iterate(fn func(key any, h *holder.ValueHolder) bool) {
	s.mu.Lock()
	type kv struct {
		key any
		h   *holder.ValueHolder
	}
	snap := make([]kv, 0, s.used)
	for i := range s.slots {
		if s.slots[i].state == slotUsed {
			snap = append(snap, kv{s.slots[i].key, s.slots[i].h})
		}
	}
	s.mu.Unlock()

	for _, e := range snap {
		if !fn(e.key, e.h) {
			return
		}
	}
}

// Clear removes every entry, invoking onRemove for each before freeing its
// arena block.
func (s *Segment) Clear(onRemove func(key any, h *holder.ValueHolder)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].state != slotUsed {
			continue
		}
		if onRemove != nil {
			onRemove(s.slots[i].key, s.slots[i].h)
		}
		s.arena.Free(s.slots[i].handle)
	}
	n := len(s.slots)
	s.slots = make([]slot, n)
	s.used = 0
	s.tomb = 0
	s.occupiedBytes.Store(0)
	s.vitalBytes.Store(0)
}

// Stats snapshot for the segmented map's aggregated counters.
type Stats struct {
	UsedSlotCount    int
	RemovedSlotCount int
	TableCapacity    int
	ReprobeLength    int64
	OccupiedBytes    int64
	VitalBytes       int64
}

func (s *Segment) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		UsedSlotCount:    s.used,
		RemovedSlotCount: s.tomb,
		TableCapacity:    len(s.slots),
		ReprobeLength:    s.reprobeLength.Load(),
		OccupiedBytes:    s.occupiedBytes.Load(),
		VitalBytes:       s.vitalBytes.Load(),
	}
}
