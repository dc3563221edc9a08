// Package segmap implements the segmented map: key-to-segment routing,
// the oversize-mapping retry protocol (shrink-others, emergency valve,
// veto-and-fail), and the approximate frequency sketch used to pick an
// eviction victim among otherwise-equal candidates.
package segmap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/skbansal/ehcache3/internal/arena"
	"github.com/skbansal/ehcache3/internal/holder"
	"github.com/skbansal/ehcache3/internal/segment"
)

// ErrStoreAccess is the terminal error surfaced once the oversize protocol
// has exhausted shrink-others, the emergency valve, and a full veto walk
// without making room for an allocation.
var ErrStoreAccess = errors.New("segmap: unable to make room for mapping")

// Valve is invoked at most once per Map.Compute call, after ShrinkOthers
// has already been tried and before the veto walk. It is the
// collaborator the teacher's MemoryController analog plugs into: a last
// chance to force eviction elsewhere in the store before this map gives up.
// ctx is the triggering Compute call's context, unchanged.
type Valve func(ctx context.Context, excludeHash uint64) bool

// EvictionCallback is invoked once per entry evicted by either
// ReclaimExcluding or EvictAnywhere, after it has already left the segment.
// ctx is the Compute call that triggered the reclaim, unchanged, so a
// caller that attached call-scoped state to it (the offheap facade attaches
// the operation's event sink) can recover that state here.
type EvictionCallback func(ctx context.Context, key any, h *holder.ValueHolder)

// HashFunc hashes a key for segment routing. The default uses xxhash over
// a best-effort byte encoding; callers with non-string/non-byte keys
// should supply their own via New's hashFn parameter.
type HashFunc func(key any) uint64

// DefaultHash hashes strings and byte slices with xxhash; any other
// dynamic type falls back to hashing its String() result if it has one,
// otherwise its %#v form, which is stable for the lifetime of a process
// but not across processes.
func DefaultHash(key any) uint64 {
	switch k := key.(type) {
	case string:
		return xxhash.Sum64String(k)
	case []byte:
		return xxhash.Sum64(k)
	default:
		return xxhash.Sum64String(fmtFallback(key))
	}
}

func fmtFallback(key any) string {
	type stringer interface{ String() string }
	if s, ok := key.(stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%#v", key)
}

// Map is the segmented map: a fixed number of independently-locked
// segments sharing one arena, with the oversize retry protocol wrapping
// the allocating Compute path only.
type Map struct {
	segs   []*segment.Segment
	arena  *arena.Arena
	hashFn HashFunc

	mu               sync.RWMutex
	valve            Valve
	onEviction       EvictionCallback
	freq             *frequencySketch
}

// New creates a segmented map with segCount segments over a, routing keys
// with hashFn (DefaultHash if nil). Each segment starts with room for
// initialSlotsPerSegment entries.
func New(segCount int, initialSlotsPerSegment int, a *arena.Arena, hashFn HashFunc) *Map {
	if segCount < 1 {
		segCount = 1
	}
	if hashFn == nil {
		hashFn = DefaultHash
	}
	m := &Map{
		segs:   make([]*segment.Segment, segCount),
		arena:  a,
		hashFn: hashFn,
		freq:   newFrequencySketch(segCount * 1024),
	}
	for i := range m.segs {
		m.segs[i] = segment.New(a, initialSlotsPerSegment)
	}
	a.SetReclaimer(m)
	return m
}

func (m *Map) segmentFor(hash uint64) (*segment.Segment, int) {
	idx := int(hash % uint64(len(m.segs)))
	return m.segs[idx], idx
}

// NextID hands out the next id for key, delegating to the monotonic
// per-segment counter of the segment key hashes to. Every fresh
// ValueHolder installed for a key (on create or on update) takes a new
// id from here; only an in-place metadata write-back keeps an existing
// holder's id.
func (m *Map) NextID(key any) uint64 {
	seg, _ := m.segmentFor(m.hashFn(key))
	return seg.NextID()
}

// SetEmergencyValve installs the collaborator consulted during the
// oversize protocol after ShrinkOthers and before the veto walk.
func (m *Map) SetEmergencyValve(v Valve) {
	m.mu.Lock()
	m.valve = v
	m.mu.Unlock()
}

// SetEvictionCallback installs the listener invoked for entries evicted by
// ReclaimExcluding (the arena's ShrinkOthers path).
func (m *Map) SetEvictionCallback(cb EvictionCallback) {
	m.mu.Lock()
	m.onEviction = cb
	m.mu.Unlock()
}

// RecordAccess bumps the frequency sketch for key. Callers touch this on
// every read/write so EvictVictim's tie-breaking reflects real traffic.
func (m *Map) RecordAccess(key any) {
	m.freq.increment(m.hashFn(key))
}

func (m *Map) frequencyOf(key any) uint32 {
	return m.freq.estimate(m.hashFn(key))
}

// Compute implements the spec's atomic remap with the full oversize retry
// protocol: on arena.ErrOversizeMapping, try ShrinkOthers, then the
// emergency valve (consumed at most once per Compute call, never
// reconsulted on later retries of the same call), then a full veto walk
// across every segment. The allocation is retried whenever ShrinkOthers or
// the valve reports that it freed something; once both report nothing, the
// veto walk runs and ErrStoreAccess is returned without a further retry. Each retry
// re-invokes fn against the (possibly changed) current mapping, mirroring
// the original source's own retry loop, which re-runs its whole compute
// call rather than caching the first attempt's result.
func (m *Map) Compute(ctx context.Context, key any, fn segment.RemapFunc) (*holder.ValueHolder, error) {
	hash := m.hashFn(key)
	seg, _ := m.segmentFor(hash)

	valveConsumed := false
	for {
		h, err := seg.Compute(key, hash, fn)
		if err == nil {
			if h != nil {
				m.freq.increment(hash)
			}
			return h, nil
		}
		if !errors.Is(err, arena.ErrOversizeMapping) {
			return nil, err
		}
		if !m.attemptReclaim(ctx, hash, &valveConsumed) {
			return nil, ErrStoreAccess
		}
	}
}

// attemptReclaim runs the three-step make-room protocol once: shrink
// others, the emergency valve (consulted only if valveConsumed is still
// false, and set true regardless of outcome so the calling Compute never
// invokes it again for the rest of that operation), then a full veto walk.
// It returns whether room might now be available.
func (m *Map) attemptReclaim(ctx context.Context, excludeHash uint64, valveConsumed *bool) bool {
	if m.arena.ShrinkOthers(ctx, excludeHash) {
		return true
	}

	m.mu.RLock()
	valve := m.valve
	m.mu.RUnlock()

	if valve != nil && !*valveConsumed {
		*valveConsumed = true
		if valve(ctx, excludeHash) {
			return true
		}
	}

	for _, seg := range m.segs {
		seg.WalkAndVeto(func(prevWasVetoed bool) bool { return false })
	}
	// A veto walk never frees bytes by itself; it only marks entries
	// ineligible for future eviction passes so a caller that re-tries
	// the oversize-causing operation later won't spin on the same
	// already-vetoed entries. Report no progress so the caller surfaces
	// ErrStoreAccess for this attempt.
	return false
}

// ComputeIfPresent delegates straight to the owning segment: in-place
// rewrite never allocates, so it never participates in the retry protocol.
func (m *Map) ComputeIfPresent(key any, fn segment.RemapFunc) (*holder.ValueHolder, error) {
	hash := m.hashFn(key)
	seg, _ := m.segmentFor(hash)
	h, err := seg.ComputeIfPresent(key, hash, fn)
	if h != nil {
		m.freq.increment(hash)
	}
	return h, err
}

// ComputeIfPresentAndPin delegates to the owning segment's pinning variant.
func (m *Map) ComputeIfPresentAndPin(key any, fn segment.RemapFunc) (*holder.ValueHolder, error) {
	hash := m.hashFn(key)
	seg, _ := m.segmentFor(hash)
	h, err := seg.ComputeIfPresentAndPin(key, hash, fn)
	if h != nil {
		m.freq.increment(hash)
	}
	return h, err
}

// ComputeIfPinned delegates to the owning segment's pinned-only variant.
func (m *Map) ComputeIfPinned(key any, fn segment.RemapFunc, unpinIf func(*holder.ValueHolder) bool) (*holder.ValueHolder, bool) {
	hash := m.hashFn(key)
	seg, _ := m.segmentFor(hash)
	return seg.ComputeIfPinned(key, hash, fn, unpinIf)
}

// Iterate walks every segment in turn, each under its own lock — weakly
// consistent across segment boundaries (see DESIGN.md).
func (m *Map) Iterate(fn func(key any, h *holder.ValueHolder) bool) {
	for _, seg := range m.segs {
		stopped := false
		seg.Iterate(func(key any, h *holder.ValueHolder) bool {
			if !fn(key, h) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

// Clear empties every segment, invoking onRemove for each entry removed.
func (m *Map) Clear(onRemove func(key any, h *holder.ValueHolder)) {
	for _, seg := range m.segs {
		seg.Clear(onRemove)
	}
}

// evictFromFullestFirst evicts one victim, trying segments in order of
// most occupied bytes first, skipping any index in skip.
func (m *Map) evictFromFullestFirst(skip map[int]bool) (key any, h *holder.ValueHolder, ok bool) {
	order := make([]int, 0, len(m.segs))
	for i := range m.segs {
		if !skip[i] {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		return m.segs[order[a]].Stats().OccupiedBytes > m.segs[order[b]].Stats().OccupiedBytes
	})
	for _, i := range order {
		if k, hh, evicted := m.segs[i].EvictVictim(m.frequencyOf); evicted {
			return k, hh, true
		}
	}
	return nil, nil, false
}

func (m *Map) notifyEviction(ctx context.Context, key any, h *holder.ValueHolder) {
	m.mu.RLock()
	cb := m.onEviction
	m.mu.RUnlock()
	if cb != nil {
		cb(ctx, key, h)
	}
}

// ReclaimExcluding implements arena.Reclaimer: it evicts one victim from a
// segment other than the one owning excludeHash, preferring the segment
// with the most occupied bytes so reclaim pressure drains from the
// fullest shard first.
func (m *Map) ReclaimExcluding(ctx context.Context, excludeHash uint64) bool {
	_, excludeIdx := m.segmentFor(excludeHash)

	key, h, ok := m.evictFromFullestFirst(map[int]bool{excludeIdx: true})
	if !ok {
		return false
	}
	m.notifyEviction(ctx, key, h)
	return true
}

// EvictAnywhere evicts one victim from whichever segment is fullest,
// without excluding the segment that triggered the pressure. It backs the
// default emergency valve: a last resort below ShrinkOthers for a store
// that would otherwise have nowhere else to free room, mirroring the
// teacher's MemoryController retrying its own reservation once after a
// forced eviction pass across every store it manages.
func (m *Map) EvictAnywhere(ctx context.Context) bool {
	key, h, ok := m.evictFromFullestFirst(nil)
	if !ok {
		return false
	}
	m.notifyEviction(ctx, key, h)
	return true
}

// Stats aggregates every segment's counters plus the backing arena's
// allocated/occupied memory into the full statistics surface.
type Stats struct {
	SegmentCount     int
	UsedSlotCount    int
	RemovedSlotCount int
	TableCapacity    int
	MaxReprobeLength int64
	OccupiedBytes    int64
	VitalBytes       int64
	AllocatedMemory  int64
	OccupiedMemory   int64
	PageCount        int
}

func (m *Map) Stats() Stats {
	st := Stats{SegmentCount: len(m.segs)}
	for _, seg := range m.segs {
		s := seg.Stats()
		st.UsedSlotCount += s.UsedSlotCount
		st.RemovedSlotCount += s.RemovedSlotCount
		st.TableCapacity += s.TableCapacity
		st.OccupiedBytes += s.OccupiedBytes
		st.VitalBytes += s.VitalBytes
		if s.ReprobeLength > st.MaxReprobeLength {
			st.MaxReprobeLength = s.ReprobeLength
		}
	}
	st.AllocatedMemory = m.arena.AllocatedMemory()
	st.OccupiedMemory = m.arena.OccupiedMemory()
	st.PageCount = m.arena.PageCount()
	return st
}
