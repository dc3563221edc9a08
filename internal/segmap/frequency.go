package segmap

import "sync"

// frequencySketch is a small count-min sketch used only as a tie-breaker
// among otherwise-equal eviction candidates — grounded on the teacher's
// freqSketch *sketch.Sketch field in store.go (New/Increment/Estimate),
// reimplemented here since the sketch package itself isn't part of the
// retrieval pack. It never overrides PINNED/VETOED and plays no part in
// the oversize protocol's correctness.
type frequencySketch struct {
	mu     sync.Mutex
	depth  int
	width  uint64
	rows   [][]uint8
	additions uint64
	resetAt   uint64
}

func newFrequencySketch(approxWidth int) *frequencySketch {
	const depth = 4
	w := uint64(nextPowerOf2(approxWidth))
	if w < 16 {
		w = 16
	}
	rows := make([][]uint8, depth)
	for i := range rows {
		rows[i] = make([]uint8, w)
	}
	return &frequencySketch{
		depth:   depth,
		width:   w,
		rows:    rows,
		resetAt: w * 10,
	}
}

func nextPowerOf2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (f *frequencySketch) rowHash(row int, h uint64) uint64 {
	seed := uint64(row)*0x9E3779B97F4A7C15 + 1
	x := h ^ seed
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return x & (f.width - 1)
}

func (f *frequencySketch) increment(hash uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for row := 0; row < f.depth; row++ {
		idx := f.rowHash(row, hash)
		if f.rows[row][idx] < 255 {
			f.rows[row][idx]++
		}
	}
	f.additions++
	if f.additions >= f.resetAt {
		f.halve()
		f.additions = 0
	}
}

func (f *frequencySketch) halve() {
	for row := 0; row < f.depth; row++ {
		for i, v := range f.rows[row] {
			f.rows[row][i] = v / 2
		}
	}
}

func (f *frequencySketch) estimate(hash uint64) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	min := uint8(255)
	for row := 0; row < f.depth; row++ {
		v := f.rows[row][f.rowHash(row, hash)]
		if v < min {
			min = v
		}
	}
	return uint32(min)
}
