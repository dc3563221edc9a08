package main

import (
	"encoding/json"
	"net/http"

	"github.com/skbansal/ehcache3/offheap"
)

// handleStats serves the plain-struct statistics snapshot as JSON —
// mirrors the teacher's /v1/stats endpoint shape (a single JSON object,
// no pagination, no auth).
func handleStats(store *offheap.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(store.Stats())
	}
}

// debugSegmentsView is the segment-table summary exposed at
// /debug/segments: the segment count plus slot, reprobe and byte counters
// taken from the aggregate Stats(). It has no per-segment breakdown.
type debugSegmentsView struct {
	SegmentCount     int   `json:"segment_count"`
	UsedSlotCount    int   `json:"used_slot_count"`
	TableCapacity    int   `json:"table_capacity"`
	MaxReprobeLength int64 `json:"max_reprobe_length"`
	OccupiedBytes    int64 `json:"occupied_bytes"`
	VitalBytes       int64 `json:"vital_bytes"`
}

func handleDebugSegments(store *offheap.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := store.Stats()
		view := debugSegmentsView{
			SegmentCount:     st.SegmentCount,
			UsedSlotCount:    st.UsedSlotCount,
			TableCapacity:    st.TableCapacity,
			MaxReprobeLength: st.MaxReprobeLength,
			OccupiedBytes:    st.OccupiedBytes,
			VitalBytes:       st.VitalBytes,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	}
}
