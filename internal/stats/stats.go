// Package stats implements the statistics collector (spec §4.6): exact
// triple and distinct-term counts, a predicate histogram, and per-predicate
// numeric histograms for selectivity estimation, all recollectable on
// demand and persisted as a versioned blob.
//
// Distinct-term cardinality reuses the teacher's roaring-bitmap dependency
// (db.go's subjectIdx/predicateIdx), repurposed here from "is the triple
// storage format" to "accumulate a distinct-ID set while scanning an
// index", which is the shape this component actually needs it for.
package stats

import (
	"encoding/json"
	"errors"

	roaring "github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/boutros/triplestore/internal/encoding"
	"github.com/boutros/triplestore/internal/index"
	"github.com/boutros/triplestore/internal/kvstore"
)

// ErrInvalidStatsStructure is returned by Load when a persisted blob is
// missing required keys or fails a structural check.
var ErrInvalidStatsStructure = errors.New("invalid_stats_structure")

const currentVersion = 2

var statsKey = []byte("stats")

// NumericHistogram is an equi-width histogram over a predicate's inline
// numeric (integer/decimal/dateTime) object values.
type NumericHistogram struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	BucketCount int     `json:"bucket_count"`
	BucketWidth float64 `json:"bucket_width"`
	Counts      []int64 `json:"counts"`
}

// Stats is the full persisted/collected statistics blob.
type Stats struct {
	Version int `json:"version"`

	TripleCount       int64 `json:"triple_count"`
	DistinctSubjects  int64 `json:"distinct_subjects"`
	DistinctPredicate int64 `json:"distinct_predicates"`
	DistinctObjects   int64 `json:"distinct_objects"`

	PredicateHistogram map[uint64]int64            `json:"predicate_histogram"`
	NumericHistograms  map[uint64]*NumericHistogram `json:"numeric_histograms,omitempty"`
}

// Collector computes and persists Stats over an Index.
type Collector struct {
	kv *kvstore.Store
	ix *index.Index
}

// New constructs a Collector.
func New(kv *kvstore.Store, ix *index.Index) *Collector {
	return &Collector{kv: kv, ix: ix}
}

// Get returns persisted stats if present, else collects, saves, and
// returns a fresh snapshot. A persisted blob that fails the structural
// check is not replaced: Get returns ErrInvalidStatsStructure.
func (c *Collector) Get() (*Stats, error) {
	s, err := c.Load()
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}
	return c.Refresh()
}

// Refresh forces recollection and persists the result, overwriting any
// existing stats blob.
func (c *Collector) Refresh() (*Stats, error) {
	s, err := c.collect()
	if err != nil {
		return nil, err
	}
	if err := c.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Save persists s, overwriting any prior blob.
func (c *Collector) Save(s *Stats) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.kv.Put(kvstore.KeyspaceStats, statsKey, b)
}

// Load reads the persisted blob, applying forward-only migration and a
// structural validity check. Returns kvstore.ErrNotFound if nothing has
// ever been saved.
func (c *Collector) Load() (*Stats, error) {
	b, err := c.kv.Get(kvstore.KeyspaceStats, statsKey)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, ErrInvalidStatsStructure
	}
	for _, required := range []string{"triple_count", "distinct_subjects", "distinct_predicates", "distinct_objects", "predicate_histogram"} {
		if _, ok := raw[required]; !ok {
			return nil, ErrInvalidStatsStructure
		}
	}
	var s Stats
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, ErrInvalidStatsStructure
	}
	migrate(&s)
	return &s, nil
}

// migrate brings an older persisted Stats up to currentVersion in place.
func migrate(s *Stats) {
	if s.Version >= currentVersion {
		return
	}
	// version 1 -> 2: numeric histograms gained an explicit bucket_width
	// field instead of being recomputed on every read.
	for _, h := range s.NumericHistograms {
		if h.BucketWidth == 0 && h.BucketCount > 0 && h.Max > h.Min {
			h.BucketWidth = (h.Max - h.Min) / float64(h.BucketCount)
		}
	}
	s.Version = currentVersion
}

func (c *Collector) collect() (*Stats, error) {
	s := &Stats{
		Version:            currentVersion,
		PredicateHistogram: map[uint64]int64{},
		NumericHistograms:  map[uint64]*NumericHistogram{},
	}

	subjects := roaring.New()
	cur := c.ix.Lookup(index.Pattern{})
	for cur.Valid() {
		t := cur.Triple()
		s.TripleCount++
		subjects.Add(t.S)
		s.PredicateHistogram[t.P]++
		cur.Next()
	}
	cur.Close()
	s.DistinctSubjects = int64(subjects.GetCardinality())

	predicates := roaring.New()
	for p := range s.PredicateHistogram {
		predicates.Add(p)
	}
	s.DistinctPredicate = int64(predicates.GetCardinality())

	objects := roaring.New()
	for p := range s.PredicateHistogram {
		pc := c.ix.Lookup(index.Pattern{P: index.Bind(p)})
		for pc.Valid() {
			objects.Add(pc.Triple().O)
			pc.Next()
		}
		pc.Close()
	}
	s.DistinctObjects = int64(objects.GetCardinality())

	for p := range s.PredicateHistogram {
		if h := c.numericHistogram(p, 10); h != nil {
			s.NumericHistograms[p] = h
		}
	}

	return s, nil
}

// NumericHistogramFor is the public, on-demand variant of
// numeric_histogram(pid, bucket_count); nil means "no numeric values
// exist for pid".
func (c *Collector) NumericHistogramFor(pid uint64, bucketCount int) *NumericHistogram {
	return c.numericHistogram(pid, bucketCount)
}

func (c *Collector) numericHistogram(pid uint64, bucketCount int) *NumericHistogram {
	if bucketCount < 1 {
		bucketCount = 1
	}
	var values []float64
	cur := c.ix.Lookup(index.Pattern{P: index.Bind(pid)})
	for cur.Valid() {
		if v, ok := numericValue(cur.Triple().O); ok {
			values = append(values, v)
		}
		cur.Next()
	}
	cur.Close()
	if len(values) == 0 {
		return nil
	}

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	width := (max - min) / float64(bucketCount)
	h := &NumericHistogram{Min: min, Max: max, BucketCount: bucketCount, BucketWidth: width, Counts: make([]int64, bucketCount)}
	for _, v := range values {
		h.Counts[bucketIndex(v, min, width, bucketCount)]++
	}
	return h
}

func bucketIndex(v, min, width float64, bucketCount int) int {
	if width <= 0 {
		return 0
	}
	idx := int((v - min) / width)
	if idx < 0 {
		idx = 0
	}
	if idx >= bucketCount {
		idx = bucketCount - 1
	}
	return idx
}

func numericValue(id uint64) (float64, bool) {
	if !encoding.IsInline(id) {
		return 0, false
	}
	switch encoding.TypeOf(id) {
	case encoding.KindInlineInteger:
		return float64(encoding.DecodeInteger(id)), true
	case encoding.KindInlineDecimal:
		d := encoding.DecodeDecimal(id)
		v := float64(d.Coef)
		for i := int32(0); i < d.Exp; i++ {
			v *= 10
		}
		for i := int32(0); i > d.Exp; i-- {
			v /= 10
		}
		if d.Negative {
			v = -v
		}
		return v, true
	case encoding.KindInlineDateTime:
		return float64(encoding.DecodeDateTime(id)), true
	default:
		return 0, false
	}
}

// EstimateRangeSelectivity returns the fraction of pid's values falling
// within [lo, hi], using the histogram's stored bucket_width (never
// recomputed). Returns 1.0 if no histogram exists for pid, 0.0 if the
// range is fully outside [min,max].
func EstimateRangeSelectivity(s *Stats, pid uint64, lo, hi float64) float64 {
	h, ok := s.NumericHistograms[pid]
	if !ok || h == nil {
		return 1.0
	}
	if hi < h.Min || lo > h.Max {
		return 0.0
	}
	lo = clamp(lo, h.Min, h.Max)
	hi = clamp(hi, h.Min, h.Max)

	total := int64(0)
	overlap := 0.0
	for i, count := range h.Counts {
		total += count
		bucketLo := h.Min + float64(i)*h.BucketWidth
		bucketHi := bucketLo + h.BucketWidth
		ovLo := max(lo, bucketLo)
		ovHi := min(hi, bucketHi)
		if ovHi <= ovLo || h.BucketWidth <= 0 {
			continue
		}
		frac := (ovHi - ovLo) / h.BucketWidth
		overlap += frac * float64(count)
	}
	if total == 0 {
		return 1.0
	}
	return overlap / float64(total)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
