package cache

// Stats is a point-in-time view of cache activity.
type Stats struct {
	L1Entries int `json:"l1_entries"`
	L2Entries int `json:"l2_entries"`

	L1Hits uint64 `json:"l1_hits"`
	L2Hits uint64 `json:"l2_hits"`
	Misses uint64 `json:"misses"`
	Sets   uint64 `json:"sets"`

	// Promotions counts L2 hits copied into L1.
	Promotions uint64 `json:"promotions"`

	// Demotions counts L1 capacity evictions whose value remained in L2.
	Demotions uint64 `json:"demotions"`

	// Evictions counts values dropped from the cache entirely for capacity.
	Evictions uint64 `json:"evictions"`

	Expirations   uint64 `json:"expirations"`
	Invalidations uint64 `json:"invalidations"`

	// CompressedWrites counts L2 writes stored compressed.
	CompressedWrites uint64 `json:"compressed_writes"`
}

// HitRatio returns hits / lookups, or 0 when nothing was looked up.
func (s Stats) HitRatio() float64 {
	hits := s.L1Hits + s.L2Hits
	total := hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		L1Entries:        c.l1.Len(),
		L2Entries:        c.l2.Len(),
		L1Hits:           c.l1Hits.Load(),
		L2Hits:           c.l2Hits.Load(),
		Misses:           c.misses.Load(),
		Sets:             c.sets.Load(),
		Promotions:       c.promotions.Load(),
		Demotions:        c.demotions.Load(),
		Evictions:        c.evictions.Load(),
		Expirations:      c.expirations.Load(),
		Invalidations:    c.invalidations.Load(),
		CompressedWrites: c.compressed.Load(),
	}
}
