package compaction

import (
	"sort"

	"github.com/ddhadho/cityhall/pkg/sstable"
)

// SelectCompaction groups live tables into size tiers — a tier being a
// run of tables whose sizes fall within a factor of two of each other
// — and returns a Plan for the first tier that has accumulated at
// least threshold tables, smallest tiers first since those are cheap
// to merge and free the most writer backpressure.
//
// A nil return means no tier has reached the threshold; RunOnce then
// merges nothing.
func SelectCompaction(tables []*sstable.Reader, threshold int) *Plan {
	if threshold <= 0 {
		threshold = DefaultTierThreshold
	}
	if len(tables) < threshold {
		return nil
	}

	ordered := append([]*sstable.Reader(nil), tables...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Size() < ordered[j].Size() })

	tiers := groupIntoTiers(ordered)
	if len(tiers) == 0 {
		return nil
	}

	for i, tier := range tiers {
		if len(tier) >= threshold {
			return &Plan{
				Inputs:     tier,
				OldestTier: i == len(tiers)-1,
			}
		}
	}
	return nil
}

// groupIntoTiers buckets size-sorted tables so that each bucket's
// largest member is at most double its smallest. sizeSorted is
// ascending, so the returned tiers are too: tiers[0] holds the
// smallest (freshest-flush) tables and the last tier holds the
// largest (oldest-lineage) ones.
func groupIntoTiers(sizeSorted []*sstable.Reader) [][]*sstable.Reader {
	if len(sizeSorted) == 0 {
		return nil
	}
	var tiers [][]*sstable.Reader
	start := 0
	for i := 1; i <= len(sizeSorted); i++ {
		if i == len(sizeSorted) || sizeSorted[i].Size() > 2*sizeSorted[start].Size() {
			tiers = append(tiers, sizeSorted[start:i])
			start = i
		}
	}
	return tiers
}
