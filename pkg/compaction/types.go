// Package compaction implements size-tiered compaction of sorted
// tables: grouping tables of comparable size into tiers, merging a
// tier's tables into one, and dropping tombstones once they can no
// longer shadow anything in an older tier.
package compaction

import "github.com/ddhadho/cityhall/pkg/sstable"

// DefaultTierThreshold is the number of similarly-sized tables that
// accumulate in a tier before it is merged.
const DefaultTierThreshold = 4

// Plan describes one compaction: which tables to merge, and whether
// this is the oldest tier (so tombstones may be dropped).
type Plan struct {
	Inputs       []*sstable.Reader
	OldestTier   bool
}
