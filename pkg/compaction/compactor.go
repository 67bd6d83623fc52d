package compaction

import (
	"fmt"
	"os"

	"github.com/ddhadho/cityhall/pkg/logging"
	"github.com/ddhadho/cityhall/pkg/metrics"
	"github.com/ddhadho/cityhall/pkg/sstable"
)

// Engine is the narrow surface compaction needs from the storage
// engine: it never reaches into the engine's memtables or WAL beyond
// this.
type Engine interface {
	SnapshotTables() []*sstable.Reader
	SwapTables(inputs, outputs []*sstable.Reader)
	NextSortedTableOrdinal() uint64
	DataDir() string
}

// Compactor periodically merges a size tier of tables into one,
// dropping duplicate versions and, at the oldest tier, tombstones that
// can no longer shadow anything beneath them.
type Compactor struct {
	engine    Engine
	logger    logging.Logger
	rec       metrics.Recorder
	threshold int
}

// Options configures a Compactor. Zero values fall back to defaults.
type Options struct {
	TierThreshold int
	Logger        logging.Logger
	Metrics       metrics.Recorder
}

// New builds a Compactor bound to engine.
func New(engine Engine, opts Options) *Compactor {
	threshold := opts.TierThreshold
	if threshold <= 0 {
		threshold = DefaultTierThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.NewNopRecorder()
	}
	return &Compactor{engine: engine, logger: logger, rec: rec, threshold: threshold}
}

// RunOnce selects and executes at most one compaction plan. It returns
// false if no tier had reached the threshold, so callers can poll it
// from a ticker without distinguishing "nothing to do" from an error.
func (c *Compactor) RunOnce() (bool, error) {
	plan := SelectCompaction(c.engine.SnapshotTables(), c.threshold)
	if plan == nil {
		return false, nil
	}
	if err := c.run(plan); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Compactor) run(plan *Plan) error {
	timer := logging.StartTimer(c.logger, "compacted sorted table tier")
	c.logger.Info("compaction starting",
		logging.Count(len(plan.Inputs)),
		logging.Bool("oldest_tier", plan.OldestTier))

	merged, err := newMergedIterator(plan.Inputs, plan.OldestTier)
	if err != nil {
		timer.EndError(err)
		return fmt.Errorf("compaction: build merge iterator: %w", err)
	}

	ordinal := c.engine.NextSortedTableOrdinal()
	path := sstable.Path(c.engine.DataDir(), ordinal)

	expected := 0
	for _, t := range plan.Inputs {
		expected += estimateEntryCount(t)
	}

	w, err := sstable.NewWriter(path, expected)
	if err != nil {
		timer.EndError(err)
		return fmt.Errorf("compaction: open writer: %w", err)
	}

	wrote := 0
	for {
		e, ok, err := merged.Next()
		if err != nil {
			w.Abort()
			timer.EndError(err)
			return fmt.Errorf("compaction: merge: %w", err)
		}
		if !ok {
			break
		}
		if err := w.Add(e); err != nil {
			w.Abort()
			timer.EndError(err)
			return fmt.Errorf("compaction: write entry: %w", err)
		}
		wrote++
	}

	if wrote == 0 {
		w.Abort()
		c.dropInputs(plan.Inputs, nil)
		c.rec.IncCompaction()
		timer.End()
		return nil
	}

	if err := w.Finish(); err != nil {
		timer.EndError(err)
		return fmt.Errorf("compaction: finish: %w", err)
	}

	reader, err := sstable.Open(path, ordinal)
	if err != nil {
		timer.EndError(err)
		return fmt.Errorf("compaction: reopen merged table: %w", err)
	}
	reader.SetRecorder(c.rec)

	c.dropInputs(plan.Inputs, reader)
	c.rec.IncCompaction()

	c.logger.Info("compaction finished",
		logging.Count(wrote),
		logging.Path(path))
	timer.End()
	return nil
}

// dropInputs swaps the freshly merged table (nil if the tier collapsed
// to nothing, e.g. an all-tombstone oldest tier) in for its inputs,
// then unlinks the input files — only after the swap, so readers that
// grabbed the old table slice before the swap still see valid files.
func (c *Compactor) dropInputs(inputs []*sstable.Reader, output *sstable.Reader) {
	var outputs []*sstable.Reader
	if output != nil {
		outputs = []*sstable.Reader{output}
	}
	c.engine.SwapTables(inputs, outputs)

	for _, t := range inputs {
		path := t.Path()
		t.Close()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("compaction: unlink old table", logging.Path(path), logging.Error(err))
		}
	}
}

// estimateEntryCount sizes a fresh membership filter from a table's
// on-disk size divided by BlockTargetSize (plus one), times an assumed
// 128 entries per block; it need not be exact, only roughly
// proportional to the merged output's eventual key count.
func estimateEntryCount(t *sstable.Reader) int {
	const avgEntriesPerBlock = 128
	return int(t.Size()/sstable.BlockTargetSize+1) * avgEntriesPerBlock
}
