package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ddhadho/cityhall/pkg/sstable"
	"github.com/stretchr/testify/require"
)

// fakeEngine is the minimal Engine implementation compaction needs,
// standing in for pkg/engine in package-local tests.
type fakeEngine struct {
	dataDir string
	tables  []*sstable.Reader
	ordinal uint64
}

func (f *fakeEngine) SnapshotTables() []*sstable.Reader { return f.tables }
func (f *fakeEngine) DataDir() string                   { return f.dataDir }
func (f *fakeEngine) NextSortedTableOrdinal() uint64 {
	n := f.ordinal
	f.ordinal++
	return n
}
func (f *fakeEngine) SwapTables(inputs, outputs []*sstable.Reader) {
	inputSet := make(map[uint64]bool, len(inputs))
	for _, t := range inputs {
		inputSet[t.Ordinal] = true
	}
	next := append([]*sstable.Reader(nil), outputs...)
	for _, t := range f.tables {
		if !inputSet[t.Ordinal] {
			next = append(next, t)
		}
	}
	f.tables = next
}

func writeTestTable(t *testing.T, dir string, ordinal uint64, entries []sstable.Entry) *sstable.Reader {
	t.Helper()
	require.NoError(t, os.MkdirAll(sstable.Dir(dir), 0o755))
	path := sstable.Path(dir, ordinal)
	w, err := sstable.NewWriter(path, len(entries))
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	require.NoError(t, w.Finish())
	r, err := sstable.Open(path, ordinal)
	require.NoError(t, err)
	return r
}

func TestSelectCompactionRequiresThreshold(t *testing.T) {
	dir := t.TempDir()
	var tables []*sstable.Reader
	for i := uint64(0); i < 3; i++ {
		tables = append(tables, writeTestTable(t, dir, i, []sstable.Entry{
			{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte("v"), Timestamp: i},
		}))
	}

	require.Nil(t, SelectCompaction(tables, 4))
	require.NotNil(t, SelectCompaction(tables, 3))
}

func TestCompactorMergesAndDedupesNewestWins(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{dataDir: dir, ordinal: 100}

	t1 := writeTestTable(t, dir, 1, []sstable.Entry{
		{Key: []byte("a"), Value: []byte("old"), Timestamp: 1},
		{Key: []byte("b"), Value: []byte("b-val"), Timestamp: 1},
	})
	t2 := writeTestTable(t, dir, 2, []sstable.Entry{
		{Key: []byte("a"), Value: []byte("new"), Timestamp: 2},
	})
	eng.tables = []*sstable.Reader{t2, t1}

	c := New(eng, Options{TierThreshold: 2})
	ran, err := c.RunOnce()
	require.NoError(t, err)
	require.True(t, ran)

	require.Len(t, eng.tables, 1)
	merged := eng.tables[0]

	e, ok, err := merged.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(e.Value))

	e, ok, err = merged.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b-val", string(e.Value))

	_, err = os.Stat(filepath.Join(sstable.Dir(dir), filepath.Base(t1.Path())))
	require.True(t, os.IsNotExist(err), "input table 1 should have been unlinked")
}

func TestCompactorDropsTombstonesOnlyAtOldestTier(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{dataDir: dir, ordinal: 100}

	t1 := writeTestTable(t, dir, 1, []sstable.Entry{
		{Key: []byte("gone"), Timestamp: 1, Deleted: true},
	})
	t2 := writeTestTable(t, dir, 2, []sstable.Entry{
		{Key: []byte("gone"), Timestamp: 2, Deleted: true},
	})
	eng.tables = []*sstable.Reader{t2, t1}

	c := New(eng, Options{TierThreshold: 2})
	ran, err := c.RunOnce()
	require.NoError(t, err)
	require.True(t, ran)

	require.Empty(t, eng.tables, "an all-tombstone oldest-tier merge should produce no output table")
}

func TestSelectCompactionGroupsBySize(t *testing.T) {
	dir := t.TempDir()
	small := make([]sstable.Entry, 1)
	small[0] = sstable.Entry{Key: []byte("a"), Value: []byte("v"), Timestamp: 1}

	big := make([]sstable.Entry, 200)
	for i := range big {
		big[i] = sstable.Entry{Key: []byte(fmt.Sprintf("key-%04d", i)), Value: []byte("a-long-value-to-inflate-size"), Timestamp: uint64(i)}
	}

	var tables []*sstable.Reader
	for i := uint64(0); i < 4; i++ {
		tables = append(tables, writeTestTable(t, dir, i, small))
	}
	tables = append(tables, writeTestTable(t, dir, 10, big))

	plan := SelectCompaction(tables, 4)
	require.NotNil(t, plan)
	require.Len(t, plan.Inputs, 4, "the big outlier table must not be grouped with the small tier")
}
