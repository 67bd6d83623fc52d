package bloom

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestFilterBasicMembership(t *testing.T) {
	f := New(100, 0.01)

	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))

	require.True(t, f.MayContain([]byte("alpha")))
	require.True(t, f.MayContain([]byte("beta")))
}

func TestFilterMarshalRoundTrip(t *testing.T) {
	f := New(50, 0.01)
	for i := 0; i < 50; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	data, err := f.MarshalBinary()
	require.NoError(t, err)

	var decoded Filter
	require.NoError(t, decoded.UnmarshalBinary(data))

	for i := 0; i < 50; i++ {
		require.True(t, decoded.MayContain([]byte(fmt.Sprintf("key-%d", i))))
	}
}

// TestFilterNoFalseNegatives verifies the core membership guarantee: a
// bloom filter may lie about containing a key it never saw, but it may
// never deny one it did.
func TestFilterNoFalseNegatives(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every added key is reported present", prop.ForAll(
		func(keys []string) bool {
			f := New(len(keys)+1, 0.01)
			for _, k := range keys {
				f.Add([]byte(k))
			}
			for _, k := range keys {
				if !f.MayContain([]byte(k)) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestFilterMerge(t *testing.T) {
	a := New(10, 0.01)
	a.Add([]byte("one"))
	b := New(10, 0.01)
	b.Add([]byte("two"))

	require.NoError(t, a.Merge(b))
	require.True(t, a.MayContain([]byte("one")))
	require.True(t, a.MayContain([]byte("two")))
}

func TestFilterMergeIncompatibleSizes(t *testing.T) {
	a := New(10, 0.01)
	b := New(10000, 0.01)

	require.ErrorIs(t, a.Merge(b), ErrIncompatibleFilters)
}
