package wal

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	r := &Record{Key: []byte("foo"), Value: []byte("bar"), Timestamp: 12345, Op: OpPut}

	buf, err := r.Encode(nil)
	require.NoError(t, err)

	decoded, err := DecodeRecord(bytes.NewReader(buf))
	require.NoError(t, err)

	require.Equal(t, r.Key, decoded.Key)
	require.Equal(t, r.Value, decoded.Value)
	require.Equal(t, r.Timestamp, decoded.Timestamp)
	require.Equal(t, r.Op, decoded.Op)
}

func TestRecordDeleteHasNoValue(t *testing.T) {
	r := &Record{Key: []byte("tombstone"), Timestamp: 1, Op: OpDelete}

	buf, err := r.Encode(nil)
	require.NoError(t, err)

	decoded, err := DecodeRecord(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, OpDelete, decoded.Op)
	require.Empty(t, decoded.Value)
}

func TestRecordDecodeDetectsCorruption(t *testing.T) {
	r := &Record{Key: []byte("k"), Value: []byte("v"), Timestamp: 1, Op: OpPut}
	buf, err := r.Encode(nil)
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF // flip a bit inside the value

	_, err = DecodeRecord(bytes.NewReader(buf))
	require.ErrorIs(t, err, ErrCorrupt)
}

// TestRecordRoundTripIsLossless checks that any key/value/timestamp/op
// combination survives an encode-decode cycle byte for byte.
func TestRecordRoundTripIsLossless(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("encode then decode preserves every field", prop.ForAll(
		func(key, value []byte, ts uint64, isDelete bool) bool {
			op := OpPut
			if isDelete {
				op = OpDelete
				value = nil
			}
			r := &Record{Key: key, Value: value, Timestamp: ts, Op: op}
			buf, err := r.Encode(nil)
			if err != nil {
				return false
			}
			decoded, err := DecodeRecord(bytes.NewReader(buf))
			if err != nil {
				return false
			}
			return bytes.Equal(decoded.Key, r.Key) &&
				bytes.Equal(decoded.Value, r.Value) &&
				decoded.Timestamp == r.Timestamp &&
				decoded.Op == r.Op
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.UInt64(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
