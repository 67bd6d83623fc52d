// Package bloom implements the per-sorted-table membership filter
// a packed bit array sized for n expected entries at a
// target false-positive rate, queried via double hashing.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
)

// ErrIncompatibleFilters is returned by Merge when two filters don't
// share the same bit count and hash count.
var ErrIncompatibleFilters = errors.New("bloom: incompatible filter parameters")

// maxBits caps filter size so a pathological expected-count can't
// exhaust memory; in practice an ST's entry count never approaches it.
const maxBits = 1_000_000_000

// Filter is a fixed-size bit array plus a hash count, persisted
// verbatim into the sorted table that owns it.
type Filter struct {
	bits      []byte // packed, 8 bits per byte
	numBits   int
	numHashes int
}

// New sizes a filter for expectedItems entries at false-positive rate p:
//
//	m = ceil(-n*ln(p) / (ln2)^2)
//	k = ceil((m/n)*ln2)
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	n := float64(expectedItems)
	ln2Sq := math.Ln2 * math.Ln2
	m := int(math.Ceil(-n * math.Log(falsePositiveRate) / ln2Sq))
	if m < 8 {
		m = 8
	}
	if m > maxBits {
		m = maxBits
	}

	k := int(math.Ceil(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 100 {
		k = 100
	}

	return &Filter{
		bits:      make([]byte, (m+7)/8),
		numBits:   m,
		numHashes: k,
	}
}

// Add records key's presence.
func (f *Filter) Add(key []byte) {
	h1, h2 := baseHashes(key)
	for i := 0; i < f.numHashes; i++ {
		idx := f.index(h1, h2, i)
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// MayContain reports whether key might be present. A false answer is
// certain; a true answer may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := baseHashes(key)
	for i := 0; i < f.numHashes; i++ {
		idx := f.index(h1, h2, i)
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) index(h1, h2 uint64, i int) int {
	combined := h1 + uint64(i)*h2
	return int(combined % uint64(f.numBits))
}

// baseHashes derives two independent 64-bit hashes of key via FNV-1a,
// the second seeded with an extra byte so it diverges from the first.
// MayContain/Add then combine them via double hashing:
// h(i) = h1 + i*h2 mod m.
func baseHashes(key []byte) (h1, h2 uint64) {
	f1 := fnv.New64a()
	f1.Write(key)
	h1 = f1.Sum64()

	f2 := fnv.New64a()
	f2.Write(key)
	f2.Write([]byte{0xFF})
	h2 = f2.Sum64()
	if h2%2 == 0 {
		h2++
	}
	return h1, h2
}

// EstimateFalsePositiveRate returns the expected false-positive rate
// once the filter holds itemCount entries.
func (f *Filter) EstimateFalsePositiveRate(itemCount int) float64 {
	if itemCount <= 0 {
		return 0
	}
	k := float64(f.numHashes)
	m := float64(f.numBits)
	n := float64(itemCount)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// Merge ORs other into f; both must share identical parameters.
func (f *Filter) Merge(other *Filter) error {
	if f.numBits != other.numBits || f.numHashes != other.numHashes {
		return ErrIncompatibleFilters
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	return nil
}

// MarshalBinary serializes the filter: numBits(4) | numHashes(4) | bits.
func (f *Filter) MarshalBinary() ([]byte, error) {
	out := make([]byte, 8+len(f.bits))
	binary.LittleEndian.PutUint32(out[0:4], uint32(f.numBits))
	binary.LittleEndian.PutUint32(out[4:8], uint32(f.numHashes))
	copy(out[8:], f.bits)
	return out, nil
}

// UnmarshalBinary restores a filter previously produced by MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return errors.New("bloom: truncated filter")
	}
	numBits := int(binary.LittleEndian.Uint32(data[0:4]))
	numHashes := int(binary.LittleEndian.Uint32(data[4:8]))
	want := 8 + (numBits+7)/8
	if len(data) < want {
		return errors.New("bloom: truncated filter bits")
	}
	f.numBits = numBits
	f.numHashes = numHashes
	f.bits = append([]byte(nil), data[8:want]...)
	return nil
}

// Size returns the serialized byte length of the filter.
func (f *Filter) Size() int { return 8 + len(f.bits) }
