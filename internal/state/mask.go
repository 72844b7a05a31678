// Package state models managed entities as sets of simultaneously held states.
//
// A state set is a Mask where bit i corresponds to the state with ordinal i of
// a closed enumeration. The mask operations are pure functions so the state
// machines can be tested without a Tracker.
package state

import (
	"strings"
)

// Mask is a bit-encoded set of states. Bit i is set when the entity holds the
// state with ordinal i.
type Mask uint64

// Enum is implemented by every state catalog.
type Enum interface {
	~uint8
	String() string
}

// Bit returns the mask holding only s.
func Bit[S Enum](s S) Mask {
	return Mask(1) << uint(s)
}

// Of returns the mask holding every state in states.
func Of[S Enum](states ...S) Mask {
	var m Mask
	for _, s := range states {
		m |= Bit(s)
	}
	return m
}

// FullMask returns the OR of the first n ordinals. Used to build "match anything" filters.
func FullMask(n int) Mask {
	if n >= 64 {
		return ^Mask(0)
	}
	return Mask(1)<<uint(n) - 1
}

// Set returns m with every bit of bits set.
func Set(m, bits Mask) Mask { return m | bits }

// Clear returns m with every bit of bits cleared.
func Clear(m, bits Mask) Mask { return m &^ bits }

// Overlaps reports whether a and b share at least one state.
func Overlaps(a, b Mask) bool { return a&b != 0 }

// Has reports whether m holds s.
func Has[S Enum](m Mask, s S) bool { return m&Bit(s) != 0 }

// Diff returns the states entered and exited when moving from old to new.
func Diff(old, new Mask) (entered, exited Mask) {
	return new &^ old, old &^ new
}

// Format renders m as "A|B|C" using the names of the first n ordinals of S.
func Format[S Enum](m Mask, n int) string {
	if m == 0 {
		return "<none>"
	}
	var parts []string
	for i := 0; i < n; i++ {
		s := S(uint8(i))
		if Has(m, s) {
			parts = append(parts, s.String())
		}
	}
	return strings.Join(parts, "|")
}
