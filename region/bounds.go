package region

import "golang.org/x/exp/constraints"

// RangeEnd returns off+size when the range fits inside [0, length) without
// wrapping.
func RangeEnd[T constraints.Unsigned](off, size, length T) (T, bool) {
	end := off + size
	if end < off || end > length {
		return 0, false
	}
	return end, true
}

// AlignUp rounds v up to a multiple of align. align must be a power of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Contains reports whether v lies in [start, start+size).
func Contains[T constraints.Unsigned](v, start, size T) bool {
	return v >= start && v-start < size
}
