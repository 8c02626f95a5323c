package containers

import "golang.org/x/exp/constraints"

// AlignUp rounds v up to the next multiple of alignment. An alignment of zero or
// one leaves v untouched. alignment does not need to be a power of two.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	if r := v % alignment; r != 0 {
		return v + alignment - r
	}
	return v
}
