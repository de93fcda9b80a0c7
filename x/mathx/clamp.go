// Package mathx holds small generic bounds helpers.
package mathx

import "golang.org/x/exp/constraints"

// Between reports whether lo <= v <= hi. Bounds may be given in either order.
func Between[T constraints.Ordered](v, lo, hi T) bool {
	lo, hi = order(lo, hi)
	return lo <= v && v <= hi
}

// Clamp limits v to the closed range spanned by lo and hi.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	lo, hi = order(lo, hi)
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func order[T constraints.Ordered](a, b T) (T, T) {
	if b < a {
		return b, a
	}
	return a, b
}
