//go:build go1.22

package arena

import (
	"math/bits"
)

func suggestSizeLog(bytes int) uint {
	// Snap to the next power of two.
	return max(4, uint(bits.Len(uint(bytes)-1)))
}

// SuggestSize suggests an allocation size by rounding up to a power of 2.
func SuggestSize(bytes int) int {
	return 1 << suggestSizeLog(bytes)
}

func isPow2(n int) bool {
	return n&(n-1) == 0
}
