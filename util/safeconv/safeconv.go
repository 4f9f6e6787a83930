package safeconv

import (
	"math"
	"time"
)

// Int64SliceToIntSlice converts int64 labels to int, clamping to the platform int range.
func Int64SliceToIntSlice(input []int64) []int {
	out := make([]int, len(input))
	for i, v := range input {
		switch {
		case v > math.MaxInt:
			out[i] = math.MaxInt
		case v < math.MinInt:
			out[i] = math.MinInt
		default:
			out[i] = int(v)
		}
	}
	return out
}

// Int32SliceToIntSlice widens int32 labels to int.
func Int32SliceToIntSlice(input []int32) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = int(v)
	}
	return out
}

// Uint8SliceToIntSlice widens uint8 labels to int.
func Uint8SliceToIntSlice(input []uint8) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = int(v)
	}
	return out
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
