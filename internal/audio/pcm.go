package audio

import "math"

// FloatToPCM16 converts normalized float samples in [-1, 1] to 16-bit PCM.
// Out-of-range values are clipped.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s >= 1:
			out[i] = math.MaxInt16
		case s <= -1:
			out[i] = -math.MaxInt16
		default:
			out[i] = int16(s * math.MaxInt16)
		}
	}
	return out
}
