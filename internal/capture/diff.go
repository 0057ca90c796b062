package capture

// DiffRatio returns the fraction of byte positions that differ between two
// frames. Frames of different lengths are maximally different.
func DiffRatio(a, b []byte) float64 {
	if len(a) != len(b) {
		return 1.0
	}
	if len(a) == 0 {
		return 0
	}
	diff := 0
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return float64(diff) / float64(len(a))
}

// Changed reports whether b differs from a beyond threshold, along with the
// measured ratio.
func Changed(a, b []byte, threshold float64) (bool, float64) {
	ratio := DiffRatio(a, b)
	return ratio > threshold, ratio
}
