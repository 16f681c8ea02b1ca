package medimg

// NIfTI slice order codes.
const (
	SliceOrderUnknown = iota
	SliceOrderSeqInc
	SliceOrderSeqDec
	SliceOrderAltInc
	SliceOrderAltDec
	// SliceOrderAltInc2 is interleaved, increasing, starting at the 2nd slice
	SliceOrderAltInc2
	// SliceOrderAltDec2 is interleaved, decreasing, starting one before the last slice
	SliceOrderAltDec2
)

func span(start, n, step int) []int {
	var out []int
	for i := start; i < n; i += step {
		out = append(out, i)
	}
	return out
}

func reversed(s []int) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// SliceOrderArray lists the slice indexes in acquisition order. Unknown or
// unrecognized codes yield nil.
func SliceOrderArray(code, numSlices int) []int {
	switch code {
	case SliceOrderSeqInc:
		return span(0, numSlices, 1)
	case SliceOrderSeqDec:
		return reversed(span(0, numSlices, 1))
	case SliceOrderAltInc:
		return append(span(0, numSlices, 2), span(1, numSlices, 2)...)
	case SliceOrderAltDec:
		return reversed(append(span(0, numSlices, 2), span(1, numSlices, 2)...))
	case SliceOrderAltInc2:
		return append(span(1, numSlices, 2), span(0, numSlices, 2)...)
	case SliceOrderAltDec2:
		return reversed(append(span(1, numSlices, 2), span(0, numSlices, 2)...))
	}
	return nil
}
