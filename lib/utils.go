package lib

// Sequence, reliability and ordering indices are 24-bit counters on the wire.
// The helpers below compare them with wraparound in mind.

func seqIncrement24(seq uint32) uint32 {
	return (seq + 1) & uint24Mask // implicit modulo 2^24
}

// seqDiff24 returns the signed distance from b to a, in the range
// [-2^23, 2^23).
func seqDiff24(a, b uint32) int32 {
	d := (a - b) & uint24Mask
	if d >= 1<<23 {
		return int32(d) - 1<<24
	}
	return int32(d)
}

// isGreater24 reports whether seq1 comes after seq2.
func isGreater24(seq1, seq2 uint32) bool {
	return seqDiff24(seq1, seq2) > 0
}

func isLess24(seq1, seq2 uint32) bool {
	return seqDiff24(seq1, seq2) < 0
}

func powerOfTwoCeiling(v int) int {
	if v <= 1 {
		return 1
	}
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}
