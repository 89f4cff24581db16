// Package bucket maps an experiment and identity to a stable population bucket.
//
// The hash below is a frozen, published constant shared with every client and
// analysis integration of the assignment engine. Changing it retroactively
// moves every not-yet-ledgered caller to a different bucket, so it must never
// be altered; add a new versioned function instead if a migration is ever
// required.
package bucket

// Count is the number of population buckets.
const Count = 100

// Hash32 computes the frozen 32-bit string hash used for bucketing:
// accumulator 5381, per byte h = h*33 XOR byte, in wrapping 32-bit
// signed arithmetic. The wrapping semantics match ToInt32 coercion so
// non-Go integrations produce identical values.
func Hash32(input string) int32 {
	h := int32(5381)
	for i := 0; i < len(input); i++ {
		h = h*33 ^ int32(input[i])
	}
	return h
}

// Bucket returns the deterministic bucket in [0, Count) for an identity
// within an experiment. Pure: no I/O, no per-process seeding.
func Bucket(experimentID, identityKey string) int {
	h := int64(Hash32(experimentID + ":" + identityKey))
	if h < 0 {
		h = -h
	}
	return int(h % Count)
}
