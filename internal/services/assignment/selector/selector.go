// Package selector maps a bucket value onto one variant by weight.
package selector

import (
	apperrors "github.com/louisbranch/splitrail/internal/errors"
	"github.com/louisbranch/splitrail/internal/services/assignment/bucket"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage"
)

// Pick resolves a bucket value to a variant by walking the variants in
// stored order and accumulating weights. The bucket value is scaled into
// weight space; the first variant whose cumulative weight strictly exceeds
// the scaled value wins. Zero-weight variants are unreachable. The mapping
// is deterministic for a fixed variant list, even when weights do not sum
// to 100.
func Pick(bucketValue int, variants []storage.Variant) (storage.Variant, error) {
	var total float64
	for _, variant := range variants {
		total += float64(variant.Weight)
	}
	if len(variants) == 0 || total <= 0 {
		return storage.Variant{}, apperrors.New(apperrors.CodeNoReachableVariant,
			"experiment has no variant with positive weight")
	}

	scaled := float64(bucketValue) / float64(bucket.Count) * total
	var cumulative float64
	for _, variant := range variants {
		cumulative += float64(variant.Weight)
		if cumulative > scaled {
			return variant, nil
		}
	}
	// Unreachable with bucketValue in [0, Count): scaled < total and the
	// final cumulative equals total.
	return variants[len(variants)-1], nil
}
