// Package matcher turns two binary descriptor sets into a calibrated
// similarity score in [0,1].
package matcher

import (
	"sort"

	"github.com/example/palmpay/internal/imaging"
)

// Fixed scoring constants. Distances are Hamming bit counts over 256-bit
// descriptors.
const (
	goodDistance      = 50  // a correspondence below this counts as a match
	excellentDistance = 25  // stricter bound for the excellence signal
	maxMeanDistance   = 128 // normalization ceiling for the quality signal

	topFraction   = 0.2 // share of best correspondences used for quality
	topMinimum    = 10  // but never fewer than this many
	excellenceCap = 20  // denominator cap for the excellence ratio

	coverageWeight   = 0.4
	qualityWeight    = 0.4
	excellenceWeight = 0.2
)

// Scorer computes descriptor-set similarity. It is stateless and safe for
// concurrent use.
type Scorer struct{}

// New returns a Scorer with the fixed production calibration.
func New() Scorer {
	return Scorer{}
}

// Score returns a similarity in [0,1] between two descriptor sets. Order of
// the arguments matters only in that correspondences run from a into b; the
// blend is calibrated so either direction lands in the same band. Empty or
// nil input scores 0.0, never an error.
//
// Raw match-count ratios alone are unstable across lighting and pose, so
// three signals are blended: how many correspondences are good at all
// (coverage), how tight the best ones are (quality), and whether a core of
// near-exact matches exists (excellence).
func (Scorer) Score(a, b imaging.DescriptorSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	dists := nearestDistances(a, b)
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}

	score := coverageWeight*coverage(dists, smaller) +
		qualityWeight*quality(dists) +
		excellenceWeight*excellence(dists, smaller)
	if score > 1 {
		score = 1
	}
	return score
}

// nearestDistances pairs every descriptor in a with its closest descriptor
// in b by Hamming distance and returns the distances sorted ascending.
func nearestDistances(a, b imaging.DescriptorSet) []int {
	dists := make([]int, len(a))
	for i, da := range a {
		best := 8 * imaging.DescriptorSize
		for _, db := range b {
			if d := imaging.Hamming(da, db); d < best {
				best = d
			}
		}
		dists[i] = best
	}
	sort.Ints(dists)
	return dists
}

// coverage is the share of correspondences below the good-match bound,
// relative to the smaller set.
func coverage(sorted []int, smaller int) float64 {
	good := 0
	for _, d := range sorted {
		if d >= goodDistance {
			break
		}
		good++
	}
	return float64(good) / float64(smaller)
}

// quality is the normalized inverse of the mean distance among the
// top-ranked correspondences, clamped to [0,1].
func quality(sorted []int) float64 {
	n := topCount(len(sorted))
	sum := 0
	for _, d := range sorted[:n] {
		sum += d
	}
	mean := float64(sum) / float64(n)
	q := 1 - mean/maxMeanDistance
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// excellence is the share of near-exact correspondences within the
// top-ranked subset, against a capped denominator.
func excellence(sorted []int, smaller int) float64 {
	n := topCount(len(sorted))
	count := 0
	for _, d := range sorted[:n] {
		if d < excellentDistance {
			count++
		}
	}
	denom := smaller
	if denom > excellenceCap {
		denom = excellenceCap
	}
	return float64(count) / float64(denom)
}

// topCount returns the size of the top-ranked subset: the top fraction of
// correspondences, at least topMinimum, never more than are available.
func topCount(total int) int {
	n := int(float64(total) * topFraction)
	if n < topMinimum {
		n = topMinimum
	}
	if n > total {
		n = total
	}
	return n
}
