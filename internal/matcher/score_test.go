package matcher

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/palmpay/internal/imaging"
)

func randomSet(t *testing.T, n int, seed int64) imaging.DescriptorSet {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	set := make(imaging.DescriptorSet, n)
	for i := range set {
		for j := 0; j < imaging.DescriptorSize; j++ {
			set[i][j] = byte(rng.Intn(256))
		}
	}
	return set
}

func TestScoreEmptySets(t *testing.T) {
	scorer := New()
	set := randomSet(t, 10, 1)

	if got := scorer.Score(nil, set); got != 0 {
		t.Fatalf("expected 0 for nil probe, got %f", got)
	}
	if got := scorer.Score(set, nil); got != 0 {
		t.Fatalf("expected 0 for nil reference, got %f", got)
	}
	if got := scorer.Score(imaging.DescriptorSet{}, set); got != 0 {
		t.Fatalf("expected 0 for empty probe, got %f", got)
	}
}

func TestScoreSelfSimilarityIsMaximal(t *testing.T) {
	scorer := New()
	set := randomSet(t, 100, 2)

	got := scorer.Score(set, set)
	if math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("expected self-similarity 1.0, got %f", got)
	}
}

func TestScoreDisjointSetsIsZero(t *testing.T) {
	scorer := New()
	a := make(imaging.DescriptorSet, 20) // all zero bits
	b := make(imaging.DescriptorSet, 20)
	for i := range b {
		for j := range b[i] {
			b[i][j] = 0xFF
		}
	}

	if got := scorer.Score(a, b); got != 0 {
		t.Fatalf("expected 0 for maximally distant sets, got %f", got)
	}
}

func TestScoreCloserSetsScoreHigher(t *testing.T) {
	scorer := New()
	base := randomSet(t, 50, 3)

	// flip a handful of bits per descriptor for the near set, many for the far one
	near := make(imaging.DescriptorSet, len(base))
	far := make(imaging.DescriptorSet, len(base))
	for i := range base {
		near[i] = base[i]
		far[i] = base[i]
		near[i][0] ^= 0x03 // 2 bits
		for j := 0; j < 16; j++ {
			far[i][j] ^= 0xFF // 128 bits
		}
	}

	nearScore := scorer.Score(base, near)
	farScore := scorer.Score(base, far)
	if nearScore <= farScore {
		t.Fatalf("expected near score %f > far score %f", nearScore, farScore)
	}
}

func TestCoverageSignal(t *testing.T) {
	dists := []int{10, 20, 49, 50, 60}
	if got := coverage(dists, 5); got != 3.0/5.0 {
		t.Fatalf("expected coverage 0.6, got %f", got)
	}
}

func TestQualitySignal(t *testing.T) {
	perfect := make([]int, 10)
	if got := quality(perfect); got != 1.0 {
		t.Fatalf("expected quality 1.0 for zero distances, got %f", got)
	}

	worst := make([]int, 10)
	for i := range worst {
		worst[i] = 256
	}
	if got := quality(worst); got != 0 {
		t.Fatalf("expected quality 0 for maximal distances, got %f", got)
	}

	half := make([]int, 10)
	for i := range half {
		half[i] = 64
	}
	if got := quality(half); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected quality 0.5 for mean 64, got %f", got)
	}
}

func TestExcellenceSignal(t *testing.T) {
	// 12 correspondences, 4 below the excellent bound; top subset is 10
	dists := []int{1, 5, 10, 24, 25, 30, 40, 50, 60, 70, 80, 90}
	if got := excellence(dists, 30); got != 4.0/20.0 {
		t.Fatalf("expected excellence 0.2, got %f", got)
	}
	// small sets use the set size as denominator
	if got := excellence(dists, 8); got != 4.0/8.0 {
		t.Fatalf("expected excellence 0.5, got %f", got)
	}
}

func TestTopCount(t *testing.T) {
	cases := []struct{ total, want int }{
		{5, 5},
		{10, 10},
		{50, 10},
		{100, 20},
		{500, 100},
	}
	for _, tc := range cases {
		if got := topCount(tc.total); got != tc.want {
			t.Fatalf("topCount(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}
