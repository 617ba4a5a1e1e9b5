package imaging

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"sort"
)

// borderMargin keeps keypoints far enough from the edge that the descriptor
// sampling patch and its smoothing window stay inside the image.
const borderMargin = 16

// circle16 is the Bresenham circle of radius 3 the FAST-9 detector samples,
// in clockwise order starting at 12 o'clock.
var circle16 = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// briefPattern holds 256 fixed sampling point pairs within a 27x27 patch.
// The pattern is drawn once from a seeded generator so every enrollment and
// probe descriptor uses identical comparisons.
var briefPattern = makeBriefPattern()

func makeBriefPattern() [8 * DescriptorSize][4]int8 {
	rng := rand.New(rand.NewSource(0x5f3a21))
	var pat [8 * DescriptorSize][4]int8
	for i := range pat {
		for j := 0; j < 4; j++ {
			pat[i][j] = int8(rng.Intn(27) - 13)
		}
	}
	return pat
}

type keypoint struct {
	x, y  int
	score int
}

// ExtractFeatures runs the FAST-9 corner detector over the canonical grid and
// computes one binary descriptor per surviving keypoint. Keypoints are capped
// at the configured maximum, strongest corners first. An empty result is
// reported as ErrNoFeatures.
func ExtractFeatures(img *image.Gray, p Params) (DescriptorSet, error) {
	kps := detectCorners(img, p.CornerThreshold)
	if len(kps) > p.MaxKeypoints {
		kps = kps[:p.MaxKeypoints]
	}
	if len(kps) == 0 {
		return nil, ErrNoFeatures
	}

	smoothed := boxSmooth(img)
	set := make(DescriptorSet, len(kps))
	for i, kp := range kps {
		set[i] = describe(smoothed, kp.x, kp.y)
	}
	return set, nil
}

// detectCorners returns non-max-suppressed FAST-9 corners sorted by corner
// score descending, with position as a deterministic tiebreak.
func detectCorners(img *image.Gray, threshold int) []keypoint {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w <= 2*borderMargin || h <= 2*borderMargin {
		return nil
	}

	scores := make([]int, w*h)
	for y := borderMargin; y < h-borderMargin; y++ {
		for x := borderMargin; x < w-borderMargin; x++ {
			scores[y*w+x] = cornerScore(img, x, y, threshold)
		}
	}

	var kps []keypoint
	for y := borderMargin; y < h-borderMargin; y++ {
		for x := borderMargin; x < w-borderMargin; x++ {
			s := scores[y*w+x]
			if s == 0 {
				continue
			}
			if isLocalMax(scores, w, x, y, s) {
				kps = append(kps, keypoint{x: x, y: y, score: s})
			}
		}
	}

	sort.Slice(kps, func(i, j int) bool {
		if kps[i].score != kps[j].score {
			return kps[i].score > kps[j].score
		}
		if kps[i].y != kps[j].y {
			return kps[i].y < kps[j].y
		}
		return kps[i].x < kps[j].x
	})
	return kps
}

// cornerScore returns a positive strength if at least 9 contiguous circle
// pixels are all brighter or all darker than the center by the threshold,
// zero otherwise.
func cornerScore(img *image.Gray, x, y, threshold int) int {
	c := int(img.Pix[y*img.Stride+x])
	var diff [16]int
	for i, o := range circle16 {
		diff[i] = int(img.Pix[(y+o[1])*img.Stride+x+o[0]]) - c
	}

	brightRun, darkRun := 0, 0
	found := false
	// walk the circle twice to catch runs wrapping around the start
	for i := 0; i < 32 && !found; i++ {
		d := diff[i%16]
		if d > threshold {
			brightRun++
			darkRun = 0
		} else if d < -threshold {
			darkRun++
			brightRun = 0
		} else {
			brightRun, darkRun = 0, 0
		}
		if brightRun >= 9 || darkRun >= 9 {
			found = true
		}
	}
	if !found {
		return 0
	}

	score := 0
	for _, d := range diff {
		if d < 0 {
			d = -d
		}
		if d > threshold {
			score += d - threshold
		}
	}
	return score
}

func isLocalMax(scores []int, w, x, y, s int) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := scores[(y+dy)*w+x+dx]
			if n > s {
				return false
			}
			// equal neighbors: keep only the raster-first one
			if n == s && (dy < 0 || (dy == 0 && dx < 0)) {
				return false
			}
		}
	}
	return true
}

// describe samples the smoothed patch around a keypoint with the fixed
// pattern and packs the 256 comparisons into a descriptor.
func describe(img *image.Gray, x, y int) Descriptor {
	var d Descriptor
	for i, p := range briefPattern {
		a := img.Pix[(y+int(p[1]))*img.Stride+x+int(p[0])]
		b := img.Pix[(y+int(p[3]))*img.Stride+x+int(p[2])]
		if a < b {
			d[i/8] |= 1 << uint(i%8)
		}
	}
	return d
}

// boxSmooth applies a 5x5 box mean, damping pixel noise before descriptor
// sampling.
func boxSmooth(src *image.Gray) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(src.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, n := 0, 0
			for dy := -2; dy <= 2; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -2; dx <= 2; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					sum += int(src.Pix[yy*src.Stride+xx])
					n++
				}
			}
			dst.Pix[y*dst.Stride+x] = uint8(sum / n)
		}
	}
	return dst
}

// ValidateImage rejects captures that cannot produce a usable template,
// reporting validity along with the specific rejection reason.
func ValidateImage(img image.Image, p Params) (bool, string) {
	b := img.Bounds()
	if b.Dx() < p.MinDimension || b.Dy() < p.MinDimension {
		return false, fmt.Sprintf("image too small: %dx%d, minimum is %dx%d",
			b.Dx(), b.Dy(), p.MinDimension, p.MinDimension)
	}

	gray := toGray(img)
	if sd := stddev(gray); sd < p.MinStdDev {
		return false, fmt.Sprintf("insufficient contrast (intensity spread %.1f)", sd)
	}

	processed, err := Preprocess(img, p)
	if err != nil {
		return false, err.Error()
	}
	set, err := ExtractFeatures(processed, p)
	if err != nil || len(set) < p.MinDescriptors {
		return false, fmt.Sprintf("too few features detected (%d, minimum %d)",
			len(set), p.MinDescriptors)
	}
	return true, ""
}

func stddev(img *image.Gray) float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	n := float64(w * h)
	if n == 0 {
		return 0
	}
	sum := 0.0
	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			sum += float64(img.Pix[row+x])
		}
	}
	mean := sum / n
	variance := 0.0
	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			d := float64(img.Pix[row+x]) - mean
			variance += d * d
		}
	}
	return math.Sqrt(variance / n)
}
