package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"math/rand"
	"testing"
)

// flatImage returns a uniform gray image with no detectable structure.
func flatImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

// texturedImage scatters bright squares over a dark background, giving the
// corner detector plenty to find.
func texturedImage(w, h int, seed int64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 30
	}
	rng := rand.New(rand.NewSource(seed))
	for n := 0; n < 25; n++ {
		x0 := 20 + rng.Intn(w-60)
		y0 := 20 + rng.Intn(h-60)
		for y := y0; y < y0+14; y++ {
			for x := x0; x < x0+14; x++ {
				img.Pix[y*img.Stride+x] = 220
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("definitely not an image"))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecodeReadsPNG(t *testing.T) {
	data := encodePNG(t, texturedImage(120, 120, 1))
	img, err := Decode(data)
	if err != nil {
		t.Fatalf("expected successful decode, got %v", err)
	}
	if img.Bounds().Dx() != 120 || img.Bounds().Dy() != 120 {
		t.Fatalf("unexpected bounds: %v", img.Bounds())
	}
}

func TestPreprocessProducesCanonicalResolution(t *testing.T) {
	p := DefaultParams()
	out, err := Preprocess(texturedImage(200, 150, 2), p)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out.Rect.Dx() != p.CanonicalWidth || out.Rect.Dy() != p.CanonicalHeight {
		t.Fatalf("expected %dx%d, got %dx%d",
			p.CanonicalWidth, p.CanonicalHeight, out.Rect.Dx(), out.Rect.Dy())
	}
}

func TestPreprocessRejectsSmallImage(t *testing.T) {
	_, err := Preprocess(flatImage(80, 200), DefaultParams())
	if !errors.Is(err, ErrLowQuality) {
		t.Fatalf("expected ErrLowQuality, got %v", err)
	}
}

func TestExtractFeaturesFindsCorners(t *testing.T) {
	p := DefaultParams()
	img := texturedImage(p.CanonicalWidth, p.CanonicalHeight, 3)

	set, err := ExtractFeatures(img, p)
	if err != nil {
		t.Fatalf("expected descriptors, got %v", err)
	}
	if len(set) < p.MinDescriptors {
		t.Fatalf("expected at least %d descriptors, got %d", p.MinDescriptors, len(set))
	}
	if len(set) > p.MaxKeypoints {
		t.Fatalf("keypoint cap exceeded: %d", len(set))
	}
}

func TestExtractFeaturesDeterministic(t *testing.T) {
	p := DefaultParams()
	img := texturedImage(p.CanonicalWidth, p.CanonicalHeight, 4)

	first, err := ExtractFeatures(img, p)
	if err != nil {
		t.Fatalf("expected descriptors, got %v", err)
	}
	second, err := ExtractFeatures(img, p)
	if err != nil {
		t.Fatalf("expected descriptors, got %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("descriptor counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("descriptor %d differs between runs", i)
		}
	}
}

func TestExtractFeaturesFlatImage(t *testing.T) {
	_, err := ExtractFeatures(flatImage(400, 300), DefaultParams())
	if !errors.Is(err, ErrNoFeatures) {
		t.Fatalf("expected ErrNoFeatures, got %v", err)
	}
}

func TestValidateImageRejectsSmall(t *testing.T) {
	ok, reason := ValidateImage(flatImage(50, 50), DefaultParams())
	if ok {
		t.Fatal("expected rejection of tiny image")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestValidateImageRejectsFlat(t *testing.T) {
	ok, reason := ValidateImage(flatImage(200, 200), DefaultParams())
	if ok {
		t.Fatal("expected rejection of flat image")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestValidateImageAcceptsTextured(t *testing.T) {
	ok, reason := ValidateImage(texturedImage(400, 300, 5), DefaultParams())
	if !ok {
		t.Fatalf("expected acceptance, got rejection: %s", reason)
	}
}

func TestPipelineExtract(t *testing.T) {
	pl := NewPipeline(DefaultParams())
	set, err := pl.Extract(encodePNG(t, texturedImage(400, 300, 6)))
	if err != nil {
		t.Fatalf("expected descriptors, got %v", err)
	}
	if len(set) == 0 {
		t.Fatal("expected non-empty descriptor set")
	}

	if _, err := pl.Extract([]byte("garbage")); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestHamming(t *testing.T) {
	var a, b Descriptor
	if got := Hamming(a, b); got != 0 {
		t.Fatalf("expected distance 0, got %d", got)
	}

	for i := range b {
		b[i] = 0xFF
	}
	if got := Hamming(a, b); got != 8*DescriptorSize {
		t.Fatalf("expected distance %d, got %d", 8*DescriptorSize, got)
	}

	var c Descriptor
	c[0] = 0x01
	if got := Hamming(a, c); got != 1 {
		t.Fatalf("expected distance 1, got %d", got)
	}
}

func TestDescriptorSetMarshalRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	set := make(DescriptorSet, 33)
	for i := range set {
		for j := range set[i] {
			set[i][j] = byte(rng.Intn(256))
		}
	}

	decoded, err := UnmarshalDescriptorSet(set.Marshal())
	if err != nil {
		t.Fatalf("expected successful decode, got %v", err)
	}
	if len(decoded) != len(set) {
		t.Fatalf("expected %d descriptors, got %d", len(set), len(decoded))
	}
	for i := range set {
		if decoded[i] != set[i] {
			t.Fatalf("descriptor %d corrupted in round trip", i)
		}
	}
}

func TestUnmarshalRejectsTruncatedBlob(t *testing.T) {
	set := make(DescriptorSet, 3)
	blob := set.Marshal()

	if _, err := UnmarshalDescriptorSet(blob[:len(blob)-5]); err == nil {
		t.Fatal("expected error for truncated blob")
	}
	if _, err := UnmarshalDescriptorSet([]byte{0, 1}); err == nil {
		t.Fatal("expected error for short blob")
	}
}
