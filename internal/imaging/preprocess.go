package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

var (
	// ErrDecode means the raw bytes are not a readable image. Fatal to the
	// attempt, no retry will help with the same bytes.
	ErrDecode = errors.New("image cannot be decoded")
	// ErrLowQuality means the capture is unusable (too small, too flat).
	// Recoverable, the user should retry with a better capture.
	ErrLowQuality = errors.New("image quality too low")
	// ErrNoFeatures means extraction produced an empty descriptor set.
	ErrNoFeatures = errors.New("no features detected")
)

// Params fixes the preprocessing and extraction configuration. The values
// must match the ones the stored enrollment templates were produced with;
// changing them invalidates every template.
type Params struct {
	CanonicalWidth  int
	CanonicalHeight int
	TileGrid        int     // contrast equalization tile grid (NxN)
	ClipLimit       float64 // histogram clip limit per tile
	SharpenMix      float64 // sharpened/original blend ratio
	CornerThreshold int     // FAST-9 intensity threshold
	MaxKeypoints    int
	MinDimension    int
	MinStdDev       float64 // minimum pixel intensity spread
	MinDescriptors  int
}

// DefaultParams returns the fixed production configuration.
func DefaultParams() Params {
	return Params{
		CanonicalWidth:  400,
		CanonicalHeight: 300,
		TileGrid:        8,
		ClipLimit:       2.0,
		SharpenMix:      0.7,
		CornerThreshold: 20,
		MaxKeypoints:    500,
		MinDimension:    100,
		MinStdDev:       20,
		MinDescriptors:  10,
	}
}

// Decode parses raw PNG, JPEG or GIF bytes into an image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Preprocess normalizes a decoded capture into the canonical grayscale grid:
// grayscale conversion, 5x5 Gaussian denoise, tiled contrast equalization,
// resize to the canonical resolution, then an unsharp pass blended with the
// unsharpened result at the fixed mix ratio. Pure transform, no side effects.
func Preprocess(img image.Image, p Params) (*image.Gray, error) {
	b := img.Bounds()
	if b.Dx() < p.MinDimension || b.Dy() < p.MinDimension {
		return nil, fmt.Errorf("%w: %dx%d below minimum %dx%d",
			ErrLowQuality, b.Dx(), b.Dy(), p.MinDimension, p.MinDimension)
	}

	gray := toGray(img)
	blurred := gaussianBlur(gray)
	equalized := equalizeContrast(blurred, p.TileGrid, p.ClipLimit)
	resized := resizeGray(equalized, p.CanonicalWidth, p.CanonicalHeight)
	return sharpen(resized, p.SharpenMix), nil
}

// toGray converts any image into a zero-origin grayscale grid using the
// standard luma weights.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// gaussianBlur applies a separable 5x5 Gaussian kernel ([1 4 6 4 1]/16 per
// axis) with clamped borders.
func gaussianBlur(src *image.Gray) *image.Gray {
	kernel := [5]int{1, 4, 6, 4, 1}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	tmp := image.NewGray(src.Rect)
	dst := image.NewGray(src.Rect)

	for y := 0; y < h; y++ {
		row := y * src.Stride
		for x := 0; x < w; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				xx := clampInt(x+k, 0, w-1)
				sum += kernel[k+2] * int(src.Pix[row+xx])
			}
			tmp.Pix[y*tmp.Stride+x] = uint8(sum / 16)
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				yy := clampInt(y+k, 0, h-1)
				sum += kernel[k+2] * int(tmp.Pix[yy*tmp.Stride+x])
			}
			dst.Pix[y*dst.Stride+x] = uint8(sum / 16)
		}
	}
	return dst
}

// equalizeContrast performs tiled, clip-limited histogram equalization with
// bilinear interpolation between neighboring tile mappings.
func equalizeContrast(src *image.Gray, grid int, clipLimit float64) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	tileW := (w + grid - 1) / grid
	tileH := (h + grid - 1) / grid

	luts := make([][256]uint8, grid*grid)
	for ty := 0; ty < grid; ty++ {
		for tx := 0; tx < grid; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := minInt(x0+tileW, w), minInt(y0+tileH, h)
			luts[ty*grid+tx] = tileMapping(src, x0, y0, x1, y1, clipLimit)
		}
	}

	dst := image.NewGray(src.Rect)
	for y := 0; y < h; y++ {
		// position of the pixel relative to tile centers
		fy := (float64(y)-float64(tileH)/2)/float64(tileH)
		ty0 := clampInt(int(fy), 0, grid-1)
		ty1 := clampInt(ty0+1, 0, grid-1)
		wy := fy - float64(ty0)
		if wy < 0 {
			wy = 0
		} else if wy > 1 {
			wy = 1
		}
		for x := 0; x < w; x++ {
			fx := (float64(x)-float64(tileW)/2)/float64(tileW)
			tx0 := clampInt(int(fx), 0, grid-1)
			tx1 := clampInt(tx0+1, 0, grid-1)
			wx := fx - float64(tx0)
			if wx < 0 {
				wx = 0
			} else if wx > 1 {
				wx = 1
			}

			v := src.Pix[y*src.Stride+x]
			top := (1-wx)*float64(luts[ty0*grid+tx0][v]) + wx*float64(luts[ty0*grid+tx1][v])
			bottom := (1-wx)*float64(luts[ty1*grid+tx0][v]) + wx*float64(luts[ty1*grid+tx1][v])
			dst.Pix[y*dst.Stride+x] = uint8((1-wy)*top + wy*bottom + 0.5)
		}
	}
	return dst
}

// tileMapping builds the clipped-equalization lookup table for one tile.
// Histogram mass above the clip limit is redistributed evenly across bins.
func tileMapping(src *image.Gray, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var hist [256]int
	total := (x1 - x0) * (y1 - y0)
	for y := y0; y < y1; y++ {
		row := y * src.Stride
		for x := x0; x < x1; x++ {
			hist[src.Pix[row+x]]++
		}
	}

	limit := int(clipLimit * float64(total) / 256)
	if limit < 1 {
		limit = 1
	}
	excess := 0
	for i := range hist {
		if hist[i] > limit {
			excess += hist[i] - limit
			hist[i] = limit
		}
	}
	share := excess / 256
	for i := range hist {
		hist[i] += share
	}

	var lut [256]uint8
	cum := 0
	for i := range hist {
		cum += hist[i]
		lut[i] = uint8(255 * cum / total)
	}
	return lut
}

func resizeGray(src *image.Gray, w, h int) *image.Gray {
	if src.Rect.Dx() == w && src.Rect.Dy() == h {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Rect, src, src.Rect, xdraw.Src, nil)
	return dst
}

// sharpen applies an unsharp mask and blends it with the original at the
// given mix ratio (mix of the sharpened signal, 1-mix of the original).
func sharpen(src *image.Gray, mix float64) *image.Gray {
	blurred := gaussianBlur(src)
	dst := image.NewGray(src.Rect)
	for i := range src.Pix {
		orig := float64(src.Pix[i])
		sharp := orig + (orig - float64(blurred.Pix[i]))
		dst.Pix[i] = clampU8(mix*sharp + (1-mix)*orig)
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampU8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
