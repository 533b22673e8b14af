/**
 * Binarization - global-threshold preprocessing before OCR
 *
 * Two strategies, selected once at startup:
 * - otsu:  threshold chosen by maximising between-class variance
 * - fixed: contrast auto-stretch followed by a midpoint threshold (128)
 */

package processor

import (
	"fmt"
	"image"
)

const (
	BinarizeOtsu  = "otsu"
	BinarizeFixed = "fixed"

	fixedThreshold = 128
)

// Binarizer converts an image to a black/white grayscale image of the same size
type Binarizer interface {
	Name() string
	Binarize(img image.Image) *image.Gray
}

// NewBinarizer returns the strategy registered under method
func NewBinarizer(method string) (Binarizer, error) {
	switch method {
	case BinarizeOtsu, "":
		return OtsuBinarizer{}, nil
	case BinarizeFixed:
		return FixedThresholdBinarizer{Threshold: fixedThreshold}, nil
	default:
		return nil, fmt.Errorf("unknown binarize method %q", method)
	}
}

// OtsuBinarizer thresholds at the Otsu cutoff; pixels above it become white
type OtsuBinarizer struct{}

func (OtsuBinarizer) Name() string { return BinarizeOtsu }

func (OtsuBinarizer) Binarize(img image.Image) *image.Gray {
	gray := ToGray(img)
	t := OtsuThreshold(histogram(gray))
	return applyThreshold(gray, func(v uint8) bool { return v > t })
}

// FixedThresholdBinarizer auto-stretches contrast then maps values >= Threshold to white
type FixedThresholdBinarizer struct {
	Threshold uint8
}

func (FixedThresholdBinarizer) Name() string { return BinarizeFixed }

func (b FixedThresholdBinarizer) Binarize(img image.Image) *image.Gray {
	gray := ToGray(img)
	lut := autoContrastLUT(histogram(gray))
	return applyThreshold(gray, func(v uint8) bool { return lut[v] >= b.Threshold })
}

// OtsuThreshold returns the intensity that maximises between-class variance
func OtsuThreshold(hist [256]int) uint8 {
	total := 0
	sum := 0.0
	for i, n := range hist {
		total += n
		sum += float64(i * n)
	}
	if total == 0 {
		return 0
	}

	var (
		w0, sum0  float64
		bestSigma = -1.0
		best      uint8
	)
	for i, n := range hist {
		w0 += float64(n)
		if w0 == 0 {
			continue
		}
		w1 := float64(total) - w0
		if w1 == 0 {
			break
		}
		sum0 += float64(i * n)
		mu0 := sum0 / w0
		mu1 := (sum - sum0) / w1
		sigma := w0 * w1 * (mu0 - mu1) * (mu0 - mu1)
		if sigma > bestSigma {
			bestSigma = sigma
			best = uint8(i)
		}
	}
	return best
}

// autoContrastLUT maps the darkest present value to 0 and the lightest to 255
func autoContrastLUT(hist [256]int) [256]uint8 {
	var lut [256]uint8
	lo, hi := 0, 255
	for lo < 256 && hist[lo] == 0 {
		lo++
	}
	for hi >= 0 && hist[hi] == 0 {
		hi--
	}
	if lo >= hi {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}
	scale := 255.0 / float64(hi-lo)
	offset := -float64(lo) * scale
	for i := range lut {
		v := int(float64(i)*scale + offset)
		switch {
		case v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		lut[i] = uint8(v)
	}
	return lut
}

func histogram(g *image.Gray) [256]int {
	var hist [256]int
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[(y-b.Min.Y)*g.Stride : (y-b.Min.Y)*g.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist
}

func applyThreshold(g *image.Gray, white func(uint8) bool) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(b)
	for y := 0; y < b.Dy(); y++ {
		src := g.Pix[y*g.Stride : y*g.Stride+b.Dx()]
		dst := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
		for x, v := range src {
			if white(v) {
				dst[x] = 255
			} else {
				dst[x] = 0
			}
		}
	}
	return out
}
