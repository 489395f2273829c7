package journal

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/arloliu/go-marccd/ndarray"
)

// DefaultMaxSamples bounds the number of pixels sampled per image.
const DefaultMaxSamples = 1 << 16

// PixelStats summarizes the sampled pixel values of an image.
type PixelStats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize samples at most maxSamples evenly spaced pixels of arr.
func Summarize(arr *ndarray.Array, maxSamples int) PixelStats {
	n := arr.Len()
	if n == 0 {
		return PixelStats{}
	}
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}

	stride := max((n+maxSamples-1)/maxSamples, 1)
	samples := make([]float64, 0, (n+stride-1)/stride)
	for i := 0; i < n; i += stride {
		samples = append(samples, float64(arr.Pix[i]))
	}

	mean, std := stat.MeanStdDev(samples, nil)
	if len(samples) == 1 {
		std = 0
	}

	return PixelStats{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(samples),
		Max:    floats.Max(samples),
	}
}
