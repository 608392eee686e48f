package rating

import "math"

const (
	// expandSize is the fixed-point scale: ratings are rounded to 1/100 of
	// a rating unit before entering the convolution.
	expandSize = 100

	// maxScaledRating is the scaled rating ceiling (4000 rating units).
	maxScaledRating = 4000 * expandSize
)

// ConvEngine evaluates the expected-rank sum for every integer scaled rating
// at once by convolving the win-rate kernel with the rating histogram. One
// FFT convolution replaces the per-participant O(n) sums of the iterative
// engine, at the cost of quantizing ratings to 0.01.
type ConvEngine struct{}

// buildConvolution returns the win-rate sum table: index x+maxScaledRating
// holds the sum over the field of the loss probability of a hypothetical
// participant at scaled rating x.
func buildConvolution(oldRatings []float64) []float64 {
	f := make([]float64, 2*maxScaledRating+1)
	for i := range f {
		d := float64(i - maxScaledRating)
		f[i] = 1 / (1 + math.Pow(10, d/(400*expandSize)))
	}

	g := make([]float64, maxScaledRating+1)
	for _, r := range oldRatings {
		scaled := int(math.Round(r * expandSize))
		if scaled < 0 {
			scaled = 0
		}
		if scaled > maxScaledRating {
			scaled = maxScaledRating
		}
		g[scaled]++
	}

	conv := Convolve(f, g)
	return conv[: 2*maxScaledRating+1 : 2*maxScaledRating+1]
}

// searchScaledRating bisects the integer scaled rating whose expected-rank
// equation value reaches meanRank.
func searchScaledRating(conv []float64, meanRank float64) int {
	lo, hi := 0, maxScaledRating
	mid := 0
	for lo < hi {
		mid = (lo + hi) / 2
		if conv[mid+maxScaledRating]+1 < meanRank {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return mid
}

func (e *ConvEngine) Deltas(ranks []int, oldRatings []float64, ks []int) ([]float64, error) {
	if err := validateInput(ranks, oldRatings, ks); err != nil {
		return nil, err
	}

	conv := buildConvolution(oldRatings)

	expected := make([]float64, len(ranks))
	for i := range ranks {
		scaled := int(math.Round(oldRatings[i] * expandSize))
		if scaled < 0 {
			scaled = 0
		}
		if scaled > maxScaledRating {
			scaled = maxScaledRating
		}
		expectedRank := conv[scaled+maxScaledRating] + 0.5
		meanRank := math.Sqrt(expectedRank * float64(ranks[i]))
		expected[i] = float64(searchScaledRating(conv, meanRank)) / expandSize
	}
	return applyDamping(expected, oldRatings, ks), nil
}
