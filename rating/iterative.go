package rating

import "math"

const (
	// searchCeiling bounds the bisection for a participant's performance
	// rating. It matches the convolution engine's rating ceiling.
	searchCeiling = 4000.0

	searchPrecision = 0.01
	searchMaxIter   = 25
)

// IterativeEngine computes each participant's expected rating with a direct
// bisection over the win-rate sum. O(n^2) in the field size, exact to
// searchPrecision; the reference implementation for ConvEngine.
type IterativeEngine struct{}

// winRateSum returns the sum over the field of the probability that a
// hypothetical participant rated x loses to each opponent. The sum is
// strictly decreasing in x. The participant's own entry contributes its
// self-term; the +0.5 expected-rank convention absorbs it.
func winRateSum(ratings []float64, x float64) float64 {
	sum := 0.0
	for _, r := range ratings {
		sum += 1 / (1 + math.Pow(10, (x-r)/400))
	}
	return sum
}

// searchExpectedRating bisects for the rating whose win-rate sum equals
// meanRank-1.
func searchExpectedRating(ratings []float64, meanRank float64) float64 {
	target := meanRank - 1
	lo, hi := 0.0, searchCeiling
	mid := lo
	for iter := 0; hi-lo > searchPrecision && iter <= searchMaxIter; iter++ {
		mid = lo + (hi-lo)/2
		if winRateSum(ratings, mid) < target {
			hi = mid
		} else {
			lo = mid
		}
	}
	return mid
}

func (e *IterativeEngine) Deltas(ranks []int, oldRatings []float64, ks []int) ([]float64, error) {
	if err := validateInput(ranks, oldRatings, ks); err != nil {
		return nil, err
	}

	expected := make([]float64, len(ranks))
	for i := range ranks {
		expectedRank := winRateSum(oldRatings, oldRatings[i]) + 0.5
		meanRank := math.Sqrt(expectedRank * float64(ranks[i]))
		expected[i] = searchExpectedRating(oldRatings, meanRank)
	}
	return applyDamping(expected, oldRatings, ks), nil
}
