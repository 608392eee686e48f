// Package rating computes Elo-style rating deltas for contest standings.
//
// Two interchangeable engines implement the same contract: an iterative
// per-participant bisection and an FFT-convolution variant that amortizes the
// expected-rank evaluation across all participants. Both attenuate the raw
// delta by a damping coefficient derived from the participant's prior
// contest count.
package rating

// dampingTableMax is the last contest count with an exact damping value.
// Beyond it the coefficient is a flat 2/9; the discontinuity at 101 is
// intentional and matched by the regression data.
const dampingTableMax = 100

// preSums[k] holds 1 + (5/7)^1 + ... + (5/7)^k.
var preSums = func() [dampingTableMax + 1]float64 {
	var sums [dampingTableMax + 1]float64
	sums[0] = 1
	term := 1.0
	for k := 1; k <= dampingTableMax; k++ {
		term *= 5.0 / 7.0
		sums[k] = sums[k-1] + term
	}
	return sums
}()

// DampingCoefficient returns the multiplier applied to a raw rating delta
// for a participant who has attended k prior contests. New participants are
// damped hardest (k=0 gives 0.5); veterans past 100 contests get a flat 2/9.
func DampingCoefficient(k int) float64 {
	if k < 0 {
		k = 0
	}
	if k > dampingTableMax {
		return 2.0 / 9.0
	}
	return 1 / (1 + preSums[k])
}

// DampingCoefficients maps DampingCoefficient over a slice of contest counts.
func DampingCoefficients(ks []int) []float64 {
	out := make([]float64, len(ks))
	for i, k := range ks {
		out[i] = DampingCoefficient(k)
	}
	return out
}
