package rating

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDampingCoefficient_Boundaries(t *testing.T) {
	// k=0: pre-sum is 1, coefficient 1/(1+1).
	require.InDelta(t, 0.5, DampingCoefficient(0), 1e-12)

	// k=1: pre-sum is 1 + 5/7.
	require.InDelta(t, 1/(1+1+5.0/7.0), DampingCoefficient(1), 1e-12)

	// k=100: closed-form geometric sum.
	sum := 0.0
	term := 1.0
	for j := 0; j <= 100; j++ {
		sum += term
		term *= 5.0 / 7.0
	}
	require.InDelta(t, 1/(1+sum), DampingCoefficient(100), 1e-12)

	// The step past 100 is a deliberate discontinuity.
	require.InDelta(t, 2.0/9.0, DampingCoefficient(101), 1e-12)
	require.InDelta(t, 2.0/9.0, DampingCoefficient(1000), 1e-12)

	// Negative counts clamp to the new-participant coefficient.
	require.InDelta(t, 0.5, DampingCoefficient(-3), 1e-12)
}

func TestNew_SelectsEngine(t *testing.T) {
	e, err := New(KindIterative)
	require.NoError(t, err)
	require.IsType(t, &IterativeEngine{}, e)

	e, err = New(KindConv)
	require.NoError(t, err)
	require.IsType(t, &ConvEngine{}, e)

	_, err = New("montecarlo")
	require.Error(t, err)
}

func TestDeltas_RejectsMismatchedLengths(t *testing.T) {
	for _, e := range []Engine{&IterativeEngine{}, &ConvEngine{}} {
		_, err := e.Deltas([]int{1, 2}, []float64{1500}, []int{0, 0})
		require.Error(t, err)
	}
}

// syntheticField builds a deterministic contest standing: n participants with
// ratings spread across the ladder, ranked by rating.
func syntheticField(n int) (ranks []int, ratings []float64, ks []int) {
	ranks = make([]int, n)
	ratings = make([]float64, n)
	ks = make([]int, n)
	for i := 0; i < n; i++ {
		ranks[i] = i + 1
		ratings[i] = 2900 - float64(i)*1600/float64(n) + float64(i%7)*3.25
		ks[i] = (i * 13) % 120
	}
	return ranks, ratings, ks
}

func TestEnginesAgree(t *testing.T) {
	ranks, ratings, ks := syntheticField(200)

	iter, err := (&IterativeEngine{}).Deltas(ranks, ratings, ks)
	require.NoError(t, err)
	conv, err := (&ConvEngine{}).Deltas(ranks, ratings, ks)
	require.NoError(t, err)

	require.Len(t, conv, len(iter))
	for i := range iter {
		require.InDelta(t, iter[i], conv[i], DeltaPrecision,
			"participant %d: iterative=%f conv=%f", i, iter[i], conv[i])
	}
}

func TestDeltas_UniformField(t *testing.T) {
	const n = 50
	ranks := make([]int, n)
	ratings := make([]float64, n)
	ks := make([]int, n)
	for i := range ranks {
		ranks[i] = i + 1
		ratings[i] = 1500
		ks[i] = 5
	}

	deltas, err := (&IterativeEngine{}).Deltas(ranks, ratings, ks)
	require.NoError(t, err)

	// Beating a field of equals gains rating; finishing last loses it.
	require.GreaterOrEqual(t, deltas[0], 0.0)
	require.LessOrEqual(t, deltas[n-1], 0.0)
}

func TestDeltas_EqualInputsEqualOutputs(t *testing.T) {
	ranks := []int{3, 3, 1, 7}
	ratings := []float64{1800, 1800, 2100, 1500}
	ks := []int{10, 10, 40, 0}

	deltas, err := (&IterativeEngine{}).Deltas(ranks, ratings, ks)
	require.NoError(t, err)
	require.Equal(t, deltas[0], deltas[1])
}

func naiveConvolve(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, av := range a {
		for j, bv := range b {
			out[i+j] += av * bv
		}
	}
	return out
}

func TestConvolve_MatchesNaive(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 0.5, -1}
	b := []float64{2, -0.25, 7, 0, 3}

	got := Convolve(a, b)
	want := naiveConvolve(a, b)

	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-9)
	}
}

func TestConvolve_LengthOne(t *testing.T) {
	got := Convolve([]float64{3}, []float64{0.5})
	require.Len(t, got, 1)
	require.InDelta(t, 1.5, got[0], 1e-12)
}

func TestSearchExpectedRating_Monotone(t *testing.T) {
	ratings := []float64{1400, 1500, 1600, 1700, 1800}

	// A better (smaller) mean rank must produce a higher performance rating.
	better := searchExpectedRating(ratings, 1.2)
	worse := searchExpectedRating(ratings, 4.5)
	require.Greater(t, better, worse)

	// The widened bracket can express performances above the old 400 cap.
	require.Greater(t, better, 400.0)
}

func TestWinRateSum_Decreasing(t *testing.T) {
	ratings := []float64{1500, 1500, 1500}
	require.Greater(t, winRateSum(ratings, 1000), winRateSum(ratings, 2000))
	require.InDelta(t, 1.5, winRateSum(ratings, 1500), 1e-12)
}

func TestBuildConvolution_MatchesDirectSum(t *testing.T) {
	ratings := []float64{1500, 1510.25, 1723}
	conv := buildConvolution(ratings)

	for _, x := range []int{0, 140000, 151025, 200000} {
		want := 0.0
		for _, r := range ratings {
			scaled := math.Round(r * expandSize)
			want += 1 / (1 + math.Pow(10, (float64(x)-scaled)/(400*expandSize)))
		}
		require.InDelta(t, want, conv[x+maxScaledRating], 1e-6, "x=%d", x)
	}
}
