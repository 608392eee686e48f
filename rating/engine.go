package rating

import "fmt"

// DeltaPrecision is the tolerance within which the two engines must agree
// on any input.
const DeltaPrecision = 1.0

// Engine computes rating deltas for one contest. The three slices are
// parallel: ranks[i], oldRatings[i] and ks[i] describe participant i, where
// ks is the number of previously attended contests.
//
// Implementations must treat the inputs as read-only.
type Engine interface {
	Deltas(ranks []int, oldRatings []float64, ks []int) ([]float64, error)
}

// Engine kinds accepted by New.
const (
	KindIterative = "iterative"
	KindConv      = "conv"
)

// New returns the engine selected by kind.
func New(kind string) (Engine, error) {
	switch kind {
	case KindIterative:
		return &IterativeEngine{}, nil
	case KindConv:
		return &ConvEngine{}, nil
	default:
		return nil, fmt.Errorf("rating: unknown engine kind %q", kind)
	}
}

func validateInput(ranks []int, oldRatings []float64, ks []int) error {
	if len(ranks) != len(oldRatings) || len(ranks) != len(ks) {
		return fmt.Errorf("rating: mismatched input lengths %d/%d/%d",
			len(ranks), len(oldRatings), len(ks))
	}
	return nil
}

// applyDamping turns expected ratings into damped deltas in place of a
// result slice.
func applyDamping(expected, oldRatings []float64, ks []int) []float64 {
	deltas := make([]float64, len(expected))
	for i := range expected {
		deltas[i] = (expected[i] - oldRatings[i]) * DampingCoefficient(ks[i])
	}
	return deltas
}
