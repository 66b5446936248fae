package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineIdenticalVectors(t *testing.T) {
	v := []float32{1, 2, 3}
	require.InDelta(t, 1.0, Cosine(v, v), 1e-9)
}

func TestCosineOrthogonalVectors(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	require.InDelta(t, 0.0, Cosine(a, b), 1e-9)
}

func TestCosineOppositeVectors(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	require.InDelta(t, -1.0, Cosine(a, b), 1e-9)
}

func TestCosineZeroNormIsZero(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	require.Equal(t, 0.0, Cosine(a, b))
}

func TestCosinePanicsOnLengthMismatch(t *testing.T) {
	require.Panics(t, func() {
		Cosine([]float32{1, 2}, []float32{1})
	})
}

func TestTimeDecayAtHalfLifeIsOneHalf(t *testing.T) {
	require.InDelta(t, 0.5, TimeDecay(30, 30), 1e-9)
}

func TestTimeDecayAtZeroAgeIsOne(t *testing.T) {
	require.InDelta(t, 1.0, TimeDecay(0, 30), 1e-9)
}

func TestTimeDecayUsesDefaultWhenHalfLifeNonPositive(t *testing.T) {
	require.InDelta(t, TimeDecay(30, DefaultHalfLifeDays), TimeDecay(30, 0), 1e-9)
}

func TestVoteFactorNetPositive(t *testing.T) {
	require.InDelta(t, 1.5, VoteFactor(5, 0), 1e-9)
}

func TestVoteFactorClampsAtFloor(t *testing.T) {
	require.Equal(t, 0.1, VoteFactor(0, 100))
}

func TestFinalScoreVoteWeightedRatio(t *testing.T) {
	cos, confidence, age, halfLife := 0.8, 0.5, 1.0, 30.0
	upvoted := FinalScore(cos, confidence, age, 5, 0, halfLife)
	plain := FinalScore(cos, confidence, age, 0, 0, halfLife)
	require.GreaterOrEqual(t, upvoted, 1.5*plain-1e-9)
}

func TestFinalScoreBoundedByConfidenceForUnvotedLessons(t *testing.T) {
	score := FinalScore(1.0, 0.7, 10, 0, 0, 30)
	require.LessOrEqual(t, score, 0.7+1e-9)
}

func TestFinalScoreMonotonicDecreasingWithAge(t *testing.T) {
	newer := FinalScore(0.9, 0.6, 1, 2, 0, 30)
	older := FinalScore(0.9, 0.6, 60, 2, 0, 30)
	require.Greater(t, newer, older)
}

func TestExpDecayAtZeroAgeIsOne(t *testing.T) {
	require.InDelta(t, 1.0, ExpDecay(0, DefaultServerLambda), 1e-9)
}

func TestExpDecayMonotonicDecreasing(t *testing.T) {
	require.Greater(t, ExpDecay(1, DefaultServerLambda), ExpDecay(30, DefaultServerLambda))
}

func TestTimeDecayWithinUnitInterval(t *testing.T) {
	for _, age := range []float64{0, 1, 10, 365, 10000} {
		d := TimeDecay(age, 30)
		require.Greater(t, d, 0.0)
		require.LessOrEqual(t, d, 1.0)
		require.False(t, math.IsNaN(d))
	}
}
