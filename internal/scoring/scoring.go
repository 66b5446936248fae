// Package scoring implements the Scorer: pure, dependency-free ranking
// functions shared by the Embedded store's in-process ranking and the
// façade's cross-backend scoring of Remote results. None of these
// functions perform I/O or can fail at runtime, mirroring the shape of
// the teacher's internal/memory/confidence.go decay helpers.
package scoring

import "math"

// DefaultHalfLifeDays is the time-decay half-life applied when a caller
// does not override it.
const DefaultHalfLifeDays = 30.0

// normEpsilon is the norm floor below which Cosine reports zero rather
// than dividing by a near-zero magnitude.
const normEpsilon = 1e-9

// Cosine returns the cosine similarity of two equal-length vectors,
// ranging over [-1, 1]. Either vector having a norm below normEpsilon
// yields 0. Vectors of differing length are a programmer error; callers
// must validate embedding dimensions before reaching this function.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		panic("scoring: cosine requires equal-length vectors")
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	normA = math.Sqrt(normA)
	normB = math.Sqrt(normB)
	if normA < normEpsilon || normB < normEpsilon {
		return 0
	}
	return dot / (normA * normB)
}

// TimeDecay implements the geometric half-life decay: 0.5^(age/half_life).
// Result lies in (0, 1] for non-negative ageDays.
func TimeDecay(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

// VoteFactor rewards net-upvoted lessons and penalizes net-downvoted
// ones, clamped below at 0.1 so a heavily downvoted lesson stays
// discoverable at low rank instead of collapsing to zero.
func VoteFactor(up, down int) float64 {
	f := 1.0 + 0.1*float64(up-down)
	if f < 0.1 {
		return 0.1
	}
	return f
}

// FinalScore combines cosine similarity, raw confidence, time decay, and
// vote factor into the single ranking score used by query ordering.
func FinalScore(cos, confidence, ageDays float64, up, down int, halfLifeDays float64) float64 {
	decay := TimeDecay(ageDays, halfLifeDays)
	vote := VoteFactor(up, down)
	return cos * confidence * decay * vote
}

// DefaultServerLambda is the exponential decay rate the server uses in
// place of the client's geometric half-life (§4.2): both shapes satisfy
// the same monotonicity and boundedness properties but are not required
// to produce bit-identical scores.
const DefaultServerLambda = 0.01

// ExpDecay implements the server's exp(-lambda*age_days) decay shape.
func ExpDecay(ageDays, lambda float64) float64 {
	if lambda <= 0 {
		lambda = DefaultServerLambda
	}
	return math.Exp(-lambda * ageDays)
}

// ServerScore combines cosine similarity, raw confidence, and exponential
// decay into the ranking score the server's search endpoint assigns —
// the server variant of FinalScore (§4.3.4).
func ServerScore(cos, confidence, ageDays, lambda float64) float64 {
	return cos * confidence * ExpDecay(ageDays, lambda)
}
