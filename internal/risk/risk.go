// Package risk blends the fraud assessment of an order with seller
// reputation and transaction velocity into one advisory recommendation.
//
// The composite score is not a payment gate. Orders are gated by the fraud
// assessment alone; this package informs manual review.
package risk

import "context"

// Recommendation is the advisory verdict for an order.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendBlock   Recommendation = "block"
)

// Weights in tenths; they sum to 10.
const (
	weightAI         = 6
	weightReputation = 3
	weightVelocity   = 1
)

// DefaultReputation is the neutral score used until sellers have history.
const DefaultReputation = 50

// Breakdown shows each signal after conversion to a 0-100 risk quantity.
type Breakdown struct {
	AIRisk         int `json:"aiRisk"`
	ReputationRisk int `json:"reputationRisk"`
	VelocityRisk   int `json:"velocityRisk"`
}

// Result is a composite score with its recommendation.
type Result struct {
	FinalScore     int            `json:"finalScore"`
	Recommendation Recommendation `json:"recommendation"`
	Breakdown      Breakdown      `json:"breakdown"`
}

// Score combines aiRisk (0-100), sellerReputation (0-100, higher is better)
// and velocity (recent orders by the seller). Reputation is inverted to a
// risk quantity, velocity contributes 10 points per order capped at 100, and
// the weighted sum 0.6/0.3/0.1 is rounded half to even.
func Score(aiRisk, sellerReputation, velocity int) Result {
	ai := clamp(aiRisk)
	repRisk := 100 - clamp(sellerReputation)
	velRisk := velocity * 10
	if velocity > 10 {
		velRisk = 100
	}
	velRisk = clamp(velRisk)

	tenths := ai*weightAI + repRisk*weightReputation + velRisk*weightVelocity
	final := roundTenthsHalfEven(tenths)

	return Result{
		FinalScore:     final,
		Recommendation: recommend(final),
		Breakdown: Breakdown{
			AIRisk:         ai,
			ReputationRisk: repRisk,
			VelocityRisk:   velRisk,
		},
	}
}

func recommend(score int) Recommendation {
	switch {
	case score < 40:
		return RecommendApprove
	case score < 70:
		return RecommendReview
	default:
		return RecommendBlock
	}
}

// roundTenthsHalfEven returns round(t/10) with ties going to the even
// neighbour. t is never negative.
func roundTenthsHalfEven(t int) int {
	q, r := t/10, t%10
	switch {
	case r > 5:
		return q + 1
	case r == 5 && q%2 == 1:
		return q + 1
	default:
		return q
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ReputationProvider returns a seller's reputation on a 0-100 scale.
type ReputationProvider interface {
	Reputation(ctx context.Context, sellerPhone string) (int, error)
}

// NeutralReputation scores every seller at DefaultReputation.
type NeutralReputation struct{}

func (NeutralReputation) Reputation(context.Context, string) (int, error) {
	return DefaultReputation, nil
}
