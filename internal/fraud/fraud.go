// Package fraud scores the risk of a proposed sale.
//
// An external model is consulted first when configured. Whenever it is
// unavailable, slow, or returns something unusable, the deterministic
// rule-based evaluator answers instead, so callers always get an
// Assessment.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/sokopay/internal/money"
)

var (
	// ErrScorerDegraded marks a failed external scoring attempt. It is
	// recovered inside Assessor and never returned to callers.
	ErrScorerDegraded = errors.New("fraud: external scorer degraded")
	// ErrMalformedResult means the scorer answered with missing or
	// out-of-range fields.
	ErrMalformedResult = errors.New("fraud: malformed scorer result")
)

// Level is a coarse risk band.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Valid reports whether l is a known band.
func (l Level) Valid() bool {
	return l == LevelLow || l == LevelMedium || l == LevelHigh
}

// LevelFor bands a score: low < 40 <= medium < 70 <= high.
func LevelFor(score int) Level {
	switch {
	case score < 40:
		return LevelLow
	case score < 70:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Source records which scorer produced an assessment.
type Source string

const (
	SourceModel Source = "model"
	SourceRules Source = "rules"
)

// Descriptor is the sale being assessed.
type Descriptor struct {
	ProductName string       `json:"productName"`
	Price       money.Amount `json:"price"`
	Description string       `json:"description"`
	SellerPhone string       `json:"sellerPhone"`
	Category    string       `json:"category"`
}

// Assessment is a risk verdict for one Descriptor.
type Assessment struct {
	Score  int      `json:"riskScore"`
	Level  Level    `json:"riskLevel"`
	Reason string   `json:"reason"`
	Flags  []string `json:"flags"`
	Source Source   `json:"source"`
}

// Validate checks the fields a scorer must always fill in.
func (a Assessment) Validate() error {
	if a.Score < 0 || a.Score > 100 {
		return fmt.Errorf("%w: risk score %d outside 0-100", ErrMalformedResult, a.Score)
	}
	if !a.Level.Valid() {
		return fmt.Errorf("%w: unknown risk level %q", ErrMalformedResult, a.Level)
	}
	if strings.TrimSpace(a.Reason) == "" {
		return fmt.Errorf("%w: empty reason", ErrMalformedResult)
	}
	return nil
}

// Scorer produces an Assessment, possibly over the network.
type Scorer interface {
	Score(ctx context.Context, d Descriptor) (Assessment, error)
}
