package risk

import (
	"context"
	"fmt"
	"time"
)

// VelocityWindow is how far back seller activity counts toward velocity.
const VelocityWindow = time.Hour

// VelocityCounter counts orders a seller created since a point in time.
type VelocityCounter interface {
	CountSellerOrdersSince(ctx context.Context, sellerPhone string, since time.Time) (int, error)
}

// Engine gathers reputation and velocity signals for Score.
type Engine struct {
	reputation ReputationProvider
	velocity   VelocityCounter
	window     time.Duration
	now        func() time.Time
}

// NewEngine creates an advisory engine. A nil reputation provider means
// every seller is neutral.
func NewEngine(reputation ReputationProvider, velocity VelocityCounter) *Engine {
	if reputation == nil {
		reputation = NeutralReputation{}
	}
	return &Engine{
		reputation: reputation,
		velocity:   velocity,
		window:     VelocityWindow,
		now:        time.Now,
	}
}

// WithWindow overrides the velocity window.
func (e *Engine) WithWindow(d time.Duration) *Engine {
	if d > 0 {
		e.window = d
	}
	return e
}

// Advise scores an order given its fraud score and seller.
func (e *Engine) Advise(ctx context.Context, aiRisk int, sellerPhone string) (*Result, error) {
	rep, err := e.reputation.Reputation(ctx, sellerPhone)
	if err != nil {
		return nil, fmt.Errorf("seller reputation: %w", err)
	}

	velocity := 0
	if e.velocity != nil {
		velocity, err = e.velocity.CountSellerOrdersSince(ctx, sellerPhone, e.now().Add(-e.window))
		if err != nil {
			return nil, fmt.Errorf("seller velocity: %w", err)
		}
	}

	res := Score(aiRisk, rep, velocity)
	return &res, nil
}
