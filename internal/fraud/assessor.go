package fraud

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/sokopay/internal/circuitbreaker"
	"github.com/mbd888/sokopay/internal/metrics"
	"github.com/mbd888/sokopay/internal/traces"
)

// DefaultTimeout bounds a single external scoring call.
const DefaultTimeout = 8 * time.Second

// Assessor runs the external scorer when configured and falls back to
// the rule-based evaluator on any failure.
type Assessor struct {
	primary Scorer
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewAssessor creates an assessor. A nil primary scorer means rules only.
func NewAssessor(primary Scorer, logger *slog.Logger) *Assessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{
		primary: primary,
		breaker: circuitbreaker.New("fraud_scorer", 5, 30*time.Second),
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// WithTimeout overrides the per-call deadline for the external scorer.
func (a *Assessor) WithTimeout(d time.Duration) *Assessor {
	if d > 0 {
		a.timeout = d
	}
	return a
}

// WithBreaker replaces the circuit breaker guarding the external scorer.
func (a *Assessor) WithBreaker(b *circuitbreaker.Breaker) *Assessor {
	a.breaker = b
	return a
}

// Assess returns a risk verdict for d. External scorer failures are
// absorbed; the only error is the caller's own context ending first.
func (a *Assessor) Assess(ctx context.Context, d Descriptor) (Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "fraud.Assess", traces.Amount(d.Price.String()))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}

	if a.primary != nil {
		assessment, err := a.scoreExternal(ctx, d)
		if err == nil {
			metrics.FraudAssessmentsTotal.WithLabelValues(string(SourceModel), string(assessment.Level)).Inc()
			span.SetAttributes(traces.RiskScore(assessment.Score))
			return assessment, nil
		}
		reason := degradedReason(err)
		metrics.FraudFallbacksTotal.WithLabelValues(reason).Inc()
		a.logger.Warn("fraud scorer degraded, using rule-based fallback",
			"reason", reason, "error", err)
	}

	assessment := Evaluate(d)
	metrics.FraudAssessmentsTotal.WithLabelValues(string(SourceRules), string(assessment.Level)).Inc()
	span.SetAttributes(traces.RiskScore(assessment.Score))
	return assessment, nil
}

func (a *Assessor) scoreExternal(ctx context.Context, d Descriptor) (Assessment, error) {
	var out Assessment
	err := a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		res, err := a.primary.Score(callCtx, d)
		if err != nil {
			return err
		}
		if err := res.Validate(); err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func degradedReason(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrMalformedResult):
		return "malformed"
	default:
		return "unavailable"
	}
}
