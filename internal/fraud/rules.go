package fraud

import (
	"context"
	"strings"

	"github.com/mbd888/sokopay/internal/money"
)

var suspiciousTerms = []string{
	"no refund",
	"pay now",
	"limited time",
	"urgent",
	"cash only",
	"meet parking lot",
	"wire transfer",
}

// priceFloors are minimum plausible prices for items commonly used as bait.
// Matched against the lower-cased product name.
var priceFloors = []struct {
	item  string
	floor money.Amount
}{
	{"iphone", money.FromUnits(50000)},
	{"macbook", money.FromUnits(60000)},
	{"samsung tv", money.FromUnits(30000)},
	{"playstation", money.FromUnits(40000)},
	{"ps5", money.FromUnits(40000)},
}

var (
	baitPriceCeiling = money.FromUnits(100)
	highValueFloor   = money.FromUnits(50000)
)

// RuleScorer is the deterministic fallback evaluator. It never fails.
type RuleScorer struct{}

func (RuleScorer) Score(_ context.Context, d Descriptor) (Assessment, error) {
	return Evaluate(d), nil
}

// Evaluate scores d from fixed rules. The same input always yields the
// same score, flags, and flag order.
func Evaluate(d Descriptor) Assessment {
	score := 0
	flags := []string{}

	description := strings.ToLower(d.Description)
	for _, term := range suspiciousTerms {
		if strings.Contains(description, term) {
			score += 20
			flags = append(flags, "suspicious_term:"+term)
		}
	}

	name := strings.ToLower(d.ProductName)
	for _, pf := range priceFloors {
		if strings.Contains(name, pf.item) && d.Price < pf.floor {
			score += 30
			flags = append(flags, "price_too_low_for_"+strings.ReplaceAll(pf.item, " ", "_"))
		}
	}

	if d.Price < baitPriceCeiling {
		score += 15
		flags = append(flags, "suspiciously_cheap")
	}
	if d.Price > highValueFloor {
		score += 10
		flags = append(flags, "high_value_item")
	}

	if score > 100 {
		score = 100
	}

	reason := "No major red flags"
	if len(flags) > 0 {
		reason = strings.Join(flags, ", ")
	}

	return Assessment{
		Score:  score,
		Level:  LevelFor(score),
		Reason: "Rule-based detection: " + reason,
		Flags:  flags,
		Source: SourceRules,
	}
}
