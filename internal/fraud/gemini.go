package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures the hosted model scorer.
type GeminiConfig struct {
	APIKey  string
	Model   string // e.g. "gemini-1.5-flash"
	BaseURL string // empty selects the SDK default endpoint
}

// GeminiScorer asks a Gemini model to score a sale against a fixed rubric.
type GeminiScorer struct {
	client *genai.Client
	model  string
}

// NewGeminiScorer creates a scorer. Per-call deadlines come from the
// caller's context; the HTTP client timeout is only a backstop.
func NewGeminiScorer(ctx context.Context, cfg GeminiConfig) (*GeminiScorer, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiScorer{client: client, model: cfg.Model}, nil
}

const rubric = `You are the fraud screen for a social-commerce escrow service in Kenya.
Score this sale for fraud risk.

Product: %s
Category: %s
Price: KES %s
Description: %s
Seller phone: %s

Known scam patterns:
- "pay now", "no refunds", urgency or cash-only phrasing: high risk
- electronics priced under half of market value: high risk
- vague descriptions: medium risk
- expensive items from unknown sellers: medium risk

Reference prices (KES): iPhone 15 120,000-150,000; Samsung 55" TV 50,000-80,000;
PlayStation 5 60,000-80,000; Nike shoes 8,000-15,000.

Bands: 0-39 low, 40-69 medium, 70-100 high.
Answer with risk_score (0-100), risk_level, a short reason, and flags naming each pattern matched.`

// verdictSchema constrains the model to the fields parseVerdict needs.
var verdictSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"risk_score": {Type: genai.TypeInteger},
		"risk_level": {Type: genai.TypeString, Enum: []string{"low", "medium", "high"}},
		"reason":     {Type: genai.TypeString},
		"flags":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"risk_score", "risk_level", "reason", "flags"},
}

// modelVerdict uses pointers so absent keys can be told apart from zero values.
type modelVerdict struct {
	RiskScore *float64  `json:"risk_score"`
	RiskLevel *string   `json:"risk_level"`
	Reason    *string   `json:"reason"`
	Flags     *[]string `json:"flags"`
}

// Score implements Scorer.
func (g *GeminiScorer) Score(ctx context.Context, d Descriptor) (Assessment, error) {
	prompt := fmt.Sprintf(rubric, d.ProductName, d.Category, d.Price, d.Description, d.SellerPhone)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
		ResponseSchema:   verdictSchema,
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Assessment{}, fmt.Errorf("%w: status %d: %s", ErrScorerDegraded, apiErr.Code, apiErr.Message)
		}
		return Assessment{}, fmt.Errorf("%w: %w", ErrScorerDegraded, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Assessment{}, fmt.Errorf("%w: no candidates", ErrMalformedResult)
	}
	return parseVerdict(resp.Text())
}

// parseVerdict decodes the model's JSON answer and rejects missing keys.
func parseVerdict(text string) (Assessment, error) {
	var v modelVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return Assessment{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if v.RiskScore == nil || v.RiskLevel == nil || v.Reason == nil || v.Flags == nil {
		return Assessment{}, fmt.Errorf("%w: missing required keys", ErrMalformedResult)
	}

	a := Assessment{
		Score:  int(math.Round(*v.RiskScore)),
		Level:  Level(strings.ToLower(strings.TrimSpace(*v.RiskLevel))),
		Reason: *v.Reason,
		Flags:  *v.Flags,
		Source: SourceModel,
	}
	if a.Flags == nil {
		a.Flags = []string{}
	}
	if err := a.Validate(); err != nil {
		return Assessment{}, err
	}
	return a, nil
}
