// Package stage implements the idempotent consolidation and conversion
// transforms. Each stage replaces its own output subset for one
// (target_date, credential_id) key inside the engine's transaction.
package stage

import (
	"strings"

	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
)

// Token prices in USD per 1k tokens. Unpriced models fall back to the
// default rate.
var tokenPricePer1K = map[string]float64{
	"gpt-4o":            0.0125,
	"gpt-4o-mini":       0.000375,
	"claude-sonnet-4-5": 0.009,
	"claude-haiku-4-5":  0.003,
	"gemini-2.5-pro":    0.00625,
}

const defaultTokenPricePer1K = 0.01

func pricePer1K(modelName string) float64 {
	if price, ok := tokenPricePer1K[strings.ToLower(modelName)]; ok {
		return price
	}
	return defaultTokenPricePer1K
}

var providerDisplayNames = map[string]string{
	"openai":    "OpenAI",
	"anthropic": "Anthropic",
	"google":    "Google",
	"mistral":   "Mistral AI",
	"cohere":    "Cohere",
	"aws":       "Amazon Web Services",
	"azure":     "Microsoft Azure",
}

func providerDisplayName(provider string) string {
	key := strings.ToLower(strings.TrimSpace(provider))
	if name, ok := providerDisplayNames[key]; ok {
		return name
	}
	if key == "" {
		return "Unknown"
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

// normalizeCostType folds provider-native charge types into the fixed
// consolidated superset.
func normalizeCostType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case consdomain.CostTypePAYG, "usage", "on_demand":
		return consdomain.CostTypePAYG
	case consdomain.CostTypeCommitment, "committed", "reserved":
		return consdomain.CostTypeCommitment
	case consdomain.CostTypeSubscription, "seat", "license":
		return consdomain.CostTypeSubscription
	case consdomain.CostTypeCloud:
		return consdomain.CostTypeCloud
	default:
		return consdomain.CostTypeInfrastructure
	}
}

// FOCUS taxonomy for the conversion stage.
func serviceCategory(costType string) string {
	switch costType {
	case consdomain.CostTypePAYG, consdomain.CostTypeCommitment:
		return "AI and Machine Learning"
	case consdomain.CostTypeCloud, consdomain.CostTypeInfrastructure:
		return "Compute"
	case consdomain.CostTypeSubscription:
		return "Software"
	default:
		return "Other"
	}
}

func chargeCategory(costType string) string {
	switch costType {
	case consdomain.CostTypePAYG, consdomain.CostTypeCloud, consdomain.CostTypeInfrastructure:
		return "Usage"
	case consdomain.CostTypeCommitment:
		return "Purchase"
	case consdomain.CostTypeSubscription:
		return "Recurring"
	default:
		return "Adjustment"
	}
}
