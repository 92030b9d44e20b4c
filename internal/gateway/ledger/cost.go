package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// CostPlaces is the fractional precision of every stored credit amount
const CostPlaces = 8

// Usage is the measured token count of one attempt.
// PromptTokens excludes CachedTokens, which are billed at the cached rate.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// Cost breaks an attempt's price into components. Total is the exact sum of the rounded components.
type Cost struct {
	Input  decimal.Decimal
	Output decimal.Decimal
	Cached decimal.Decimal
	Total  decimal.Decimal
}

func perToken(ratePerM decimal.Decimal) decimal.Decimal {
	return ratePerM.Shift(-6)
}

func component(tokens int, ratePerM decimal.Decimal) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return perToken(ratePerM).Mul(decimal.NewFromInt(int64(tokens))).Round(CostPlaces)
}

// CalculateCost prices measured usage against a model's rates
func CalculateCost(m models.Model, u Usage) Cost {
	c := Cost{
		Input:  component(u.PromptTokens, m.InputCostPerM),
		Output: component(u.CompletionTokens, m.OutputCostPerM),
		Cached: component(u.CachedTokens, m.CachedCostPerM),
	}
	c.Total = c.Input.Add(c.Output).Add(c.Cached)
	return c
}

// EstimateCost prices a request before dispatch. Without a completion limit
// the output is assumed to be as long as the prompt.
func EstimateCost(m models.Model, promptTokens, maxOutputTokens int) decimal.Decimal {
	out := maxOutputTokens
	if out <= 0 {
		out = promptTokens
	}
	return CalculateCost(m, Usage{PromptTokens: promptTokens, CompletionTokens: out}).Total
}
