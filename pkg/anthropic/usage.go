package anthropic

import "go.uber.org/zap"

// Usage counts the tokens billed for one reply.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// USD per million tokens: input, output.
var pricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {1.00, 5.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// Cost estimates the USD cost of u under model's list price. Cache writes bill
// at 1.25x input and cache reads at 0.1x. Unknown models cost 0.
func (u Usage) Cost(model string) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) + 1.25*float64(u.CacheWriteTokens) + 0.1*float64(u.CacheReadTokens)
	return (in*p[0] + float64(u.OutputTokens)*p[1]) / 1e6
}

// Log records the usage and its estimated cost.
func (u Usage) Log(model string) {
	zap.L().Info("anthropic: usage",
		zap.String("model", model),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadTokens),
		zap.Float64("estimated_cost_usd", u.Cost(model)),
	)
}
