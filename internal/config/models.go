package config

// ModelInfo maps a model name to its provider and per-MTok pricing.
type ModelInfo struct {
	Provider string
	InputUSD float64 // $ per million input tokens
	OutputUSD float64 // $ per million output tokens
}

// KnownModels is the model registry used for provider inference and cost
// estimation. Models not listed here route to the OpenAI-compatible path
// with zero estimated cost.
var KnownModels = map[string]ModelInfo{
	// External runtime (Claude)
	"claude-opus-4-6":            {ProviderRuntime, 5.0, 25.0},
	"claude-sonnet-4-5-20250929": {ProviderRuntime, 3.0, 15.0},
	"claude-haiku-4-5-20251001":  {ProviderRuntime, 1.0, 5.0},
	// OpenAI
	"gpt-4o":      {ProviderOpenAI, 2.5, 10.0},
	"gpt-4o-mini": {ProviderOpenAI, 0.15, 0.6},
	"gpt-4.1":     {ProviderOpenAI, 2.0, 8.0},
	"gpt-5.2":     {ProviderOpenAI, 0.0, 0.0},
	"o3":          {ProviderOpenAI, 2.0, 8.0},
	"o4-mini":     {ProviderOpenAI, 1.1, 4.4},
}

// EstimateCost returns the estimated USD cost for a call against the given
// model. Cache reads are billed at 10% of the input rate, cache writes at
// 125%. Unknown models cost zero.
func EstimateCost(model string, input, output, cacheRead, cacheWrite int) float64 {
	m, ok := KnownModels[model]
	if !ok {
		return 0
	}
	return (float64(input)*m.InputUSD +
		float64(cacheRead)*m.InputUSD*0.1 +
		float64(cacheWrite)*m.InputUSD*1.25 +
		float64(output)*m.OutputUSD) / 1_000_000
}
