// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import "sync"

// ModelPrice is the published price of one model in cents per million
// tokens, split by direction.
type ModelPrice struct {
	InputCentsPerMTok  int64
	OutputCentsPerMTok int64
}

// PricingTable maps model IDs to prices and turns usage into cost for
// budget accounting. Lookups on unknown models report zero cost and
// ok=false so callers can decide whether to treat the cost as unmetered.
type PricingTable struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewPricingTable returns a table seeded with the given prices.
func NewPricingTable(prices map[string]ModelPrice) *PricingTable {
	t := &PricingTable{prices: make(map[string]ModelPrice, len(prices))}
	for model, p := range prices {
		t.prices[model] = p
	}
	return t
}

// DefaultPricing returns the built-in table of published prices.
func DefaultPricing() *PricingTable {
	return NewPricingTable(map[string]ModelPrice{
		// Anthropic, cents per million tokens.
		"claude-3-5-sonnet-20241022": {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
		"claude-3-5-haiku-20241022":  {InputCentsPerMTok: 80, OutputCentsPerMTok: 400},
		"claude-3-opus-20240229":     {InputCentsPerMTok: 1500, OutputCentsPerMTok: 7500},

		// OpenAI.
		"gpt-4o":        {InputCentsPerMTok: 250, OutputCentsPerMTok: 1000},
		"gpt-4o-mini":   {InputCentsPerMTok: 15, OutputCentsPerMTok: 60},
		"gpt-4-turbo":   {InputCentsPerMTok: 1000, OutputCentsPerMTok: 3000},
		"gpt-3.5-turbo": {InputCentsPerMTok: 50, OutputCentsPerMTok: 150},
	})
}

// Set installs or replaces one model's price.
func (t *PricingTable) Set(model string, price ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[model] = price
}

// Cost converts usage into whole cents, rounding up so budgets never
// under-count. ok is false when the model has no published price.
func (t *PricingTable) Cost(model string, usage Usage) (cents int64, ok bool) {
	t.mu.RLock()
	price, ok := t.prices[model]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	in := usage.InputTokens * price.InputCentsPerMTok
	out := usage.OutputTokens * price.OutputCentsPerMTok
	return ceilDiv(in+out, 1_000_000), true
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
