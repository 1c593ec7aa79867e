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

import "testing"

func TestPricingCost(t *testing.T) {
	table := NewPricingTable(map[string]ModelPrice{
		"test-model": {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
	})

	tests := []struct {
		name   string
		model  string
		usage  Usage
		cents  int64
		wantOK bool
	}{
		{"zero usage", "test-model", Usage{}, 0, true},
		{"exact million", "test-model", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 1800, true},
		{"rounds up", "test-model", Usage{InputTokens: 1, OutputTokens: 0}, 1, true},
		{"mixed", "test-model", Usage{InputTokens: 500_000, OutputTokens: 100_000}, 300, true},
		{"unknown model", "other", Usage{InputTokens: 1000}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cents, ok := table.Cost(tt.model, tt.usage)
			if cents != tt.cents || ok != tt.wantOK {
				t.Errorf("Cost(%s, %+v) = %d, %v; want %d, %v",
					tt.model, tt.usage, cents, ok, tt.cents, tt.wantOK)
			}
		})
	}
}

func TestPricingSet(t *testing.T) {
	table := DefaultPricing()
	table.Set("custom", ModelPrice{InputCentsPerMTok: 100, OutputCentsPerMTok: 200})
	cents, ok := table.Cost("custom", Usage{InputTokens: 1_000_000})
	if !ok || cents != 100 {
		t.Errorf("Cost(custom) = %d, %v", cents, ok)
	}
}
