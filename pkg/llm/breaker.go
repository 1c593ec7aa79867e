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

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// BreakerConfig configures the circuit breaker around a provider.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the production breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// BreakerProvider shields a provider behind a circuit breaker: after
// repeated transient failures the breaker opens and calls fail fast with a
// TransientError until the open window elapses. Non-transient failures do
// not count against the breaker.
type BreakerProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// WithBreaker wraps provider with a circuit breaker.
func WithBreaker(provider Provider, config BreakerConfig) *BreakerProvider {
	threshold := config.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultBreakerConfig().ConsecutiveFailures
	}
	return &BreakerProvider{
		provider: provider,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    provider.Name(),
			Timeout: config.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				// Only transient failures indicate an unhealthy backend.
				return err == nil || !errors.IsTransient(err)
			},
		}),
	}
}

// Name returns the wrapped provider's name.
func (b *BreakerProvider) Name() string { return b.provider.Name() }

// Complete calls the wrapped provider through the breaker.
func (b *BreakerProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.provider.Complete(ctx, req)
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &errors.TransientError{Op: "llm complete", Message: "circuit breaker open for " + b.provider.Name()}
		}
		return nil, err
	}
	return result.(*Response), nil
}
