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
	"math"
	"math/rand"
	"time"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

// RetryConfig configures exponential backoff around a provider. Only
// transient failures are retried; validation, policy, and fatal errors
// return immediately.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the first call.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier between attempts.
	Multiplier float64

	// Jitter spreads the delay by ±Jitter fraction (at most 0.2).
	Jitter float64
}

// DefaultRetryConfig returns the production retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// RetryingProvider wraps a provider with retry-on-transient semantics.
type RetryingProvider struct {
	provider Provider
	config   RetryConfig
}

// WithRetry wraps provider with the given retry config.
func WithRetry(provider Provider, config RetryConfig) *RetryingProvider {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.Jitter > 0.2 {
		config.Jitter = 0.2
	}
	return &RetryingProvider{provider: provider, config: config}
}

// Name returns the wrapped provider's name.
func (r *RetryingProvider) Name() string { return r.provider.Name() }

// Complete calls the wrapped provider, retrying transient failures with
// jittered exponential backoff.
func (r *RetryingProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := r.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Retryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *RetryingProvider) backoff(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter > 0 {
		spread := d * r.config.Jitter
		d += rand.Float64()*2*spread - spread
	}
	return time.Duration(d)
}
